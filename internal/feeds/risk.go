package feeds

import (
	"context"
	"fmt"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// RiskFeed reads externally computed risk scores and identity verification.
type RiskFeed struct {
	c client
}

// NewRiskFeed creates a risk feed rooted at baseURL.
func NewRiskFeed(baseURL string, opts Options) *RiskFeed {
	return &RiskFeed{c: newClient(baseURL, opts)}
}

type riskResponse struct {
	Borrower string `json:"borrower"`
	Score    *int   `json:"score"`
}

// GetRiskScore returns the borrower's risk score in [0, 100].
func (r *RiskFeed) GetRiskScore(ctx context.Context, borrowerID string) (int, error) {
	var resp riskResponse
	if err := r.c.getJSON(ctx, "/risk/"+escape(borrowerID), &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("risk score for %s missing from response", borrowerID)
	}
	if *resp.Score < 0 || *resp.Score > 100 {
		return 0, fmt.Errorf("risk score %d for %s out of range", *resp.Score, borrowerID)
	}
	return *resp.Score, nil
}

// GetIdentityVerification returns the borrower's verification level.
func (r *RiskFeed) GetIdentityVerification(ctx context.Context, borrowerID string) (models.IdentityVerification, error) {
	var resp models.IdentityVerification
	if err := r.c.getJSON(ctx, "/identity/"+escape(borrowerID), &resp); err != nil {
		return models.IdentityVerification{}, err
	}
	return resp, nil
}
