// Package recommend turns a position and its forecast into remediation suggestions.
package recommend

import (
	"fmt"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// Rule thresholds and sizing as fractions of outstanding debt.
const (
	HighProbability   = 0.5
	MediumProbability = 0.2
	WatchHealthFactor = 1.5

	highRepayShare      = 0.20
	highCollateralShare = 0.30
	medRepayShare       = 0.10
	medCollateralShare  = 0.15
	topUpShare          = 0.05
)

// Input is everything the rules look at.
type Input struct {
	Position          models.Snapshot
	Result            models.SimulationResult
	HighRiskThreshold int
	Identity          *models.IdentityVerification
}

// Recommend evaluates the rules in fixed order and returns their suggestions in that
// order. It is pure: identical input yields an identical list.
func Recommend(in Input) []models.Action {
	var actions []models.Action
	debt := in.Position.BorrowedValue
	prob := in.Result.LiquidationProbability

	switch {
	case prob > HighProbability:
		actions = append(actions, repay(debt, highRepayShare, models.UrgencyHigh), addCollateral(debt, highCollateralShare, models.UrgencyHigh))
	case prob > MediumProbability:
		actions = append(actions, repay(debt, medRepayShare, models.UrgencyMedium), addCollateral(debt, medCollateralShare, models.UrgencyMedium))
	case in.Position.HealthFactor < WatchHealthFactor:
		actions = append(actions, models.Action{
			Kind:        models.ActionAddCollateral,
			Description: fmt.Sprintf("Top up collateral by about %.2f to widen the safety margin", debt*topUpShare),
			Amount:      debt * topUpShare,
			Urgency:     models.UrgencyLow,
		})
	}

	if in.Position.RiskScore > in.HighRiskThreshold && (in.Identity == nil || !in.Identity.Verified) {
		actions = append(actions, models.Action{
			Kind:        models.ActionVerifyIdentity,
			Description: "Complete identity verification to keep borrowing limits",
			Urgency:     models.UrgencyMedium,
		})
	}
	return actions
}

func repay(debt, share float64, u models.Urgency) models.Action {
	return models.Action{
		Kind:        models.ActionRepayDebt,
		Description: fmt.Sprintf("Repay about %.0f%% of debt (%.2f)", share*100, debt*share),
		Amount:      debt * share,
		Urgency:     u,
	}
}

func addCollateral(debt, share float64, u models.Urgency) models.Action {
	return models.Action{
		Kind:        models.ActionAddCollateral,
		Description: fmt.Sprintf("Add collateral worth about %.0f%% of debt (%.2f)", share*100, debt*share),
		Amount:      debt * share,
		Urgency:     u,
	}
}
