package feeds

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceFeed reads spot prices and annualized volatility per asset.
type PriceFeed struct {
	c client
}

// NewPriceFeed creates a price feed rooted at baseURL.
func NewPriceFeed(baseURL string, opts Options) *PriceFeed {
	return &PriceFeed{c: newClient(baseURL, opts)}
}

type priceResponse struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
}

type volatilityResponse struct {
	Asset      string          `json:"asset"`
	Volatility decimal.Decimal `json:"volatility"`
}

// GetCurrentPrice returns the latest price of asset.
func (p *PriceFeed) GetCurrentPrice(ctx context.Context, asset string) (float64, error) {
	var resp priceResponse
	if err := p.c.getJSON(ctx, "/prices/"+escape(asset), &resp); err != nil {
		return 0, err
	}
	if !resp.Price.IsPositive() {
		return 0, fmt.Errorf("price of %s must be positive, got %s", asset, resp.Price)
	}
	return resp.Price.InexactFloat64(), nil
}

// GetVolatility returns the annualized volatility of asset.
func (p *PriceFeed) GetVolatility(ctx context.Context, asset string) (float64, error) {
	var resp volatilityResponse
	if err := p.c.getJSON(ctx, "/volatility/"+escape(asset), &resp); err != nil {
		return 0, err
	}
	if resp.Volatility.IsNegative() {
		return 0, fmt.Errorf("volatility of %s must not be negative, got %s", asset, resp.Volatility)
	}
	return resp.Volatility.InexactFloat64(), nil
}
