package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/liqsentry/internal/models"
)

const (
	// recentAlertLimit caps the alerts returned in a risk summary.
	recentAlertLimit = 10

	riskMediumFrom = 30
	riskHighFrom   = 70
)

// Health buckets beyond the configured tier names.
const (
	BucketLiquidatable = "liquidatable"
	BucketHealthy      = "healthy"
)

// RiskBucket grades an external risk score.
func RiskBucket(score int) string {
	switch {
	case score >= riskHighFrom:
		return "high"
	case score >= riskMediumFrom:
		return "medium"
	default:
		return "low"
	}
}

// HealthBucket names the tier a health factor falls into.
func (e *Engine) HealthBucket(hf float64) string {
	if hf <= 1 {
		return BucketLiquidatable
	}
	if tier, ok := e.dispatcher.Classify(hf); ok {
		return tier.Name
	}
	return BucketHealthy
}

// RiskSummary is the answer to getUserRiskSummary.
type RiskSummary struct {
	BorrowerID   string                   `json:"borrower_id"`
	Position     models.Position          `json:"position"`
	HealthBucket string                   `json:"health_bucket"`
	RiskBucket   string                   `json:"risk_bucket"`
	Trend        models.Trend             `json:"trend"`
	Forecast     *models.SimulationResult `json:"forecast,omitempty"`
	RecentAlerts []models.Alert           `json:"recent_alerts"`
	AlertStates  []models.CooldownEntry   `json:"alert_states"`
	DataQuality  DataQuality              `json:"data_quality"`
	GeneratedAt  time.Time                `json:"generated_at"`
}

// GetUserRiskSummary reports the tracked state, trend, a fresh forecast and the recent
// alerts of one borrower. An untracked borrower yields models.ErrNotFound.
func (e *Engine) GetUserRiskSummary(_ context.Context, borrowerID string) (RiskSummary, error) {
	pos, err := e.tracker.Get(borrowerID)
	if err != nil {
		return RiskSummary{}, fmt.Errorf("borrower %s: %w", borrowerID, err)
	}

	forecast, quality := e.forecast(pos.Latest)

	recent := e.dispatcher.Recent(borrowerID, recentAlertLimit)
	if len(recent) == 0 && e.store != nil {
		stored, err := e.store.RecentAlerts(borrowerID, recentAlertLimit)
		if err != nil {
			quality = worse(quality, QualityPartial)
		} else {
			recent = stored
		}
	}
	if recent == nil {
		recent = []models.Alert{}
	}
	states := e.dispatcher.States(borrowerID)
	if states == nil {
		states = []models.CooldownEntry{}
	}

	return RiskSummary{
		BorrowerID:   borrowerID,
		Position:     pos,
		HealthBucket: e.HealthBucket(pos.HealthFactor()),
		RiskBucket:   RiskBucket(pos.Latest.RiskScore),
		Trend:        pos.Trend,
		Forecast:     forecast,
		RecentAlerts: recent,
		AlertStates:  states,
		DataQuality:  quality,
		GeneratedAt:  e.clock.Now(),
	}, nil
}

// MarketSummary is one asset's cached state.
type MarketSummary struct {
	Asset             string    `json:"asset"`
	Price             float64   `json:"price"`
	Volatility        float64   `json:"volatility"`
	AverageVolatility float64   `json:"average_volatility"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
	Stale             bool      `json:"stale"`
}

// Overview is the answer to getSystemHealthOverview.
type Overview struct {
	TrackedPositions      int             `json:"tracked_positions"`
	ByRiskBucket          map[string]int  `json:"by_risk_bucket"`
	ByHealthBucket        map[string]int  `json:"by_health_bucket"`
	TotalCollateral       float64         `json:"total_collateral"`
	TotalDebt             float64         `json:"total_debt"`
	AggregateHealthFactor float64         `json:"aggregate_health_factor"`
	ActiveAlerts          map[string]int  `json:"active_alerts"`
	LiquidationsObserved  int             `json:"liquidations_observed"`
	Markets               []MarketSummary `json:"markets"`
	DataQuality           DataQuality     `json:"data_quality"`
	GeneratedAt           time.Time       `json:"generated_at"`
}

// GetSystemHealthOverview aggregates every tracked position. AggregateHealthFactor is
// total collateral over threshold-weighted debt, 0 when nothing is borrowed.
func (e *Engine) GetSystemHealthOverview(_ context.Context) Overview {
	ov := Overview{
		ByRiskBucket:   map[string]int{},
		ByHealthBucket: map[string]int{},
		ActiveAlerts:   map[string]int{},
		Markets:        []MarketSummary{},
		DataQuality:    QualityComplete,
		GeneratedAt:    e.clock.Now(),
	}

	var weightedDebt float64
	assets := map[string]bool{}
	for _, p := range e.tracker.Positions() {
		ov.TrackedPositions++
		ov.ByRiskBucket[RiskBucket(p.Latest.RiskScore)]++
		ov.ByHealthBucket[e.HealthBucket(p.HealthFactor())]++
		ov.TotalCollateral += p.Latest.CollateralValue
		ov.TotalDebt += p.Latest.BorrowedValue
		weightedDebt += p.Latest.BorrowedValue * p.Latest.LiquidationThreshold
		assets[p.Latest.Asset] = true
	}
	if weightedDebt > 0 {
		ov.AggregateHealthFactor = ov.TotalCollateral / weightedDebt
	}

	for sev, n := range e.dispatcher.ActiveCounts() {
		ov.ActiveAlerts[sev.String()] = n
	}

	if e.store != nil {
		n, err := e.store.CountLiquidations()
		if err != nil {
			ov.DataQuality = QualityPartial
		} else {
			ov.LiquidationsObserved = n
		}
	}

	for _, asset := range e.market.Assets() {
		state, _ := e.market.Get(asset)
		stale := e.market.IsStale(asset, e.cfg.StaleAfter)
		ov.Markets = append(ov.Markets, MarketSummary{
			Asset:             asset,
			Price:             state.CurrentPrice,
			Volatility:        state.CurrentVolatility,
			AverageVolatility: state.AverageVolatility(),
			LastUpdatedAt:     state.LastUpdatedAt,
			Stale:             stale,
		})
		if stale && assets[asset] {
			ov.DataQuality = worse(ov.DataQuality, QualityStale)
		}
	}
	for asset := range assets {
		if _, ok := e.market.Get(asset); !ok {
			ov.DataQuality = worse(ov.DataQuality, QualityPartial)
		}
	}
	return ov
}

// IsNotFound reports whether err is an expected absence.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
