// Package engine runs the per-position pipeline (ledger read, tracking, simulation,
// dispatch) and answers the exposed risk queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/liqsentry/internal/alert"
	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/market"
	"github.com/rewired-gh/liqsentry/internal/metrics"
	"github.com/rewired-gh/liqsentry/internal/models"
	"github.com/rewired-gh/liqsentry/internal/scenario"
	"github.com/rewired-gh/liqsentry/internal/simulation"
	"github.com/rewired-gh/liqsentry/internal/storage"
	"github.com/rewired-gh/liqsentry/internal/tracker"
)

// Ledger is the upstream source of positions.
type Ledger interface {
	GetPosition(ctx context.Context, borrower string) (models.LedgerPosition, error)
	GetHealthFactor(ctx context.Context, borrower string) (float64, error)
	ListBorrowers(ctx context.Context) ([]string, error)
}

// RiskProvider supplies the externally computed risk score and identity level.
type RiskProvider interface {
	GetRiskScore(ctx context.Context, borrowerID string) (int, error)
	GetIdentityVerification(ctx context.Context, borrowerID string) (models.IdentityVerification, error)
}

// DataQuality tells API callers how complete an answer is.
type DataQuality string

const (
	QualityComplete DataQuality = "complete"
	QualityStale    DataQuality = "stale"
	QualityPartial  DataQuality = "partial"
)

func worse(a, b DataQuality) DataQuality {
	rank := map[DataQuality]int{QualityComplete: 0, QualityStale: 1, QualityPartial: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Config holds the engine's tunables.
type Config struct {
	Asset                       string
	ScanScenario                string
	NumPaths                    int
	NumDays                     int
	Seed                        uint64 // 0 = secure seed per call
	SamplePaths                 int
	StressTargetProbability     float64
	DefaultLiquidationThreshold float64
	// FallbackVolatility drives stress tests for assets without market data.
	FallbackVolatility        float64
	StaleAfter                time.Duration
	VolatilityAlertMultiplier float64
	RecheckTier               string
	AlertRetention            time.Duration
	StartBlock                uint64
}

func (c *Config) setDefaults() {
	if c.Asset == "" {
		c.Asset = "ETH"
	}
	if c.ScanScenario == "" {
		c.ScanScenario = scenario.Normal
	}
	if c.NumPaths <= 0 {
		c.NumPaths = 10000
	}
	if c.NumDays <= 0 {
		c.NumDays = 7
	}
	if c.StressTargetProbability <= 0 {
		c.StressTargetProbability = 0.05
	}
	if c.DefaultLiquidationThreshold <= 0 {
		c.DefaultLiquidationThreshold = 1.0
	}
	if c.FallbackVolatility <= 0 {
		c.FallbackVolatility = 0.8
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.RecheckTier == "" {
		c.RecheckTier = "high"
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = 30 * 24 * time.Hour
	}
}

// Deps are the collaborators of an Engine. Store is optional.
type Deps struct {
	Ledger     Ledger
	Risk       RiskProvider
	Market     *market.Cache
	Scenarios  *scenario.Library
	Tracker    *tracker.Tracker
	Dispatcher *alert.Dispatcher
	Store      *storage.Storage
	Clock      clock.Clock
}

// Engine wires the components together. Work on one borrower is serialized.
type Engine struct {
	cfg          Config
	ledger       Ledger
	risk         RiskProvider
	market       *market.Cache
	scenarios    *scenario.Library
	tracker      *tracker.Tracker
	dispatcher   *alert.Dispatcher
	store        *storage.Storage
	clock        clock.Clock
	rand         simulation.RandSource
	locks        *keyedMutex
	recheckBelow float64
}

// New validates the configuration and returns an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.setDefaults()
	if deps.Ledger == nil || deps.Market == nil || deps.Tracker == nil || deps.Dispatcher == nil {
		return nil, errors.New("engine requires a ledger, market cache, tracker and dispatcher")
	}
	if deps.Scenarios == nil {
		deps.Scenarios = scenario.NewLibrary()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if _, err := deps.Scenarios.Get(cfg.ScanScenario); err != nil {
		return nil, fmt.Errorf("invalid scan scenario: %w", err)
	}
	tier, ok := deps.Dispatcher.Tier(cfg.RecheckTier)
	if !ok {
		return nil, fmt.Errorf("recheck tier %q is not configured", cfg.RecheckTier)
	}

	source := simulation.Secure()
	if cfg.Seed != 0 {
		source = simulation.Seeded(cfg.Seed)
	}
	if deps.Store != nil {
		deps.Dispatcher.SetRecorder(deps.Store)
	}

	return &Engine{
		cfg:          cfg,
		ledger:       deps.Ledger,
		risk:         deps.Risk,
		market:       deps.Market,
		scenarios:    deps.Scenarios,
		tracker:      deps.Tracker,
		dispatcher:   deps.Dispatcher,
		store:        deps.Store,
		clock:        deps.Clock,
		rand:         source,
		locks:        newKeyedMutex(),
		recheckBelow: tier.Below,
	}, nil
}

// Check is the outcome of one pipeline run for a borrower.
type Check struct {
	Position    models.Position
	Result      *models.SimulationResult
	Alerts      []models.Alert
	Evicted     bool
	DataQuality DataQuality
}

// CheckBorrower reads the borrower's position, updates the tracker, forecasts it
// under the scan scenario and lets the dispatcher decide on alerts. Missing risk or
// market inputs degrade the result; only a failed ledger read or an unusable snapshot
// is an error.
func (e *Engine) CheckBorrower(ctx context.Context, borrowerID string) (Check, error) {
	unlock := e.locks.lock(borrowerID)
	defer unlock()

	lp, err := e.ledger.GetPosition(ctx, borrowerID)
	if err != nil {
		metrics.PositionChecks.WithLabelValues("ledger_error").Inc()
		return Check{}, fmt.Errorf("failed to read position of %s: %w", borrowerID, err)
	}

	snap := models.Snapshot{
		CollateralValue:      lp.CollateralValue,
		BorrowedValue:        lp.BorrowedValue,
		LiquidationThreshold: lp.LiquidationThreshold,
		Asset:                lp.Asset,
		CheckedAt:            e.clock.Now(),
	}
	if snap.LiquidationThreshold <= 0 {
		snap.LiquidationThreshold = e.cfg.DefaultLiquidationThreshold
	}
	if snap.Asset == "" {
		snap.Asset = e.cfg.Asset
	}

	quality := QualityComplete
	var identity *models.IdentityVerification
	if snap.HasDebt() {
		hf, err := e.ledger.GetHealthFactor(ctx, borrowerID)
		switch {
		case err != nil:
			logger.Debug("Health factor read failed for %s, computing it: %v", borrowerID, err)
		case hf > 0 && !math.IsInf(hf, 0) && !math.IsNaN(hf):
			snap.HealthFactor = hf
		}
		var q DataQuality
		snap.RiskScore, identity, q = e.riskInputs(ctx, borrowerID)
		quality = worse(quality, q)
	}

	pos, outcome, err := e.tracker.Update(borrowerID, snap)
	if err != nil {
		metrics.PositionChecks.WithLabelValues("invalid").Inc()
		return Check{}, fmt.Errorf("failed to track %s: %w", borrowerID, err)
	}
	metrics.TrackedPositions.Set(float64(e.tracker.Len()))

	if outcome == tracker.Evicted {
		e.dispatcher.Silence(borrowerID)
		if e.store != nil {
			if err := e.store.DeletePosition(borrowerID); err != nil {
				logger.Warn("Failed to delete position %s: %v", borrowerID, err)
			}
		}
		metrics.PositionChecks.WithLabelValues("evicted").Inc()
		logger.Debug("Borrower %s has no debt, evicted", borrowerID)
		return Check{Position: pos, Evicted: true, DataQuality: quality}, nil
	}

	res, q := e.forecast(pos.Latest)
	quality = worse(quality, q)

	alerts := e.dispatcher.Evaluate(alert.Evaluation{
		BorrowerID: borrowerID,
		Position:   pos.Latest,
		Result:     res,
		Identity:   identity,
	})
	metrics.PositionChecks.WithLabelValues("ok").Inc()

	return Check{Position: pos, Result: res, Alerts: alerts, DataQuality: quality}, nil
}

// riskInputs fetches the risk score and identity level. A failed score read keeps the
// last known score.
func (e *Engine) riskInputs(ctx context.Context, borrowerID string) (int, *models.IdentityVerification, DataQuality) {
	if e.risk == nil {
		return 0, nil, QualityComplete
	}
	quality := QualityComplete

	score, err := e.risk.GetRiskScore(ctx, borrowerID)
	if err != nil {
		logger.Warn("Risk score unavailable for %s: %v", borrowerID, err)
		quality = QualityPartial
		score = 0
		if prev, err := e.tracker.Get(borrowerID); err == nil {
			score = prev.Latest.RiskScore
		}
	}

	var identity *models.IdentityVerification
	iv, err := e.risk.GetIdentityVerification(ctx, borrowerID)
	if err != nil {
		logger.Debug("Identity verification unavailable for %s: %v", borrowerID, err)
		quality = QualityPartial
	} else {
		identity = &iv
	}
	return score, identity, quality
}

// forecast simulates snap under the scan scenario. Without market data for the asset
// no forecast is made.
func (e *Engine) forecast(snap models.Snapshot) (*models.SimulationResult, DataQuality) {
	state, ok := e.market.Get(snap.Asset)
	if !ok {
		logger.Debug("No market state for %s, skipping forecast", snap.Asset)
		return nil, QualityPartial
	}
	quality := QualityComplete
	if e.market.IsStale(snap.Asset, e.cfg.StaleAfter) {
		quality = QualityStale
	}

	sc, err := e.scenarios.Get(e.cfg.ScanScenario)
	if err != nil {
		logger.Error("Scan scenario unavailable: %v", err)
		return nil, QualityPartial
	}
	res, err := e.simulate(simulation.Params{
		Position:    snap,
		Market:      state,
		Scenario:    sc,
		NumPaths:    e.cfg.NumPaths,
		NumDays:     e.cfg.NumDays,
		SamplePaths: e.cfg.SamplePaths,
	}, e.rand)
	if err != nil {
		logger.Warn("Simulation failed: %v", err)
		return nil, QualityPartial
	}
	return &res, quality
}

func (e *Engine) simulate(p simulation.Params, source simulation.RandSource) (models.SimulationResult, error) {
	start := time.Now()
	res, err := simulation.Simulate(p, source())
	metrics.SimulationDuration.Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Degenerate:
		outcome = "degenerate"
	}
	metrics.SimulationsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

// Check runs the pipeline for one borrower, discarding the details.
func (e *Engine) Check(ctx context.Context, borrowerID string) error {
	_, err := e.CheckBorrower(ctx, borrowerID)
	return err
}

// AllBorrowers lists borrowers seen on the ledger plus those already tracked.
func (e *Engine) AllBorrowers(ctx context.Context) ([]string, error) {
	listed, err := e.ledger.ListBorrowers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(listed))
	out := make([]string, 0, len(listed))
	for _, id := range append(listed, e.tracker.Borrowers()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RiskyBorrowers lists tracked borrowers below the recheck tier.
func (e *Engine) RiskyBorrowers() []string {
	return e.tracker.Risky(e.recheckBelow)
}

// RefreshMarket refreshes the market cache and raises volatility alerts for assets
// whose volatility spiked against their window average.
func (e *Engine) RefreshMarket(ctx context.Context, assets []string) market.RefreshReport {
	rep := e.market.Refresh(ctx, assets)
	for asset := range rep.Failed {
		metrics.MarketRefreshErrors.WithLabelValues(asset).Inc()
	}
	if e.cfg.VolatilityAlertMultiplier <= 0 {
		return rep
	}
	for _, asset := range rep.Updated {
		state, ok := e.market.Get(asset)
		if !ok || len(state.VolatilityHistory) < 2 {
			continue
		}
		prior := models.MarketState{VolatilityHistory: state.VolatilityHistory[:len(state.VolatilityHistory)-1]}
		e.dispatcher.EvaluateVolatility(asset, state.CurrentVolatility, prior.AverageVolatility(), e.cfg.VolatilityAlertMultiplier)
	}
	return rep
}
