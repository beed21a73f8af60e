package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/liqsentry/internal/models"
	"github.com/rewired-gh/liqsentry/internal/scenario"
	"github.com/rewired-gh/liqsentry/internal/simulation"
)

const (
	ratioGridStep  = 0.05
	ratioGridMax   = 5.0
	maxStressPaths = 100000
	maxStressDays  = 365
)

// StressRequest asks for a position to be simulated under several scenarios. A tracked
// BorrowerID supplies defaults for every position field left at zero.
type StressRequest struct {
	BorrowerID           string            `json:"borrower_id"`
	CollateralRatio      float64           `json:"collateral_ratio"`
	Asset                string            `json:"asset"`
	LoanAmount           float64           `json:"loan_amount"`
	LiquidationThreshold float64           `json:"liquidation_threshold"`
	Scenarios            []string          `json:"scenarios"`
	CustomScenarios      []models.Scenario `json:"custom_scenarios"`
	NumPaths             int               `json:"num_paths"`
	NumDays              int               `json:"num_days"`
	Seed                 uint64            `json:"seed"`
}

// ScenarioOutcome is one scenario's share of a stress report.
type ScenarioOutcome struct {
	Scenario                string                  `json:"scenario"`
	LiquidationProbability  float64                 `json:"liquidation_probability"`
	MedianDaysToLiquidation int                     `json:"median_days_to_liquidation"`
	Result                  models.SimulationResult `json:"result"`
}

// StressReport is the answer to runStressTest.
type StressReport struct {
	ID                   string            `json:"id"`
	BorrowerID           string            `json:"borrower_id,omitempty"`
	Asset                string            `json:"asset"`
	CollateralRatio      float64           `json:"collateral_ratio"`
	LoanAmount           float64           `json:"loan_amount"`
	LiquidationThreshold float64           `json:"liquidation_threshold"`
	Volatility           float64           `json:"volatility"`
	NumPaths             int               `json:"num_paths"`
	NumDays              int               `json:"num_days"`
	Seed                 uint64            `json:"seed"`
	Outcomes             []ScenarioOutcome `json:"outcomes"`
	WorstCase            string            `json:"worst_case"`
	WorstProbability     float64           `json:"worst_probability"`
	BestCase             string            `json:"best_case"`
	BestProbability      float64           `json:"best_probability"`
	TargetProbability    float64           `json:"target_probability"`
	RecommendedMinRatio  float64           `json:"recommended_min_ratio"`
	TargetReachable      bool              `json:"target_reachable"`
	DataQuality          DataQuality       `json:"data_quality"`
	Notes                []string          `json:"notes,omitempty"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

// RunStressTest simulates the requested position under every requested scenario with
// common random numbers: one seed drives every scenario and every grid point, so the
// outcomes differ only by scenario and ratio. The recommended minimum ratio is the
// lowest point of a 0.05 grid from the liquidation threshold up to 5.0 whose worst
// scenario stays at or below the target probability.
func (e *Engine) RunStressTest(ctx context.Context, req StressRequest) (StressReport, error) {
	rep := StressReport{
		ID:                uuid.NewString(),
		BorrowerID:        req.BorrowerID,
		TargetProbability: e.cfg.StressTargetProbability,
		DataQuality:       QualityComplete,
		GeneratedAt:       e.clock.Now(),
	}

	snap, err := e.stressPosition(req, &rep)
	if err != nil {
		return StressReport{}, err
	}
	rep.Asset = snap.Asset
	rep.CollateralRatio = snap.CollateralRatio()
	rep.LoanAmount = snap.BorrowedValue
	rep.LiquidationThreshold = snap.LiquidationThreshold

	scenarios, err := e.stressScenarios(req)
	if err != nil {
		return StressReport{}, err
	}

	rep.NumPaths = e.cfg.NumPaths
	if req.NumPaths > 0 {
		rep.NumPaths = min(req.NumPaths, maxStressPaths)
	}
	rep.NumDays = e.cfg.NumDays
	if req.NumDays > 0 {
		rep.NumDays = min(req.NumDays, maxStressDays)
	}
	rep.Seed = req.Seed
	if rep.Seed == 0 {
		rep.Seed = e.cfg.Seed
	}
	if rep.Seed == 0 {
		rep.Seed = simulation.NewSeed()
	}

	state, ok := e.market.Get(snap.Asset)
	switch {
	case !ok:
		state = models.MarketState{Asset: snap.Asset, CurrentVolatility: e.cfg.FallbackVolatility}
		rep.DataQuality = QualityPartial
		rep.Notes = append(rep.Notes, fmt.Sprintf("no market data for %s; using fallback volatility %.2f", snap.Asset, e.cfg.FallbackVolatility))
	case e.market.IsStale(snap.Asset, e.cfg.StaleAfter):
		rep.DataQuality = QualityStale
		rep.Notes = append(rep.Notes, fmt.Sprintf("market data for %s is stale", snap.Asset))
	}
	rep.Volatility = state.CurrentVolatility

	base := simulation.Params{
		Position: snap,
		Market:   state,
		NumPaths: rep.NumPaths,
		NumDays:  rep.NumDays,
	}
	source := simulation.Seeded(rep.Seed)

	outcomes, err := e.runScenarios(scenarios, base, source)
	if err != nil {
		return StressReport{}, err
	}
	for _, o := range outcomes {
		rep.Outcomes = append(rep.Outcomes, ScenarioOutcome{
			Scenario:                o.Name,
			LiquidationProbability:  o.Result.LiquidationProbability,
			MedianDaysToLiquidation: o.Result.MedianDaysToLiquidation,
			Result:                  o.Result,
		})
	}
	worst, best := scenario.Worst(outcomes), scenario.Best(outcomes)
	rep.WorstCase, rep.WorstProbability = worst.Name, worst.Result.LiquidationProbability
	rep.BestCase, rep.BestProbability = best.Name, best.Result.LiquidationProbability

	ratio, reachable, err := e.recommendMinRatio(ctx, scenarios, base, source)
	if err != nil {
		return StressReport{}, err
	}
	rep.RecommendedMinRatio, rep.TargetReachable = ratio, reachable
	if !reachable {
		rep.Notes = append(rep.Notes, fmt.Sprintf("no ratio up to %.2f keeps the worst case at or below %.1f%%",
			ratioGridMax, rep.TargetProbability*100))
	}
	return rep, nil
}

// stressPosition builds the snapshot under test from the request and, when tracked,
// the borrower's latest position.
func (e *Engine) stressPosition(req StressRequest, rep *StressReport) (models.Snapshot, error) {
	snap := models.Snapshot{
		Asset:                req.Asset,
		LiquidationThreshold: req.LiquidationThreshold,
		CheckedAt:            e.clock.Now(),
	}
	var tracked *models.Position
	if req.BorrowerID != "" {
		if pos, err := e.tracker.Get(req.BorrowerID); err == nil {
			tracked = &pos
		}
	}

	loan, ratio := req.LoanAmount, req.CollateralRatio
	if tracked != nil {
		latest := tracked.Latest
		if loan <= 0 {
			loan = latest.BorrowedValue
		}
		if ratio <= 0 {
			ratio = latest.CollateralRatio()
		}
		if snap.Asset == "" {
			snap.Asset = latest.Asset
		}
		if snap.LiquidationThreshold <= 0 {
			snap.LiquidationThreshold = latest.LiquidationThreshold
		}
		snap.RiskScore = latest.RiskScore
	}

	if tracked == nil && req.BorrowerID != "" && (loan <= 0 || ratio <= 0) {
		return models.Snapshot{}, fmt.Errorf("borrower %s: %w", req.BorrowerID, models.ErrNotFound)
	}
	if req.BorrowerID != "" && tracked == nil {
		rep.Notes = append(rep.Notes, fmt.Sprintf("borrower %s is not tracked; using the requested position only", req.BorrowerID))
	}
	if !(loan > 0) || math.IsInf(loan, 0) {
		return models.Snapshot{}, fmt.Errorf("%w: loan amount must be positive", models.ErrInvalidInput)
	}
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return models.Snapshot{}, fmt.Errorf("%w: collateral ratio must be positive", models.ErrInvalidInput)
	}
	if snap.LiquidationThreshold <= 0 {
		snap.LiquidationThreshold = e.cfg.DefaultLiquidationThreshold
	}
	if snap.Asset == "" {
		snap.Asset = e.cfg.Asset
	}
	snap.Asset = strings.ToUpper(snap.Asset)
	snap.BorrowedValue = loan
	snap.CollateralValue = ratio * loan
	snap.HealthFactor = models.HealthFactor(snap.CollateralValue, snap.BorrowedValue, snap.LiquidationThreshold)
	return snap, nil
}

// stressScenarios registers the request's custom scenarios and resolves the named
// ones. With neither, every built-in is used.
func (e *Engine) stressScenarios(req StressRequest) ([]models.Scenario, error) {
	for _, s := range req.CustomScenarios {
		if err := e.scenarios.Register(s); err != nil {
			return nil, err
		}
	}
	names := append([]string(nil), req.Scenarios...)
	for _, s := range req.CustomScenarios {
		names = append(names, s.Name)
	}
	if len(names) == 0 {
		names = scenario.BuiltinNames()
	}

	seen := make(map[string]bool, len(names))
	unique := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}
	scenarios, err := e.scenarios.Resolve(unique)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return scenarios, nil
}

func (e *Engine) runScenarios(scenarios []models.Scenario, base simulation.Params, source simulation.RandSource) ([]scenario.Outcome, error) {
	outcomes := make([]scenario.Outcome, 0, len(scenarios))
	for _, s := range scenarios {
		p := base
		p.Scenario = s
		res, err := e.simulate(p, source)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		outcomes = append(outcomes, scenario.Outcome{Name: s.Name, Result: res})
	}
	return outcomes, nil
}

// recommendMinRatio binary-searches the ratio grid. Under common random numbers every
// path's ratio scales linearly with the starting ratio, so the worst-case probability
// is non-increasing along the grid.
func (e *Engine) recommendMinRatio(ctx context.Context, scenarios []models.Scenario, base simulation.Params, source simulation.RandSource) (float64, bool, error) {
	lt := base.Position.LiquidationThreshold
	first := int(math.Ceil(lt/ratioGridStep - 1e-9))
	last := int(math.Floor(ratioGridMax/ratioGridStep + 1e-9))
	if first > last {
		return ratioGridMax, false, nil
	}
	gridRatio := func(i int) float64 {
		return math.Round(float64(i)*ratioGridStep*100) / 100
	}

	worstAt := func(ratio float64) (float64, error) {
		p := base
		p.Position.CollateralValue = ratio * p.Position.BorrowedValue
		p.Position.HealthFactor = models.HealthFactor(p.Position.CollateralValue, p.Position.BorrowedValue, lt)
		p.SamplePaths = 0
		outcomes, err := e.runScenarios(scenarios, p, source)
		if err != nil {
			return 0, err
		}
		return scenario.Worst(outcomes).Result.LiquidationProbability, nil
	}

	target := e.cfg.StressTargetProbability
	top, err := worstAt(gridRatio(last))
	if err != nil {
		return 0, false, err
	}
	if top > target {
		return gridRatio(last), false, nil
	}

	lo, hi := first, last
	for lo < hi {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		mid := lo + (hi-lo)/2
		prob, err := worstAt(gridRatio(mid))
		if err != nil {
			return 0, false, err
		}
		if prob <= target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return gridRatio(lo), true, nil
}
