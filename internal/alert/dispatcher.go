// Package alert decides which conditions become notifications. Every (borrower, alert
// type) key moves through Silent, Eligible and Sent; a key in Sent suppresses repeats
// until its cooldown expires.
package alert

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/metrics"
	"github.com/rewired-gh/liqsentry/internal/models"
	"github.com/rewired-gh/liqsentry/internal/recommend"
)

// Config holds the dispatch policy.
type Config struct {
	Tiers       []Tier
	MinSeverity models.Severity

	PredictedProbability float64
	PredictedCooldown    time.Duration
	HighRiskScore        int
	RiskCooldown         time.Duration
	VolatilityCooldown   time.Duration

	// HistorySize bounds the recent alerts kept per borrower.
	HistorySize int
}

// DefaultConfig returns the reference dispatch policy.
func DefaultConfig() Config {
	return Config{
		Tiers:                DefaultTiers(),
		MinSeverity:          models.SeverityWarning,
		PredictedProbability: 0.3,
		PredictedCooldown:    time.Hour,
		HighRiskScore:        70,
		RiskCooldown:         6 * time.Hour,
		VolatilityCooldown:   time.Hour,
		HistorySize:          20,
	}
}

// Enqueuer accepts alerts for delivery without blocking.
type Enqueuer interface {
	Enqueue(models.Alert) bool
}

// Recorder persists dispatched alerts.
type Recorder interface {
	SaveAlert(models.Alert) error
}

// Evaluation is the input of one dispatch decision for a borrower.
type Evaluation struct {
	BorrowerID string
	Position   models.Snapshot
	// Result is the scan forecast; nil when the simulation was skipped.
	Result   *models.SimulationResult
	Identity *models.IdentityVerification
}

// Dispatcher owns every CooldownEntry. Safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	out      Enqueuer
	recorder Recorder
	clock    clock.Clock

	mu      sync.Mutex
	entries map[models.CooldownKey]*models.CooldownEntry
	recent  map[string][]models.Alert
}

// NewDispatcher validates cfg and returns a dispatcher handing alerts to out.
func NewDispatcher(cfg Config, out Enqueuer, clk clock.Clock) (*Dispatcher, error) {
	if err := ValidateTiers(cfg.Tiers); err != nil {
		return nil, fmt.Errorf("invalid alert tiers: %w", err)
	}
	if cfg.MinSeverity == 0 {
		cfg.MinSeverity = models.SeverityInfo
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{
		cfg:     cfg,
		out:     out,
		clock:   clk,
		entries: make(map[models.CooldownKey]*models.CooldownEntry),
		recent:  make(map[string][]models.Alert),
	}, nil
}

// SetRecorder installs the persistence hook for dispatched alerts.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = r
}

// Tier returns the configured tier with the given name.
func (d *Dispatcher) Tier(name string) (Tier, bool) {
	for _, t := range d.cfg.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Tiers returns the threshold table, most severe first.
func (d *Dispatcher) Tiers() []Tier {
	return append([]Tier(nil), d.cfg.Tiers...)
}

// Classify returns the most severe tier triggered by hf.
func (d *Dispatcher) Classify(hf float64) (Tier, bool) {
	return match(d.cfg.Tiers, hf)
}

// Evaluate runs the health tier, predicted liquidation and risk score conditions for
// one borrower and returns the alerts handed to delivery. Only the most severe health
// tier is considered; the other tier keys of the borrower fall back to Silent.
func (d *Dispatcher) Evaluate(ev Evaluation) []models.Alert {
	now := d.clock.Now()
	hf := ev.Position.HealthFactor

	var actions []models.Action
	actionsFor := func() []models.Action {
		if actions == nil {
			in := recommend.Input{Position: ev.Position, HighRiskThreshold: d.cfg.HighRiskScore, Identity: ev.Identity}
			if ev.Result != nil {
				in.Result = *ev.Result
			}
			actions = recommend.Recommend(in)
		}
		return actions
	}
	prob := 0.0
	if ev.Result != nil {
		prob = ev.Result.LiquidationProbability
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var sent []models.Alert

	tier, triggered := match(d.cfg.Tiers, hf)
	for _, t := range d.cfg.Tiers {
		key := models.CooldownKey{BorrowerID: ev.BorrowerID, AlertType: t.Type}
		if triggered && t.Name == tier.Name {
			continue
		}
		d.silenceLocked(key)
	}
	if triggered {
		key := models.CooldownKey{BorrowerID: ev.BorrowerID, AlertType: tier.Type}
		if a, ok := d.fireLocked(key, tier.Severity, tier.Cooldown, now, func() models.Alert {
			return d.newAlert(ev.BorrowerID, tier.Type, tier.Severity, now,
				fmt.Sprintf("Health factor %.4f is below the %s threshold %.2f", hf, tier.Name, tier.Below),
				hf, prob, actionsFor())
		}); ok {
			sent = append(sent, a)
		}
	}

	predKey := models.CooldownKey{BorrowerID: ev.BorrowerID, AlertType: models.AlertPredictedLiquidation}
	if ev.Result != nil && d.cfg.PredictedProbability > 0 && prob >= d.cfg.PredictedProbability {
		sev := models.SeverityWarning
		if prob > recommend.HighProbability {
			sev = models.SeverityCritical
		}
		horizon := ev.Result.NumDays
		if a, ok := d.fireLocked(predKey, sev, d.cfg.PredictedCooldown, now, func() models.Alert {
			return d.newAlert(ev.BorrowerID, models.AlertPredictedLiquidation, sev, now,
				fmt.Sprintf("Liquidation probability %.1f%% within %d days under the %s scenario", prob*100, horizon, ev.Result.Scenario),
				hf, prob, actionsFor())
		}); ok {
			sent = append(sent, a)
		}
	} else {
		d.silenceLocked(predKey)
	}

	riskKey := models.CooldownKey{BorrowerID: ev.BorrowerID, AlertType: models.AlertHighRiskScore}
	if d.cfg.HighRiskScore > 0 && ev.Position.RiskScore > d.cfg.HighRiskScore {
		score := ev.Position.RiskScore
		if a, ok := d.fireLocked(riskKey, models.SeverityWarning, d.cfg.RiskCooldown, now, func() models.Alert {
			return d.newAlert(ev.BorrowerID, models.AlertHighRiskScore, models.SeverityWarning, now,
				fmt.Sprintf("Risk score %d exceeds %d", score, d.cfg.HighRiskScore),
				hf, prob, actionsFor())
		}); ok {
			sent = append(sent, a)
		}
	} else {
		d.silenceLocked(riskKey)
	}

	return sent
}

// AssetKey is the borrower key under which market-wide alerts for asset are scoped.
func AssetKey(asset string) string {
	return "asset:" + strings.ToUpper(asset)
}

// EvaluateVolatility fires MARKET_VOLATILITY when the current volatility of asset
// exceeds multiplier times its window average.
func (d *Dispatcher) EvaluateVolatility(asset string, current, average, multiplier float64) (models.Alert, bool) {
	now := d.clock.Now()
	key := models.CooldownKey{BorrowerID: AssetKey(asset), AlertType: models.AlertMarketVolatility}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !(average > 0) || multiplier <= 0 || !(current > average*multiplier) {
		d.silenceLocked(key)
		return models.Alert{}, false
	}
	return d.fireLocked(key, models.SeverityWarning, d.cfg.VolatilityCooldown, now, func() models.Alert {
		return d.newAlert(key.BorrowerID, models.AlertMarketVolatility, models.SeverityWarning, now,
			fmt.Sprintf("%s volatility %.1f%% is %.1fx its recent average %.1f%%",
				strings.ToUpper(asset), current*100, current/average, average*100),
			0, 0, nil)
	})
}

// LiquidationOccurred emits a CRITICAL alert for an observed liquidation regardless of
// cooldown and forgets every cooldown of the borrower.
func (d *Dispatcher) LiquidationOccurred(ev models.LiquidationEvent) models.Alert {
	now := d.clock.Now()
	a := d.newAlert(ev.Borrower, models.AlertLiquidationOccurred, models.SeverityCritical, now,
		fmt.Sprintf("Position liquidated by %s: repaid %.4f, seized %.4f (tx %s)",
			ev.Liquidator, ev.RepayAmount, ev.CollateralAmount, ev.Block.TxHash),
		0, 1, nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.entries {
		if key.BorrowerID == ev.Borrower {
			delete(d.entries, key)
		}
	}
	d.deliverLocked(a)
	return a
}

// Silence moves every key of the borrower to Silent, keeping last send times.
func (d *Dispatcher) Silence(borrowerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.entries {
		if key.BorrowerID == borrowerID {
			d.silenceLocked(key)
		}
	}
}

func (d *Dispatcher) silenceLocked(key models.CooldownKey) {
	if e, ok := d.entries[key]; ok {
		e.State = models.StateSilent
	}
}

// fireLocked applies the state machine to a key whose condition is currently true.
func (d *Dispatcher) fireLocked(key models.CooldownKey, sev models.Severity, cooldown time.Duration, now time.Time, build func() models.Alert) (models.Alert, bool) {
	e, ok := d.entries[key]
	if !ok {
		e = &models.CooldownEntry{Key: key, State: models.StateSilent}
		d.entries[key] = e
	}
	e.Severity = sev
	e.Cooldown = cooldown

	if sev < d.cfg.MinSeverity {
		e.State = models.StateEligible
		metrics.AlertsSuppressed.WithLabelValues(string(key.AlertType)).Inc()
		logger.Debug("Holding %s for %s: severity %s below %s", key.AlertType, key.BorrowerID, sev, d.cfg.MinSeverity)
		return models.Alert{}, false
	}
	if e.Active(now) {
		e.State = models.StateSent
		metrics.AlertsSuppressed.WithLabelValues(string(key.AlertType)).Inc()
		logger.Debug("Suppressing %s for %s: cooldown until %s", key.AlertType, key.BorrowerID,
			e.LastSentAt.Add(e.Cooldown).Format(time.RFC3339))
		return models.Alert{}, false
	}

	a := build()
	d.deliverLocked(a)
	e.LastSentAt = now
	e.State = models.StateSent
	return a, true
}

// deliverLocked hands a to the queue. A rejected alert still counts as sent.
func (d *Dispatcher) deliverLocked(a models.Alert) {
	if d.out != nil && !d.out.Enqueue(a) {
		logger.Warn("Alert %s (%s) for %s was not accepted for delivery", a.ID, a.Type, a.BorrowerID)
	}
	metrics.AlertsDispatched.WithLabelValues(string(a.Type), a.Severity.String()).Inc()
	logger.Info("Dispatched %s %s alert for %s", a.Severity, a.Type, a.BorrowerID)

	history := append(d.recent[a.BorrowerID], a)
	if len(history) > d.cfg.HistorySize {
		history = append([]models.Alert(nil), history[len(history)-d.cfg.HistorySize:]...)
	}
	d.recent[a.BorrowerID] = history

	if d.recorder != nil {
		if err := d.recorder.SaveAlert(a); err != nil {
			logger.Warn("Failed to persist alert %s: %v", a.ID, err)
		}
	}
}

func (d *Dispatcher) newAlert(borrowerID string, typ models.AlertType, sev models.Severity, now time.Time, msg string, hf, prob float64, actions []models.Action) models.Alert {
	if math.IsInf(hf, 0) || math.IsNaN(hf) {
		hf = 0
	}
	return models.Alert{
		ID:                     uuid.NewString(),
		BorrowerID:             borrowerID,
		Type:                   typ,
		Severity:               sev,
		Message:                msg,
		HealthFactor:           hf,
		LiquidationProbability: prob,
		CreatedAt:              now,
		SuggestedActions:       append([]models.Action(nil), actions...),
	}
}

// Recent returns up to limit of the borrower's most recent alerts, oldest first.
// A non-positive limit returns all kept alerts.
func (d *Dispatcher) Recent(borrowerID string, limit int) []models.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	history := d.recent[borrowerID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]models.Alert(nil), history...)
}

// States returns the cooldown entries of one borrower ordered by alert type.
func (d *Dispatcher) States(borrowerID string) []models.CooldownEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.CooldownEntry
	for key, e := range d.entries {
		if key.BorrowerID == borrowerID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.AlertType < out[j].Key.AlertType })
	return out
}

// ActiveCounts counts keys whose condition currently holds, by severity.
func (d *Dispatcher) ActiveCounts() map[models.Severity]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[models.Severity]int)
	for _, e := range d.entries {
		if e.State != models.StateSilent {
			counts[e.Severity]++
		}
	}
	return counts
}

// Entries returns a copy of every cooldown entry, for checkpointing.
func (d *Dispatcher) Entries() []models.CooldownEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CooldownEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.BorrowerID != out[j].Key.BorrowerID {
			return out[i].Key.BorrowerID < out[j].Key.BorrowerID
		}
		return out[i].Key.AlertType < out[j].Key.AlertType
	})
	return out
}

// Restore loads persisted cooldown entries and recent alerts.
func (d *Dispatcher) Restore(entries []models.CooldownEntry, alerts []models.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.entries[e.Key] = &e
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	for _, a := range alerts {
		history := append(d.recent[a.BorrowerID], a)
		if len(history) > d.cfg.HistorySize {
			history = history[len(history)-d.cfg.HistorySize:]
		}
		d.recent[a.BorrowerID] = history
	}
}

// Prune drops Silent entries whose cooldown ended before cutoff and returns how many
// were removed.
func (d *Dispatcher) Prune(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, e := range d.entries {
		if e.State == models.StateSilent && e.LastSentAt.Add(e.Cooldown).Before(cutoff) {
			delete(d.entries, key)
			n++
		}
	}
	return n
}
