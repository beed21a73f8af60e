// Package scenario holds the named market regimes used to drive simulations.
package scenario

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rewired-gh/liqsentry/internal/models"
	"github.com/rewired-gh/liqsentry/internal/simulation"
)

const (
	Normal         = "normal"
	Bull           = "bull"
	Bear           = "bear"
	ExtremeBull    = "extreme_bull"
	ExtremeBear    = "extreme_bear"
	HighVolatility = "high_volatility"
)

// builtins are read-only; Get returns copies.
var builtins = map[string]models.Scenario{
	Normal:         {Name: Normal, MeanDailyReturn: 0.0, DailyReturnStdDev: 0.02, VolatilityMultiplier: 1.0, DurationDays: 30},
	Bull:           {Name: Bull, MeanDailyReturn: 0.10, DailyReturnStdDev: 0.03, VolatilityMultiplier: 0.8, DurationDays: 30},
	Bear:           {Name: Bear, MeanDailyReturn: -0.15, DailyReturnStdDev: 0.03, VolatilityMultiplier: 1.3, DurationDays: 30},
	ExtremeBull:    {Name: ExtremeBull, MeanDailyReturn: 0.30, DailyReturnStdDev: 0.04, VolatilityMultiplier: 1.2, DurationDays: 30},
	ExtremeBear:    {Name: ExtremeBear, MeanDailyReturn: -0.40, DailyReturnStdDev: 0.05, VolatilityMultiplier: 2.0, DurationDays: 30},
	HighVolatility: {Name: HighVolatility, MeanDailyReturn: 0.0, DailyReturnStdDev: 0.05, VolatilityMultiplier: 2.5, DurationDays: 30},
}

// BuiltinNames lists the built-in scenarios in lexicographic order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Library resolves scenario names. Custom scenarios live beside the built-ins and never
// replace them. Safe for concurrent use.
type Library struct {
	mu     sync.RWMutex
	custom map[string]models.Scenario
}

// NewLibrary returns a library holding only the built-ins.
func NewLibrary() *Library {
	return &Library{custom: make(map[string]models.Scenario)}
}

// Get returns the named scenario or models.ErrNotFound.
func (l *Library) Get(name string) (models.Scenario, error) {
	if s, ok := builtins[name]; ok {
		return s, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.custom[name]; ok {
		return s, nil
	}
	return models.Scenario{}, fmt.Errorf("scenario %q: %w", name, models.ErrNotFound)
}

// Register adds or replaces an ad-hoc scenario. Built-in names are rejected.
func (l *Library) Register(s models.Scenario) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if _, ok := builtins[s.Name]; ok {
		return fmt.Errorf("%w: scenario %q is built in", models.ErrInvalidInput, s.Name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custom[s.Name] = s
	return nil
}

// Names lists built-in and custom scenario names in lexicographic order.
func (l *Library) Names() []string {
	names := BuiltinNames()
	l.mu.RLock()
	for name := range l.custom {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve maps names to scenarios, failing on the first unknown one.
func (l *Library) Resolve(names []string) ([]models.Scenario, error) {
	out := make([]models.Scenario, 0, len(names))
	for _, name := range names {
		s, err := l.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Outcome is the simulation of one scenario.
type Outcome struct {
	Name   string
	Result models.SimulationResult
}

// RunAll simulates every scenario against the same base parameters. Each scenario gets a
// fresh generator from source so scenarios are comparable under a seeded source.
func RunAll(scenarios []models.Scenario, base simulation.Params, source simulation.RandSource) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(scenarios))
	for _, s := range scenarios {
		p := base
		p.Scenario = s
		res, err := simulation.Simulate(p, source())
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		outcomes = append(outcomes, Outcome{Name: s.Name, Result: res})
	}
	return outcomes, nil
}

// WorstCase simulates every scenario and returns the one with the highest liquidation
// probability, ties broken by the lexicographically lowest name.
func WorstCase(scenarios []models.Scenario, base simulation.Params, source simulation.RandSource) (string, models.SimulationResult, error) {
	if len(scenarios) == 0 {
		return "", models.SimulationResult{}, fmt.Errorf("%w: no scenarios", models.ErrInvalidInput)
	}
	outcomes, err := RunAll(scenarios, base, source)
	if err != nil {
		return "", models.SimulationResult{}, err
	}
	worst := Worst(outcomes)
	return worst.Name, worst.Result, nil
}

// Worst picks the highest-probability outcome, lowest name on ties. outcomes must not be empty.
func Worst(outcomes []Outcome) Outcome {
	best := outcomes[0]
	for _, o := range outcomes[1:] {
		p, bp := o.Result.LiquidationProbability, best.Result.LiquidationProbability
		if p > bp || (p == bp && o.Name < best.Name) {
			best = o
		}
	}
	return best
}

// Best picks the lowest-probability outcome, lowest name on ties. outcomes must not be empty.
func Best(outcomes []Outcome) Outcome {
	best := outcomes[0]
	for _, o := range outcomes[1:] {
		p, bp := o.Result.LiquidationProbability, best.Result.LiquidationProbability
		if p < bp || (p == bp && o.Name < best.Name) {
			best = o
		}
	}
	return best
}
