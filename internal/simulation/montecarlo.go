// Package simulation implements the Monte Carlo liquidation forecast.
package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// Params are the inputs of one simulation run.
type Params struct {
	Position models.Snapshot
	Market   models.MarketState
	Scenario models.Scenario
	NumPaths int
	// NumDays is the horizon; zero uses Scenario.DurationDays.
	NumDays int
	// LiquidationThreshold is the collateral/debt floor; zero uses Position.LiquidationThreshold.
	LiquidationThreshold float64
	// SamplePaths keeps that many full ratio paths in the result for diagnostics.
	SamplePaths int
}

func (p Params) horizon() int {
	if p.NumDays > 0 {
		return p.NumDays
	}
	return p.Scenario.DurationDays
}

func (p Params) threshold() float64 {
	if p.LiquidationThreshold > 0 {
		return p.LiquidationThreshold
	}
	return p.Position.LiquidationThreshold
}

// Simulate runs NumPaths independent daily price paths and reports how often the
// implied collateral ratio reaches the liquidation threshold.
//
// Each day draws r ~ N(mean/numDays, stdDev·volatility·multiplier), the normalized price
// becomes price·(1+r) clamped at 0, and the ratio is startRatio·price. A path crosses on
// the first day its ratio is at or below the threshold.
//
// A position already at or below the threshold returns probability 1 without drawing
// from rng. Degenerate inputs (no debt, non-positive or non-finite dispersion) return the
// boundary result 0. Only invalid arguments produce an error.
func Simulate(p Params, rng *rand.Rand) (models.SimulationResult, error) {
	numDays := p.horizon()
	threshold := p.threshold()
	if p.NumPaths < 1 {
		return models.SimulationResult{}, fmt.Errorf("%w: num paths must be at least 1", models.ErrInvalidInput)
	}
	if numDays < 1 {
		return models.SimulationResult{}, fmt.Errorf("%w: num days must be at least 1", models.ErrInvalidInput)
	}
	if threshold <= 0 || math.IsNaN(threshold) {
		return models.SimulationResult{}, fmt.Errorf("%w: liquidation threshold must be positive", models.ErrInvalidInput)
	}
	if rng == nil {
		return models.SimulationResult{}, fmt.Errorf("%w: nil random generator", models.ErrInvalidInput)
	}

	startRatio := p.Position.CollateralRatio()
	if math.IsNaN(startRatio) {
		startRatio = 0
	}
	if startRatio <= threshold {
		return boundaryResult(p, numDays, threshold, startRatio, 1.0), nil
	}

	mu := p.Scenario.MeanDailyReturn / float64(numDays)
	sigma := p.Scenario.DailyReturnStdDev * p.Market.CurrentVolatility * p.Scenario.VolatilityMultiplier
	if math.IsInf(startRatio, 1) || !(sigma > 0) || math.IsInf(sigma, 0) || math.IsNaN(mu) || math.IsInf(mu, 0) {
		return boundaryResult(p, numDays, threshold, startRatio, 0.0), nil
	}

	samples := p.SamplePaths
	if samples > p.NumPaths {
		samples = p.NumPaths
	}

	mins := make([]float64, p.NumPaths)
	firstCross := make([]int, numDays)
	crossDays := make([]int, 0, 64)
	var sampled [][]float64
	if samples > 0 {
		sampled = make([][]float64, 0, samples)
	}

	for i := 0; i < p.NumPaths; i++ {
		price := 1.0
		minRatio := startRatio
		first := -1
		var path []float64
		if i < samples {
			path = make([]float64, 0, numDays)
		}

		for d := 0; d < numDays; d++ {
			r := mu + sigma*rng.NormFloat64()
			price *= 1 + r
			if price < 0 {
				price = 0
			}
			ratio := startRatio * price
			if ratio < minRatio {
				minRatio = ratio
			}
			if first < 0 && ratio <= threshold {
				first = d
			}
			if path != nil {
				path = append(path, ratio)
			}
		}

		mins[i] = minRatio
		if first >= 0 {
			firstCross[first]++
			crossDays = append(crossDays, first+1)
		}
		if path != nil {
			sampled = append(sampled, path)
		}
	}

	n := float64(p.NumPaths)
	daily := make([]float64, numDays)
	cumulative := make([]float64, numDays)
	running := 0
	for d := 0; d < numDays; d++ {
		daily[d] = float64(firstCross[d]) / n
		running += firstCross[d]
		cumulative[d] = float64(running) / n
	}

	sort.Float64s(mins)
	var sum float64
	for _, m := range mins {
		sum += m
	}

	medianDays := 0
	if len(crossDays) > 0 {
		sort.Ints(crossDays)
		medianDays = crossDays[(len(crossDays)-1)/2]
	}

	return models.SimulationResult{
		Scenario:                         p.Scenario.Name,
		NumPaths:                         p.NumPaths,
		NumDays:                          numDays,
		StartRatio:                       startRatio,
		LiquidationThreshold:             threshold,
		LiquidationProbability:           float64(running) / n,
		MinRatioPercentiles:              percentileTable(mins),
		MeanMinRatio:                     sum / n,
		DailyLiquidationProbability:      daily,
		CumulativeLiquidationProbability: cumulative,
		MedianDaysToLiquidation:          medianDays,
		SamplePaths:                      sampled,
	}, nil
}

func percentileTable(sorted []float64) []models.PercentileValue {
	out := make([]models.PercentileValue, len(models.Percentiles))
	for i, p := range models.Percentiles {
		out[i] = models.PercentileValue{Percentile: p, Ratio: Percentile(sorted, float64(p))}
	}
	return out
}

// boundaryResult is the deterministic answer when sampling is skipped.
// Probability 1 places all mass on the first day.
func boundaryResult(p Params, numDays int, threshold, startRatio, probability float64) models.SimulationResult {
	daily := make([]float64, numDays)
	cumulative := make([]float64, numDays)
	if probability > 0 {
		daily[0] = probability
		for d := range cumulative {
			cumulative[d] = probability
		}
	}

	ratio := math.Max(startRatio, 0)
	percentiles := make([]models.PercentileValue, len(models.Percentiles))
	for i, pct := range models.Percentiles {
		percentiles[i] = models.PercentileValue{Percentile: pct, Ratio: ratio}
	}

	return models.SimulationResult{
		Scenario:                         p.Scenario.Name,
		NumPaths:                         p.NumPaths,
		NumDays:                          numDays,
		StartRatio:                       startRatio,
		LiquidationThreshold:             threshold,
		LiquidationProbability:           probability,
		MinRatioPercentiles:              percentiles,
		MeanMinRatio:                     ratio,
		DailyLiquidationProbability:      daily,
		CumulativeLiquidationProbability: cumulative,
		Degenerate:                       true,
	}
}
