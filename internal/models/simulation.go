package models

// Percentiles reported over the per-path minimum-ratio distribution, ascending.
var Percentiles = []int{1, 5, 10, 25, 50, 75, 90, 95, 99}

// PercentileValue is one entry of a percentile table.
type PercentileValue struct {
	Percentile int     `json:"percentile"`
	Ratio      float64 `json:"ratio"`
}

// SimulationResult is the statistical forecast of one simulation run.
// MinRatioPercentiles is sorted by Percentile ascending and its ratios are non-decreasing.
type SimulationResult struct {
	Scenario                         string            `json:"scenario"`
	NumPaths                         int               `json:"num_paths"`
	NumDays                          int               `json:"num_days"`
	StartRatio                       float64           `json:"start_ratio"`
	LiquidationThreshold             float64           `json:"liquidation_threshold"`
	LiquidationProbability           float64           `json:"liquidation_probability"`
	MinRatioPercentiles              []PercentileValue `json:"min_ratio_percentiles"`
	MeanMinRatio                     float64           `json:"mean_min_ratio"`
	DailyLiquidationProbability      []float64         `json:"daily_liquidation_probability"`
	CumulativeLiquidationProbability []float64         `json:"cumulative_liquidation_probability"`
	// MedianDaysToLiquidation is the median first-crossing day among crossing paths, 0 if none crossed.
	MedianDaysToLiquidation int         `json:"median_days_to_liquidation"`
	SamplePaths             [][]float64 `json:"sample_paths,omitempty"`
	// Degenerate marks a boundary result returned without sampling.
	Degenerate bool `json:"degenerate"`
}

// Percentile returns the ratio recorded for p and whether it exists.
func (r SimulationResult) Percentile(p int) (float64, bool) {
	for _, v := range r.MinRatioPercentiles {
		if v.Percentile == p {
			return v.Ratio, true
		}
	}
	return 0, false
}
