package models

import (
	"errors"
	"math"
)

// Scenario is an immutable set of parameters describing a hypothetical market regime.
// MeanDailyReturn is the drift spread over the simulated horizon.
type Scenario struct {
	Name                 string  `json:"name"`
	MeanDailyReturn      float64 `json:"mean_daily_return"`
	DailyReturnStdDev    float64 `json:"daily_return_std_dev"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`
	DurationDays         int     `json:"duration_days"`
}

// Validate checks scenario field constraints.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario name must not be empty")
	}
	if math.IsNaN(s.MeanDailyReturn) || math.IsInf(s.MeanDailyReturn, 0) {
		return errors.New("mean daily return must be finite")
	}
	if s.DailyReturnStdDev < 0 || math.IsNaN(s.DailyReturnStdDev) {
		return errors.New("daily return std dev must not be negative")
	}
	if s.VolatilityMultiplier < 0 || math.IsNaN(s.VolatilityMultiplier) {
		return errors.New("volatility multiplier must not be negative")
	}
	if s.DurationDays < 1 {
		return errors.New("duration must be at least one day")
	}
	return nil
}
