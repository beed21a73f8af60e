// Package models defines the core domain entities: positions, market state, scenarios,
// simulation results, alerts and cooldown records.
package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Snapshot is one observation of a borrower's position as read from the ledger.
type Snapshot struct {
	CollateralValue      float64   `json:"collateral_value"`
	BorrowedValue        float64   `json:"borrowed_value"`
	LiquidationThreshold float64   `json:"liquidation_threshold"`
	HealthFactor         float64   `json:"health_factor"`
	RiskScore            int       `json:"risk_score"`
	Asset                string    `json:"asset"`
	CheckedAt            time.Time `json:"checked_at"`
}

// HealthFactor returns collateral / (borrowed × liquidationThreshold), +Inf when nothing is borrowed.
func HealthFactor(collateral, borrowed, liquidationThreshold float64) float64 {
	if borrowed <= 0 {
		return math.Inf(1)
	}
	if liquidationThreshold <= 0 {
		return math.Inf(1)
	}
	return collateral / (borrowed * liquidationThreshold)
}

// CollateralRatio returns collateral / borrowed, +Inf when nothing is borrowed.
func (s Snapshot) CollateralRatio() float64 {
	if s.BorrowedValue <= 0 {
		return math.Inf(1)
	}
	return s.CollateralValue / s.BorrowedValue
}

// MarshalJSON encodes an infinite health factor as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	out := struct {
		plain
		HealthFactor *float64 `json:"health_factor"`
	}{plain: plain(s)}
	if !math.IsInf(s.HealthFactor, 0) && !math.IsNaN(s.HealthFactor) {
		out.HealthFactor = &s.HealthFactor
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null health factor back as +Inf.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	in := struct {
		*plain
		HealthFactor *float64 `json:"health_factor"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.HealthFactor == nil {
		s.HealthFactor = math.Inf(1)
	} else {
		s.HealthFactor = *in.HealthFactor
	}
	return nil
}

// HasDebt reports whether the position can be liquidated at all.
func (s Snapshot) HasDebt() bool {
	return s.BorrowedValue > 0
}

// Validate checks snapshot field constraints.
func (s *Snapshot) Validate() error {
	if s.CollateralValue < 0 || math.IsNaN(s.CollateralValue) {
		return errors.New("collateral value must not be negative")
	}
	if s.BorrowedValue < 0 || math.IsNaN(s.BorrowedValue) {
		return errors.New("borrowed value must not be negative")
	}
	if s.LiquidationThreshold <= 0 || math.IsNaN(s.LiquidationThreshold) {
		return errors.New("liquidation threshold must be positive")
	}
	if s.RiskScore < 0 || s.RiskScore > 100 {
		return errors.New("risk score must be between 0 and 100")
	}
	if s.CheckedAt.IsZero() {
		return errors.New("checked at must be set")
	}
	return nil
}

// Trend classifies the direction of a position's health factor over its history.
type Trend string

const (
	TrendUnknown       Trend = "unknown"
	TrendImproving     Trend = "improving"
	TrendStable        Trend = "stable"
	TrendDeteriorating Trend = "deteriorating"
)

// Position is the tracked state of one borrower.
// History is ordered by CheckedAt ascending and bounded by the tracker's capacity.
type Position struct {
	BorrowerID        string     `json:"borrower_id"`
	Latest            Snapshot   `json:"latest"`
	HealthFactorDelta float64    `json:"health_factor_delta"`
	LastCheckedAt     time.Time  `json:"last_checked_at"`
	History           []Snapshot `json:"history,omitempty"`
	Trend             Trend      `json:"trend"`
}

// HealthFactor is a shorthand for the latest snapshot's health factor.
func (p Position) HealthFactor() float64 {
	return p.Latest.HealthFactor
}

// IdentityVerification is the externally supplied KYC level of a borrower.
type IdentityVerification struct {
	Level    string `json:"level"`
	Verified bool   `json:"verified"`
}
