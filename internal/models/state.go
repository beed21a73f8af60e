package models

import (
	"time"
)

// PricePoint is one timestamped observation kept in a market state window.
type PricePoint struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// MarketState is the cached price and volatility of one asset.
// Histories are time-bounded; points older than the window are dropped, never edited.
type MarketState struct {
	Asset             string       `json:"asset"`
	CurrentPrice      float64      `json:"current_price"`
	CurrentVolatility float64      `json:"current_volatility"`
	PriceHistory      []PricePoint `json:"price_history,omitempty"`
	VolatilityHistory []PricePoint `json:"volatility_history,omitempty"`
	LastUpdatedAt     time.Time    `json:"last_updated_at"`
}

// AverageVolatility returns the mean of the volatility window, or the current value if empty.
func (m MarketState) AverageVolatility() float64 {
	if len(m.VolatilityHistory) == 0 {
		return m.CurrentVolatility
	}
	var sum float64
	for _, p := range m.VolatilityHistory {
		sum += p.Value
	}
	return sum / float64(len(m.VolatilityHistory))
}

// CooldownKey scopes a cooldown to one borrower and one alert kind.
type CooldownKey struct {
	BorrowerID string    `json:"borrower_id"`
	AlertType  AlertType `json:"alert_type"`
}

// AlertState is the dispatcher state of a cooldown key.
type AlertState string

const (
	StateSilent   AlertState = "silent"
	StateEligible AlertState = "eligible"
	StateSent     AlertState = "sent"
)

// CooldownEntry records when an alert key was last handed to the notification sink.
type CooldownEntry struct {
	Key        CooldownKey   `json:"key"`
	State      AlertState    `json:"state"`
	Severity   Severity      `json:"severity"`
	Cooldown   time.Duration `json:"cooldown"`
	LastSentAt time.Time     `json:"last_sent_at"`
}

// Active reports whether the cooldown still blocks a new send at now.
func (c CooldownEntry) Active(now time.Time) bool {
	if c.LastSentAt.IsZero() {
		return false
	}
	return now.Sub(c.LastSentAt) < c.Cooldown
}
