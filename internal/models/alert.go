package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertLiquidationImminent  AlertType = "LIQUIDATION_IMMINENT"
	AlertLowHealthFactor      AlertType = "LOW_HEALTH_FACTOR"
	AlertHealthFactorWarning  AlertType = "HEALTH_FACTOR_WARNING"
	AlertHealthFactorWatch    AlertType = "HEALTH_FACTOR_WATCH"
	AlertPredictedLiquidation AlertType = "PREDICTED_LIQUIDATION"
	AlertHighRiskScore        AlertType = "HIGH_RISK_SCORE"
	AlertMarketVolatility     AlertType = "MARKET_VOLATILITY"
	AlertBehaviorAnomaly      AlertType = "BEHAVIOR_ANOMALY"
	AlertLiquidationOccurred  AlertType = "LIQUIDATION_OCCURRED"
)

// Severity is ordered: SeverityInfo < SeverityWarning < SeverityCritical.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses the lower-case severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Urgency grades a suggested action.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ActionKind identifies a remediation.
type ActionKind string

const (
	ActionRepayDebt      ActionKind = "repay_debt"
	ActionAddCollateral  ActionKind = "add_collateral"
	ActionVerifyIdentity ActionKind = "verify_identity"
)

// Action is one suggested remediation attached to an alert.
type Action struct {
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description"`
	Amount      float64    `json:"amount,omitempty"`
	Urgency     Urgency    `json:"urgency"`
}

// Alert is immutable once created.
type Alert struct {
	ID                     string    `json:"id"`
	BorrowerID             string    `json:"borrower_id"`
	Type                   AlertType `json:"type"`
	Severity               Severity  `json:"severity"`
	Message                string    `json:"message"`
	HealthFactor           float64   `json:"health_factor,omitempty"`
	LiquidationProbability float64   `json:"liquidation_probability,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	SuggestedActions       []Action  `json:"suggested_actions,omitempty"`
}
