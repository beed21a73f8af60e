package alert

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// Tier maps a health factor band to an alert type. A tier triggers when the health
// factor is strictly below Below.
type Tier struct {
	Name     string
	Below    float64
	Type     models.AlertType
	Severity models.Severity
	Cooldown time.Duration
}

// DefaultTiers returns the reference threshold table, most severe first.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "severe", Below: 1.05, Type: models.AlertLiquidationImminent, Severity: models.SeverityCritical, Cooldown: 5 * time.Minute},
		{Name: "high", Below: 1.1, Type: models.AlertLowHealthFactor, Severity: models.SeverityWarning, Cooldown: 30 * time.Minute},
		{Name: "medium", Below: 1.2, Type: models.AlertHealthFactorWarning, Severity: models.SeverityWarning, Cooldown: 2 * time.Hour},
		{Name: "low", Below: 1.5, Type: models.AlertHealthFactorWatch, Severity: models.SeverityInfo, Cooldown: 24 * time.Hour},
	}
}

// ValidateTiers checks that thresholds strictly increase, severity never increases
// with the threshold, names and types are unique and every cooldown is positive.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.New("at least one alert tier is required")
	}
	names := make(map[string]bool, len(tiers))
	types := make(map[models.AlertType]bool, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name must not be empty", i)
		}
		if names[t.Name] {
			return fmt.Errorf("tier %q: duplicate name", t.Name)
		}
		names[t.Name] = true
		if t.Type == "" {
			return fmt.Errorf("tier %q: alert type must not be empty", t.Name)
		}
		if types[t.Type] {
			return fmt.Errorf("tier %q: alert type %s already used", t.Name, t.Type)
		}
		types[t.Type] = true
		if !(t.Below > 0) || math.IsInf(t.Below, 0) {
			return fmt.Errorf("tier %q: threshold must be a positive number", t.Name)
		}
		if t.Severity < models.SeverityInfo || t.Severity > models.SeverityCritical {
			return fmt.Errorf("tier %q: invalid severity %d", t.Name, t.Severity)
		}
		if t.Cooldown <= 0 {
			return fmt.Errorf("tier %q: cooldown must be positive", t.Name)
		}
		if i > 0 {
			prev := tiers[i-1]
			if t.Below <= prev.Below {
				return fmt.Errorf("tier %q: threshold %.4f must be greater than %q (%.4f)", t.Name, t.Below, prev.Name, prev.Below)
			}
			if t.Severity > prev.Severity {
				return fmt.Errorf("tier %q: severity %s exceeds the more severe tier %q (%s)", t.Name, t.Severity, prev.Name, prev.Severity)
			}
		}
	}
	return nil
}

// match returns the most severe tier triggered by hf.
func match(tiers []Tier, hf float64) (Tier, bool) {
	if math.IsNaN(hf) {
		return Tier{}, false
	}
	for _, t := range tiers {
		if hf < t.Below {
			return t, true
		}
	}
	return Tier{}, false
}
