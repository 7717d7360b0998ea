package session

import (
	"fmt"

	"github.com/clrke/ralph-web/internal/domain"
)

// Preferences are the five per-project axes that shape agent prompts.
type Preferences struct {
	RiskComfort      string `json:"risk_comfort"`      // low | medium | high
	SpeedVsQuality   string `json:"speed_vs_quality"`  // speed | balanced | quality
	ScopeFlexibility string `json:"scope_flexibility"` // fixed | flexible | open
	DetailLevel      string `json:"detail_level"`      // minimal | standard | detailed
	AutonomyLevel    string `json:"autonomy_level"`    // guided | collaborative | autonomous
}

// DefaultPreferences returns all middle values.
func DefaultPreferences() Preferences {
	return Preferences{
		RiskComfort:      "medium",
		SpeedVsQuality:   "balanced",
		ScopeFlexibility: "flexible",
		DetailLevel:      "standard",
		AutonomyLevel:    "collaborative",
	}
}

var preferenceLevels = map[string][]string{
	"risk_comfort":      {"low", "medium", "high"},
	"speed_vs_quality":  {"speed", "balanced", "quality"},
	"scope_flexibility": {"fixed", "flexible", "open"},
	"detail_level":      {"minimal", "standard", "detailed"},
	"autonomy_level":    {"guided", "collaborative", "autonomous"},
}

// Validate checks every axis carries one of its three levels.
func (p Preferences) Validate() error {
	axes := map[string]string{
		"risk_comfort":      p.RiskComfort,
		"speed_vs_quality":  p.SpeedVsQuality,
		"scope_flexibility": p.ScopeFlexibility,
		"detail_level":      p.DetailLevel,
		"autonomy_level":    p.AutonomyLevel,
	}
	for axis, value := range axes {
		if !contains(preferenceLevels[axis], value) {
			return fmt.Errorf("%w: %s must be one of %v, got %q", domain.ErrValidation, axis, preferenceLevels[axis], value)
		}
	}
	return nil
}

func contains(levels []string, v string) bool {
	for _, l := range levels {
		if l == v {
			return true
		}
	}
	return false
}
