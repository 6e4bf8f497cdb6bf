package matcher

import (
	"sort"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
)

// Match selects integration rules applicable to one group.
// Params: configured rules and group snapshot.
// Returns: active rules whose criteria all equal group labels, ordered by priority desc then name asc; never nil.
func Match(rules []config.RuleConfig, group domain.AlertGroup) []config.RuleConfig {
	out := make([]config.RuleConfig, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if !labelsMatch(rule.Match, group.Labels) {
			continue
		}
		out = append(out, rule)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FindRule returns rule by name from snapshot.
// Params: rules snapshot and rule name.
// Returns: rule and true when present.
func FindRule(rules []config.RuleConfig, name string) (config.RuleConfig, bool) {
	for _, rule := range rules {
		if rule.Name == name {
			return rule, true
		}
	}
	return config.RuleConfig{}, false
}

// ActiveSilence evaluates silences against group labels at one instant.
// Params: configured silences, group labels, and evaluation time.
// Returns: silenced flag and latest end among active matching silences.
func ActiveSilence(silences []config.SilenceConfig, labels map[string]string, now time.Time) (bool, *time.Time) {
	var until *time.Time
	for _, silence := range silences {
		if !silenceActive(silence, now) {
			continue
		}
		if !labelsMatch(silence.Matchers, labels) {
			continue
		}
		if until == nil || silence.EndsAt.After(*until) {
			end := silence.EndsAt
			until = &end
		}
	}
	return until != nil, until
}

// silenceActive reports whether now falls in [starts_at, ends_at).
func silenceActive(silence config.SilenceConfig, now time.Time) bool {
	if !silence.StartsAt.IsZero() && now.Before(silence.StartsAt) {
		return false
	}
	return now.Before(silence.EndsAt)
}

// labelsMatch checks exact equality of every criteria key.
// Params: criteria map (empty matches everything) and labels.
// Returns: true when all criteria keys exist with equal values.
func labelsMatch(criteria, labels map[string]string) bool {
	for key, want := range criteria {
		got, ok := labels[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
