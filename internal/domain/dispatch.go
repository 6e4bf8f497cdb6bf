package domain

import "time"

// DispatchResult reports one rule's delivery for one group transition.
// Params: rule/channel/target identity, outcome, and attempt metadata.
// Returns: transient audit record aggregated in DispatchBatch.
type DispatchResult struct {
	Rule         string        `json:"rule"`
	Channel      string        `json:"channel"`
	Target       string        `json:"target"`
	Succeeded    bool          `json:"succeeded"`
	Skipped      bool          `json:"skipped,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	ErrorClass   string        `json:"error_class,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	ExternalRef  string        `json:"external_ref,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// DispatchBatch aggregates per-rule results for one group transition.
type DispatchBatch struct {
	Fingerprint string           `json:"fingerprint"`
	Transition  TransitionKind   `json:"transition"`
	Results     []DispatchResult `json:"results"`
}

// Succeeded counts successful deliveries.
func (b DispatchBatch) Succeeded() int {
	count := 0
	for _, result := range b.Results {
		if result.Succeeded {
			count++
		}
	}
	return count
}

// Failed counts failed deliveries; skipped results are not failures.
func (b DispatchBatch) Failed() int {
	count := 0
	for _, result := range b.Results {
		if !result.Succeeded && !result.Skipped {
			count++
		}
	}
	return count
}
