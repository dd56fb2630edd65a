package tracker

// Outcome classifies one card's propagation attempt.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// UpdateResult is the structured result of one tracker update. Failures are
// reported per record instead of being buried in logs.
type UpdateResult struct {
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// PropagationReport collects every per-card result of one batch.
type PropagationReport struct {
	Results []UpdateResult `json:"results"`
}

func (r *PropagationReport) add(key string, outcome Outcome, reason string) {
	r.Results = append(r.Results, UpdateResult{Key: key, Outcome: outcome, Reason: reason})
}

// FailedKeys returns the identifiers whose update failed.
func (r *PropagationReport) FailedKeys() []string {
	return r.keysWith(OutcomeFailed)
}

// SkippedKeys returns the identifiers skipped for missing required fields.
func (r *PropagationReport) SkippedKeys() []string {
	return r.keysWith(OutcomeSkipped)
}

// UpdatedCount returns the number of successful updates.
func (r *PropagationReport) UpdatedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeUpdated {
			n++
		}
	}
	return n
}

func (r *PropagationReport) keysWith(outcome Outcome) []string {
	var keys []string
	for _, res := range r.Results {
		if res.Outcome == outcome {
			keys = append(keys, res.Key)
		}
	}
	return keys
}
