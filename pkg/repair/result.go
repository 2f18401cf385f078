package repair

import "time"

// Result captures the outcome of executing one repair action. Results are
// appended to the durable audit log and summarized for the operator.
type Result struct {
	Action   Action        `json:"action"`
	Outcome  Outcome       `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	Snapshot string        `json:"snapshot,omitempty"`
}

// Summarize counts outcomes across a result list for operator-facing
// reporting.
func Summarize(results []Result) (succeeded, partial, failed, skipped int) {
	for _, result := range results {
		switch result.Outcome {
		case OutcomeSuccess:
			succeeded++
		case OutcomePartial:
			partial++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		}
	}
	return succeeded, partial, failed, skipped
}
