package model

import "fmt"

// OutcomeKind distinguishes full success, partial success and a run that
// never started. Responses never collapse these into a boolean.
type OutcomeKind string

const (
	OutcomeSucceeded  OutcomeKind = "succeeded"
	OutcomePartial    OutcomeKind = "partial"
	OutcomeNotStarted OutcomeKind = "not-started"
)

// Outcome summarizes the result of an operation for the caller.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Failures int         `json:"failures"`
	Message  string      `json:"message"`
}

// Succeeded builds a fully successful outcome.
func Succeeded(msg string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Message: msg}
}

// NotStarted builds an outcome for work that could not start.
func NotStarted(err error) Outcome {
	return Outcome{Kind: OutcomeNotStarted, Message: err.Error()}
}

// RunOutcome derives the outcome of a pipeline run from the page states.
func RunOutcome(s *Session) Outcome {
	var done, failed int
	for _, p := range s.Pages {
		switch p.Status {
		case PageValidated:
			done++
		case PageFailed:
			failed++
		}
	}
	if failed == 0 {
		return Outcome{Kind: OutcomeSucceeded, Message: fmt.Sprintf("%d page(s) validated", done)}
	}
	return Outcome{
		Kind:     OutcomePartial,
		Failures: failed,
		Message:  fmt.Sprintf("%d page(s) validated, %d failed", done, failed),
	}
}
