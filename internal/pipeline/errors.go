package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors. Terminal kinds unwind to the coordinator,
// which releases the advisory lock and records the run error; non-terminal
// kinds only mutate stage metrics.
type Kind string

const (
	KindInputValidation Kind = "input_validation"
	KindConcurrentRun   Kind = "concurrent_run_in_progress"
	KindUpstreamFetch   Kind = "upstream_fetch"
	KindExtractionParse Kind = "extraction_parse"
	KindDetectionQuery  Kind = "detection_query"
	KindAnalysisFailure Kind = "analysis_failure"
	KindPartialWrite    Kind = "partial_write"
	KindDeadlock        Kind = "deadlock"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

// ErrConcurrentRunInProgress is returned when the per-source advisory lock is
// held by another run.
var ErrConcurrentRunInProgress = errors.New("concurrent run in progress for source")

// Error wraps a stage error with its taxonomy kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapKind tags err with a kind, preserving the chain.
func wrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrConcurrentRunInProgress) {
		return KindConcurrentRun
	}
	return KindInternal
}
