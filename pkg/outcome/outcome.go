// Package outcome defines the tagged result reported for every unit of work
// and every dispatched event.
package outcome

import (
	"fmt"
	"time"
)

// Status is the terminal state of an execution.
type Status int

const (
	Completed Status = iota
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MetricLabel is the value used for the status label of request counters.
func (s Status) MetricLabel() string {
	switch s {
	case Completed:
		return "success"
	case TimedOut:
		return "timeout"
	default:
		return "failure"
	}
}

// Outcome is produced once per execution and not modified afterwards.
type Outcome struct {
	Status     Status
	Value      any
	Err        error
	Elapsed    time.Duration
	Confidence float64
	Metadata   map[string]any
}

// Success builds a Completed outcome.
func Success(value any, elapsed time.Duration) Outcome {
	return Outcome{Status: Completed, Value: value, Elapsed: elapsed, Confidence: 1}
}

// Failure builds a Failed outcome.
func Failure(err error, elapsed time.Duration) Outcome {
	return Outcome{Status: Failed, Err: err, Elapsed: elapsed}
}

// Timeout builds a TimedOut outcome. err describes the deadline that fired.
func Timeout(err error, elapsed time.Duration) Outcome {
	return Outcome{Status: TimedOut, Err: err, Elapsed: elapsed}
}

// OK reports whether the execution completed.
func (o Outcome) OK() bool {
	return o.Status == Completed
}

// Error returns the failure as an error, or nil when the outcome completed.
func (o Outcome) Error() error {
	if o.Status == Completed {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return fmt.Errorf("execution %s after %s", o.Status, o.Elapsed)
}
