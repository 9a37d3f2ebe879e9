package storage

import (
	"errors"
	"fmt"
)

// ErrState is returned when a Writer operation is called in a state that
// does not allow it (e.g. WriteBatch before Initialize).
var ErrState = errors.New("storage: invalid writer state")

// ConfigError reports an unrecoverable misconfiguration detected against the
// live target, such as an Upsert without any resolvable key. Retrying does
// not help.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Table == "" {
		return "storage: " + e.Reason
	}
	return fmt.Sprintf("storage: %s: %s", e.Table, e.Reason)
}

// BatchError is a batch failure localized by the analyzer to a row and
// column. Err is the engine error that triggered the analysis.
type BatchError struct {
	Report FailureReport
	Err    error
}

func (e *BatchError) Error() string {
	return e.Report.String() + "\ncause: " + e.Err.Error()
}

func (e *BatchError) Unwrap() error { return e.Err }

func stateErr(op string, s State) error {
	return fmt.Errorf("%w: %s in state %s", ErrState, op, s)
}
