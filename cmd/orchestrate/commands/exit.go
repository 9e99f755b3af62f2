package commands

import "errors"

// exitError carries a process exit code alongside the failure. Code 1
// means the run was rejected before any mutation; code 2 means the run
// started and left the platform partially applied.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// planningFailed wraps err as a pre-mutation failure.
func planningFailed(err error) error {
	return &exitError{code: 1, err: err}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
