package cli

import (
	"errors"
	"fmt"

	"github.com/homemade/hbnsync/sync"
)

// ExitError carries the process exit code out of a command.
// A run that finished with a nonzero code has no message: the run summary was already logged.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns sync.ExitFailed if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return sync.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return sync.ExitFailed
}
