package cmd

import (
	"errors"
	"fmt"
)

// SilentExitError signals that the command should exit with a specific
// code without printing anything further. Scripting surfaces (mail
// check, doctor, hooks gate) convey status through exit codes.
type SilentExitError struct {
	Code int
}

func (e *SilentExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// NewSilentExit creates a SilentExitError with the given exit code.
func NewSilentExit(code int) *SilentExitError {
	return &SilentExitError{Code: code}
}

// IsSilentExit checks whether err carries a silent exit code. Wrapped
// chains are searched with errors.As.
func IsSilentExit(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var se *SilentExitError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
