package auth

import (
	"errors"
	"fmt"
)

// ErrResolution is matched by every credential resolution failure
var ErrResolution = errors.New("credential resolution failed")

// ResolutionError reports why credentials could not be produced. It is
// fatal at startup.
type ResolutionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	msg := "auth: " + e.Reason
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrResolution}
	}
	return []error{ErrResolution, e.Err}
}
