package gateway

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Concrete failures wrap one of these so callers
// branch with errors.Is, mirroring how duplicate-email and friends are
// reported elsewhere in the module.
var (
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("not authorized")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// RemoteError wraps a backend failure with its taxonomy kind.
type RemoteError struct {
	Kind error // one of the sentinels above
	Msg  string
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RemoteError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Errf(kind error, format string, args ...any) error {
	return &RemoteError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind error, msg string, err error) error {
	return &RemoteError{Kind: kind, Msg: msg, Err: err}
}
