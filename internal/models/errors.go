package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindDirectoryCreateFailed ErrorKind = "directory_create_failed"
	KindDataCloneFailed       ErrorKind = "data_clone_failed"
	KindFileCopyFailed        ErrorKind = "file_copy_failed"
	KindProbeTransport        ErrorKind = "probe_transport_failed"
	KindSessionNotFound       ErrorKind = "session_not_found"
	KindInvalidCloneID        ErrorKind = "invalid_clone_id"
	KindInvalidTransition     ErrorKind = "invalid_transition"
	KindCanceled              ErrorKind = "canceled"
)

// Error is the tagged error returned by fallible operations. Callers branch
// on Kind via errors.As or KindOf instead of matching strings.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsSandboxCreate reports whether err is one of the sandbox creation failures.
func IsSandboxCreate(err error) bool {
	switch KindOf(err) {
	case KindDirectoryCreateFailed, KindDataCloneFailed, KindFileCopyFailed:
		return true
	}
	return false
}
