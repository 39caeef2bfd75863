package watch

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound is returned when a watch ID is unknown.
	ErrNotFound = errors.New("watch not found")
	// ErrAlreadyExists is returned when adding a watch whose ID is taken.
	ErrAlreadyExists = errors.New("watch already exists")
	// ErrDuplicateHistory is returned when a history timestamp is reused.
	ErrDuplicateHistory = errors.New("history entry already exists for timestamp")
	// ErrEmptyReply means the fetch succeeded but produced no content.
	ErrEmptyReply = errors.New("empty reply")
)

// ErrorKind classifies check failures.
type ErrorKind string

// Error kinds recorded against a watch.
const (
	KindFetch      ErrorKind = "fetch_error"
	KindEmptyReply ErrorKind = "empty_reply"
	KindProxy      ErrorKind = "proxy_failure"
	KindPermission ErrorKind = "permission_error"
	KindUnexpected ErrorKind = "unexpected_error"
)

// CheckError tags an error raised while checking a watch.
type CheckError struct {
	Kind    ErrorKind
	WatchID string
	Err     error
}

func (e *CheckError) Error() string {
	if e.WatchID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (watch %s): %v", e.Kind, e.WatchID, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// NewCheckError wraps err with kind; a nil err yields nil.
func NewCheckError(kind ErrorKind, watchID string, err error) error {
	if err == nil {
		return nil
	}
	return &CheckError{Kind: kind, WatchID: watchID, Err: err}
}

// Classify returns the kind for err. Untagged errors are unexpected unless
// they are empty replies or filesystem permission failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyReply):
		return KindEmptyReply
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	default:
		return KindUnexpected
	}
}
