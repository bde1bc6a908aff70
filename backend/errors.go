package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a backend failure for the batch processor.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCapacity means the backend is saturated. The batch is dropped.
	KindCapacity
	// KindRejected means the backend refused the payload. The batch is dropped.
	KindRejected
	// KindTransient means a retry may succeed.
	KindTransient
	// KindFatal means the backend is misconfigured or broken.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Sentinel errors backends may return or wrap.
var (
	ErrCapacity     = errors.New("backend: capacity exceeded")
	ErrRejected     = errors.New("backend: rejected")
	ErrUnknownLevel = errors.New("backend: unknown level")
	ErrNotFound     = errors.New("backend: memory not found")
	ErrForbidden    = errors.New("backend: memory belongs to another tenant")
)

// Error carries an explicit kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("backend: (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("backend: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify determines the kind of err. An explicit *Error or sentinel wins;
// otherwise the message is matched against capacity, limit and reject.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrCapacity):
		return KindCapacity
	case errors.Is(err, ErrRejected):
		return KindRejected
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "capacity"), strings.Contains(msg, "limit"):
		return KindCapacity
	case strings.Contains(msg, "reject"):
		return KindRejected
	}
	return KindUnknown
}

// IsDroppable reports whether a failed batch should be dropped without retry.
func IsDroppable(err error) bool {
	k := Classify(err)
	return k == KindCapacity || k == KindRejected
}
