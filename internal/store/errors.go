package store

import (
	"errors"
	"fmt"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

// Kind classifies a store error. NotFound and AlreadyExists describe the
// data; Failure is operational and worth retrying.
type Kind int

const (
	KindFailure Kind = iota
	KindNotFound
	KindAlreadyExists
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	default:
		return "failure"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names are failures.
func ParseKind(s string) Kind {
	switch s {
	case "not_found":
		return KindNotFound
	case "already_exists":
		return KindAlreadyExists
	default:
		return KindFailure
	}
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrFailure       = errors.New("store: failure")
)

// Error is returned by every Store operation.
type Error struct {
	Kind Kind
	Op   string // e.g. "heartbeat", "add_application"
	Key  string // sub-cluster id, application id or queue
	Err  error  // cause; nil for NotFound/AlreadyExists raised by the store itself
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindNotFound:
		msg = fmt.Sprintf("store: %s %s: does not exist", e.Op, e.Key)
	case KindAlreadyExists:
		msg = fmt.Sprintf("store: %s %s: already exists", e.Op, e.Key)
	default:
		if e.Key == "" {
			msg = fmt.Sprintf("store: %s: failed", e.Op)
		} else {
			msg = fmt.Sprintf("store: %s %s: failed", e.Op, e.Key)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case ErrFailure:
		return e.Kind == KindFailure
	}
	return false
}

// KindOf returns the kind of err. Errors that are not *Error are failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFailure
}

// IsNotFound reports whether err is a NotFound store error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists store error.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsInvalid reports whether err was caused by malformed input.
func IsInvalid(err error) bool { return errors.Is(err, federation.ErrInvalid) }

func notFound(op, key string) error {
	return &Error{Kind: KindNotFound, Op: op, Key: key}
}

func alreadyExists(op, key string) error {
	return &Error{Kind: KindAlreadyExists, Op: op, Key: key}
}

func failure(op, key string, cause error) error {
	return &Error{Kind: KindFailure, Op: op, Key: key, Err: cause}
}

// translate maps backend errors onto store kinds.
func translate(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, backend.ErrNoRecord):
		return notFound(op, key)
	case errors.Is(err, backend.ErrRecordExists):
		return alreadyExists(op, key)
	}
	return failure(op, key, err)
}
