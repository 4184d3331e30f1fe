package crawlerkit

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the backend-independent classification of a native error.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindDuplicateKey
	KindConnection
	KindValidation
	KindQuery
)

func (k ErrorKind) String() string {
	switch k {
	case KindDuplicateKey:
		return "duplicate_key"
	case KindConnection:
		return "connection_error"
	case KindValidation:
		return "validation_error"
	case KindQuery:
		return "query_error"
	default:
		return "unknown"
	}
}

// Sentinel errors for common conditions
var (
	// Classification errors, matched with errors.Is against a *ClassifiedError
	ErrDuplicateKey = errors.New("duplicate key")
	ErrConnection   = errors.New("backend connection failed")
	ErrValidation   = errors.New("invalid argument")
	ErrQuery        = errors.New("backend rejected operation")
	ErrUnknownKind  = errors.New("unclassified backend error")

	// Snapshot errors
	ErrNotFound     = errors.New("object not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrLockHeld     = errors.New("snapshot lock held by another process")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindDuplicateKey:
		return ErrDuplicateKey
	case KindConnection:
		return ErrConnection
	case KindValidation:
		return ErrValidation
	case KindQuery:
		return ErrQuery
	default:
		return ErrUnknownKind
	}
}

// ClassifiedError carries a native backend error together with its kind.
type ClassifiedError struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Err     error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ClassifiedError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// classified wraps err with kind. A nil err stays nil and an already
// classified error is returned unchanged.
func classified(kind ErrorKind, backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	return &ClassifiedError{Kind: kind, Backend: backend, Op: op, Err: err}
}

// validationError builds a KindValidation error without a native cause.
func validationError(backend, op, format string, args ...interface{}) error {
	return &ClassifiedError{
		Kind:    KindValidation,
		Backend: backend,
		Op:      op,
		Err:     fmt.Errorf(format, args...),
	}
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// classifyTransport handles the error shapes every backend shares.
func classifyTransport(err error) (ErrorKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnection, true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, ErrConnection) {
		return KindConnection, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection, true
	}
	return KindUnknown, false
}

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsDuplicateKey checks if an error is an identity conflict
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsConnection checks if an error means the backend could not be reached
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsValidation checks if an error was raised for a malformed argument
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidConfig)
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsLockHeld checks if a snapshot lock could not be taken
func IsLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}

// IsRetryable checks if the whole call is worth retrying.
// Connection failures and held snapshot locks qualify.
func IsRetryable(err error) bool {
	return IsConnection(err) || IsLockHeld(err)
}
