package types

import (
	"errors"
	"fmt"
)

// ErrorClass partitions failures by how the pipeline reacts to them
type ErrorClass string

const (
	// ErrConfig is invalid or missing required configuration; fatal at startup
	ErrConfig ErrorClass = "config"
	// ErrAuth is a sink authentication failure; triggers refresh, then breaker
	ErrAuth ErrorClass = "auth"
	// ErrTransport is transient I/O toward field or cloud; retried locally
	ErrTransport ErrorClass = "transport"
	// ErrProtocol is a malformed message from a field device; skip and count
	ErrProtocol ErrorClass = "protocol"
	// ErrSchemaRejection is a sink-side permanent record rejection; record goes to the DLQ
	ErrSchemaRejection ErrorClass = "schema_rejection"
	// ErrOverflow is queue or spool at capacity; drop per policy and count
	ErrOverflow ErrorClass = "overflow"
	// ErrCertificate is a missing, expired, weak, or unparseable certificate;
	// the source is refused
	ErrCertificate ErrorClass = "certificate"
)

// ClassifiedError wraps an error with its pipeline error class
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Classifyf wraps a formatted error with the given class
func Classifyf(class ErrorClass, format string, args ...any) error {
	return &ClassifiedError{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the error class of err, or ErrTransport when the error
// carries no class. Unclassified errors are treated as transient so the
// pipeline retries rather than drops.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrTransport
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	switch ClassOf(err) {
	case ErrConfig, ErrSchemaRejection, ErrCertificate:
		return true
	}
	return false
}
