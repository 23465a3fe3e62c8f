// Package resilience classifies errors and wraps external calls with bounded
// retries and a circuit breaker.
//
// Errors are tagged with a Class where they originate. Retry decisions branch on
// the tag, never on the error text.
package resilience

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	// ClassTransient errors are worth retrying: network trouble, timeouts, rate limits.
	ClassTransient Class = "transient"
	// ClassTerminal errors are business failures that retrying can not fix.
	ClassTerminal Class = "terminal"
	// ClassFatal errors mean a required atomic check could not run. Callers must stop.
	ClassFatal Class = "fatal"
)

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func mark(err error, class Class) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: class}
}

func Transient(err error) error { return mark(err, ClassTransient) }
func Terminal(err error) error  { return mark(err, ClassTerminal) }
func Fatal(err error) error     { return mark(err, ClassFatal) }

// Classify returns the class of err. The outermost tag wins. Untagged errors are
// terminal unless they are timeouts, retryable grpc codes, or ErrCircuitOpen.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassTerminal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return ClassTransient
		}
	}

	return ClassTerminal
}

func IsTransient(err error) bool { return Classify(err) == ClassTransient }
func IsTerminal(err error) bool  { return Classify(err) == ClassTerminal }
func IsFatal(err error) bool     { return Classify(err) == ClassFatal }
