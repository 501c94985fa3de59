package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindConfig    ErrorKind = "config"
	KindNetwork   ErrorKind = "network"
	KindTimeout   ErrorKind = "timeout"
	KindBounce    ErrorKind = "bounce"
	KindComplaint ErrorKind = "complaint"
)

// TransportError classifies a failed send so the dispatcher can decide
// between retrying, suppressing and giving up.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// KindOf returns the kind of err; unclassified errors count as network.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNetwork
}
