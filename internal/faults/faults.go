// Package faults defines the error taxonomy shared by the prediction and diagnostics engine.
// Every error carries a Kind and, where one exists, the offending key so failures can be
// recorded as structured records instead of surfacing as opaque strings.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	MissingHistory       Kind = "missing_history"
	UnknownCategory      Kind = "unknown_category"
	SchemaMismatch       Kind = "schema_mismatch"
	InsufficientData     Kind = "insufficient_data"
	InvalidConfiguration Kind = "invalid_configuration"
	MalformedRecord      Kind = "malformed_record"
	Cancelled            Kind = "cancelled"
	Internal             Kind = "internal"
)

type Error struct {
	Kind   Kind
	Key    string
	Detail string
	Err    error
}

var (
	ErrMissingHistory       = &Error{Kind: MissingHistory}
	ErrUnknownCategory      = &Error{Kind: UnknownCategory}
	ErrSchemaMismatch       = &Error{Kind: SchemaMismatch}
	ErrInsufficientData     = &Error{Kind: InsufficientData}
	ErrInvalidConfiguration = &Error{Kind: InvalidConfiguration}
	ErrMalformedRecord      = &Error{Kind: MalformedRecord}
)

func New(kind Kind, key string, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is
// regardless of key or detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf reports the kind of the first *Error in the chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return Internal
}

// KeyOf reports the offending key of the first *Error in the chain.
func KeyOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Key
	}

	return ""
}
