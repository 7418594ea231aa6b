package ironbase

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the categories surfaced to
// callers across every binding. Callers match on Code rather than on
// error string content or concrete Go types from internal packages.
//
// Code implements error so the category constants can be used directly
// as the target of errors.Is(err, ironbase.InvalidQuery).
type Code string

func (c Code) Error() string { return string(c) }

const (
	Io                   Code = "Io"
	Serialization        Code = "Serialization"
	Deserialization      Code = "Deserialization"
	CollectionNotFound   Code = "CollectionNotFound"
	CollectionExists     Code = "CollectionExists"
	DocumentNotFound     Code = "DocumentNotFound"
	InvalidQuery         Code = "InvalidQuery"
	Corruption           Code = "Corruption"
	IndexError           Code = "IndexError"
	AggregationError     Code = "AggregationError"
	SchemaError          Code = "SchemaError"
	TransactionCommitted Code = "TransactionCommitted"
	TransactionAborted   Code = "TransactionAborted"
	WALCorruption        Code = "WALCorruption"
	Unknown              Code = "Unknown"
)

// Error is the uniform error type returned by every public ironbase API.
//
// It carries the failure category plus whatever collection/document
// context was available where the error originated, formatted ahead of
// the underlying cause:
//
//	IndexError: duplicate key [x@example.com] for unique index "email_1" (collection=users doc_id=2)
//
// Use [errors.As] to recover structured fields, [errors.Is] against the
// category constants (via [Error.Is]) to branch on failure kind.
type Error struct {
	Code       Code
	Collection string
	DocumentID string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := string(e.Code)

	if cause := e.cause(); cause != "" {
		msg += ": " + cause
	}

	if suffix := e.suffix(); suffix != "" {
		msg += " " + suffix
	}

	return msg
}

func (e *Error) cause() string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

func (e *Error) suffix() string {
	var parts []string

	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}

	if e.DocumentID != "" {
		parts = append(parts, "doc_id="+e.DocumentID)
	}

	if len(parts) == 0 {
		return ""
	}

	s := "("
	for i, p := range parts {
		if i > 0 {
			s += " "
		}

		s += p
	}

	return s + ")"
}

// Unwrap returns the underlying cause for use with [errors.Is]/[errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is lets errors.Is(err, ironbase.InvalidQuery)-style category checks
// work directly against the Code constants.
func (e *Error) Is(target error) bool {
	code, ok := target.(Code)
	if !ok {
		return false
	}

	return e.Code == code
}

// errOpt configures an [*Error] during construction via [wrap].
type errOpt func(*Error)

func withCode(code Code) errOpt {
	return func(e *Error) { e.Code = code }
}

func withCollection(name string) errOpt {
	return func(e *Error) { e.Collection = name }
}

func withDocID(id string) errOpt {
	return func(e *Error) { e.DocumentID = id }
}

// wrap creates an [*Error] carrying code and whatever context opts
// attach. Behavior mirrors the wrap helper idiom used throughout this
// codebase: nil passes through unchanged; wrapping an existing [*Error]
// inherits its Collection/DocumentID so repeated wrapping up the call
// stack doesn't lose context, while new opts (including a new Code)
// override the inherited values.
func wrap(err error, code Code, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		e := &Error{Code: code, Collection: existing.Collection, DocumentID: existing.DocumentID, Err: existing.Err}

		for _, opt := range opts {
			opt(e)
		}

		return e
	}

	e := &Error{Code: code, Err: err}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// newError constructs an [*Error] with no underlying cause, used for
// failures detected directly by the façade (e.g. a collection-not-found
// check) rather than propagated from an internal package.
func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}
