// Package query implements the MongoDB-style filter matcher: a registry
// of named operators dispatched against a document's extracted field
// values, plus the logical operators ($and/$or/$nor/$not) composing them.
package query

import "fmt"

// ErrInvalidQuery reports a structurally malformed filter or a
// reference to an unknown operator.
type ErrInvalidQuery struct {
	Reason string
}

func (e *ErrInvalidQuery) Error() string { return "invalid query: " + e.Reason }

func invalidf(format string, args ...any) error {
	return &ErrInvalidQuery{Reason: fmt.Sprintf(format, args...)}
}
