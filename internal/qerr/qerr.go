package qerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindCompile        Kind = "compile"
	KindExecution      Kind = "execution"
	KindReconstruction Kind = "reconstruction"
)

var (
	// ErrNoRows marks a query that produced no rows. It is not a failure.
	ErrNoRows = errors.New("no rows found for this query")
	// ErrNoMoreResults is returned when every window of a result has been delivered.
	ErrNoMoreResults = errors.New("no more results")
	// ErrNotBuilt is returned when execution is attempted before a request was compiled.
	ErrNotBuilt = &Error{Kind: KindCompile, Message: "no executable request"}
)

// Error is a query failure carrying enough context (field, aggregation or fragment name) to diagnose it.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Compile(field, format string, args ...any) *Error {
	return &Error{Kind: KindCompile, Field: field, Message: fmt.Sprintf(format, args...)}
}

func Reconstruction(field, format string, args ...any) *Error {
	return &Error{Kind: KindReconstruction, Field: field, Message: fmt.Sprintf(format, args...)}
}

func Execution(message string, err error) *Error {
	return &Error{Kind: KindExecution, Message: message, Err: err}
}

// KindOf reports the kind of err, or "" when err is not a query error.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
