// Package etl implements the sales batch pipeline: select recent source files,
// ingest them, aggregate, write a parquet artifact, and archive the sources.
package etl

import (
	"context"
	"errors"
	"fmt"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindRetrieval      Kind = "retrieval"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindParse          Kind = "parse"
	KindWrite          Kind = "write"
	KindCopy           Kind = "copy"
	KindDelete         Kind = "delete"
	KindTimeout        Kind = "timeout"
)

// Error is a classified pipeline error. Two Errors match under errors.Is when
// their kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "etl: " + string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("etl: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("etl: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("etl: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAuth           = &Error{Kind: KindAuth}
	ErrRetrieval      = &Error{Kind: KindRetrieval}
	ErrSchemaMismatch = &Error{Kind: KindSchemaMismatch}
	ErrParse          = &Error{Kind: KindParse}
	ErrWrite          = &Error{Kind: KindWrite}
	ErrCopy           = &Error{Kind: KindCopy}
	ErrDelete         = &Error{Kind: KindDelete}
	ErrTimeout        = &Error{Kind: KindTimeout}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify converts a collaborator error into a pipeline error of the
// fallback kind, or KindTimeout when the context expired first. The cause
// stays in the chain, so a rejected credential is still visible through
// errors.Is(err, model.ErrUnauthorized).
func classify(ctx context.Context, fallback Kind, op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return newError(KindTimeout, op, err)
	}
	return newError(fallback, op, err)
}

// Unauthorized reports whether err was caused by rejected credentials,
// whatever step it was classified under.
func Unauthorized(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, model.ErrUnauthorized)
}
