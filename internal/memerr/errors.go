// Package memerr defines the machine-readable error kinds surfaced by the store.
package memerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	TierUnknown       Kind = "tier_unknown"
	EmbedFailed       Kind = "embed_failed"
	DimensionMismatch Kind = "dimension_mismatch"
	DocumentExists    Kind = "document_exists"
	DocumentNotFound  Kind = "document_not_found"
	StorageFailed     Kind = "storage_failed"
	InvalidArgument   Kind = "invalid_argument"
	ReadOnly          Kind = "read_only"
	Locked            Kind = "locked"
	NotFound          Kind = "not_found"
)

// Error carries a Kind, the operation that failed and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the sentinels below work with
// errors.Is regardless of Op or message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrTierUnknown       = &Error{Kind: TierUnknown}
	ErrEmbedFailed       = &Error{Kind: EmbedFailed}
	ErrDimensionMismatch = &Error{Kind: DimensionMismatch}
	ErrDocumentExists    = &Error{Kind: DocumentExists}
	ErrDocumentNotFound  = &Error{Kind: DocumentNotFound}
	ErrStorageFailed     = &Error{Kind: StorageFailed}
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
	ErrReadOnly          = &Error{Kind: ReadOnly}
	ErrLocked            = &Error{Kind: Locked}
	ErrNotFound          = &Error{Kind: NotFound}
)

// New returns an *Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsUsage reports whether err was caused by bad caller input rather than by
// the environment.
func IsUsage(err error) bool {
	switch KindOf(err) {
	case TierUnknown, InvalidArgument, DocumentExists, DocumentNotFound, NotFound:
		return true
	}
	return false
}
