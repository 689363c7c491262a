// Package chaterr defines the error taxonomy shared by the chat core. Every
// error that can reach a client carries a Kind, and every Kind has a stable
// wire code used in outbound error events.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for the client-facing code.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	BadRequest
	RateLimited
	StoreUnavailable
)

// Sentinel values for errors.Is comparisons. Only the Kind is compared.
var (
	ErrInternal         = &Error{Kind: Internal}
	ErrUnauthorized     = &Error{Kind: Unauthorized}
	ErrForbidden        = &Error{Kind: Forbidden}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrBadRequest       = &Error{Kind: BadRequest}
	ErrRateLimited      = &Error{Kind: RateLimited}
	ErrStoreUnavailable = &Error{Kind: StoreUnavailable}
)

// Code returns the wire code sent to clients in error events.
func (k Kind) Code() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case BadRequest:
		return "bad_request"
	case RateLimited:
		return "rate_limited"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

func (k Kind) String() string { return k.Code() }

// Error is a classified error. Message is safe to show to the client; Err is
// the underlying cause and is never sent over the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	case e.Message != "":
		return e.Kind.Code() + ": " + e.Message
	case e.Err != nil:
		return e.Kind.Code() + ": " + e.Err.Error()
	default:
		return e.Kind.Code()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an error of the given kind with a client-facing message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err with kind. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// PublicMessage returns the message that may be shown to the client. Internal
// errors never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == Internal {
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Code()
}
