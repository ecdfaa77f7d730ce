package errors

import (
	"context"
	"errors"
)

func as(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Wrap adds msg to err and keeps the chain. A wrapped bus error keeps its
// code and identifiers; context errors become TIMEOUT or CANCELED; anything
// else is INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, msg string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	inner, ok := as(err)
	if !ok {
		code := ErrCodeInternal
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = ErrCodeTimeout
		case errors.Is(err, context.Canceled):
			code = ErrCodeCanceled
		}
		return New(code, msg, append(opts, WithCause(err))...)
	}

	e := &Error{
		code:      inner.code,
		category:  inner.category,
		msg:       msg,
		cause:     err,
		meta:      inner.Metadata(),
		retryable: inner.retryable,
		at:        inner.at,
		agentID:   inner.agentID,
		messageID: inner.messageID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WrapWithCode wraps err under a new code. WrapWithCode(nil, ...) is nil.
func WrapWithCode(err error, code ErrorCode, msg string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, msg, append(opts, WithCause(err))...)
}

// Is reports whether the outermost bus error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	e, ok := as(err)
	return ok && e.code == code
}

// IsRetryable reports whether err is a bus error worth retrying.
func IsRetryable(err error) bool {
	e, ok := as(err)
	return ok && e.Retryable()
}

// Code returns the code of the outermost bus error in err's chain, or "".
func Code(err error) ErrorCode {
	if e, ok := as(err); ok {
		return e.code
	}
	return ""
}
