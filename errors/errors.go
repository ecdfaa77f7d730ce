package errors

import (
	"fmt"
	"time"
)

// Error is a coded bus failure. Build one with New or a helper.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	msg       string
	cause     error
	meta      map[string]string
	retryable *bool
	at        time.Time
	agentID   string
	messageID string
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error           { return e.cause }
func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Timestamp() time.Time    { return e.at }
func (e *Error) AgentID() string         { return e.agentID }
func (e *Error) MessageID() string       { return e.messageID }

// Retryable reports whether the operation may succeed if repeated. An explicit
// WithRetryable wins over the category.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the attached key/value context.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		out[k] = v
	}
	return out
}

// Fields flattens the error for a structured log line.
func (e *Error) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"code":      string(e.code),
		"category":  string(e.category),
		"retryable": e.Retryable(),
		"error":     e.Error(),
	}
	if e.agentID != "" {
		f["agent"] = e.agentID
	}
	if e.messageID != "" {
		f["id"] = e.messageID
	}
	for k, v := range e.meta {
		if _, taken := f[k]; !taken {
			f[k] = v
		}
	}
	return f
}

// Option adjusts an Error under construction.
type Option func(*Error)

func WithCategory(c ErrorCategory) Option { return func(e *Error) { e.category = c } }
func WithRetryable(r bool) Option         { return func(e *Error) { e.retryable = &r } }
func WithAgentID(id string) Option        { return func(e *Error) { e.agentID = id } }
func WithMessageID(id string) Option      { return func(e *Error) { e.messageID = id } }
func WithCause(err error) Option          { return func(e *Error) { e.cause = err } }

// WithMetadata attaches one key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.meta == nil {
			e.meta = make(map[string]string)
		}
		e.meta[key] = value
	}
}

// New builds an error whose category follows from code.
func New(code ErrorCode, msg string, opts ...Option) *Error {
	e := &Error{code: code, category: code.DefaultCategory(), msg: msg, at: time.Now()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode builds an error described by the code alone.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Connection reports an unreachable or failed backend.
func Connection(msg string, cause error, opts ...Option) *Error {
	return New(ErrCodeConnection, msg, append(opts, WithCause(cause))...)
}

// Validation reports a message rejected by the validator.
func Validation(msg string, opts ...Option) *Error {
	return New(ErrCodeValidation, msg, opts...)
}

// Handler reports a handler that returned cause for a message of the given type.
func Handler(msgType string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause), WithMetadata("type", msgType)}, opts...)
	return New(ErrCodeHandler, msgType+" handler failed", opts...)
}

// InvalidInput reports a malformed argument.
func InvalidInput(msg string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, msg, opts...)
}

// RecoverPanic turns a recovered panic value into a PANIC error. It returns
// nil when nothing was recovered.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	msg := fmt.Sprint(recovered)
	if err, ok := recovered.(error); ok {
		msg = err.Error()
	}
	return New(ErrCodePanic, msg, WithMetadata("panic_type", fmt.Sprintf("%T", recovered)))
}
