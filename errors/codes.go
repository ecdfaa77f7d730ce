package errors

// ErrorCategory decides how a caller reacts to a failure.
type ErrorCategory string

const (
	// CategoryTransient failures may clear up on retry (a dropped connection).
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent failures repeat on every retry (a malformed message).
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource failures are admission control saying "not now".
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal failures are bugs: panics, broken invariants.
	CategoryInternal ErrorCategory = "internal"
)

// IsRetryable reports whether failures in c may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode names one failure of the bus.
type ErrorCode string

const (
	ErrCodeConnection   ErrorCode = "CONNECTION"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodePublish      ErrorCode = "PUBLISH"
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeACLDenied    ErrorCode = "ACL_DENIED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeOversized    ErrorCode = "OVERSIZED"
	ErrCodeClosed       ErrorCode = "CLOSED"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeConfig       ErrorCode = "CONFIG"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMITED"
	ErrCodeQueueFull    ErrorCode = "QUEUE_FULL"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeHandler      ErrorCode = "HANDLER"
	ErrCodeDecode       ErrorCode = "DECODE"
	ErrCodePanic        ErrorCode = "PANIC"
)

type codeInfo struct {
	category    ErrorCategory
	description string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeConnection:   {CategoryTransient, "backend connection failed"},
	ErrCodeTimeout:      {CategoryTransient, "operation timed out"},
	ErrCodePublish:      {CategoryTransient, "publish failed"},
	ErrCodeValidation:   {CategoryPermanent, "message validation failed"},
	ErrCodeACLDenied:    {CategoryPermanent, "sender not allowed"},
	ErrCodeInvalidInput: {CategoryPermanent, "invalid input provided"},
	ErrCodeOversized:    {CategoryPermanent, "message exceeds size limit"},
	ErrCodeClosed:       {CategoryPermanent, "bus closed"},
	ErrCodeCanceled:     {CategoryPermanent, "operation canceled"},
	ErrCodeConfig:       {CategoryPermanent, "invalid configuration"},
	ErrCodeRateLimit:    {CategoryResource, "rate limit exceeded"},
	ErrCodeQueueFull:    {CategoryResource, "delivery queue full"},
	ErrCodeInternal:     {CategoryInternal, "internal error"},
	ErrCodeHandler:      {CategoryInternal, "handler failed"},
	ErrCodeDecode:       {CategoryInternal, "message decode failed"},
	ErrCodePanic:        {CategoryInternal, "recovered from panic"},
}

// DefaultCategory returns the category of c. Unknown codes are internal.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Description returns a short human description of c.
func (c ErrorCode) Description() string {
	if info, ok := codes[c]; ok {
		return info.description
	}
	return "unknown error"
}
