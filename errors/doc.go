// Package errors is the failure taxonomy of the swarm bus.
//
// Every Error carries an ErrorCode, and the code decides its category:
//
//   - transient: CONNECTION, TIMEOUT, PUBLISH. Publishing retries these.
//   - permanent: VALIDATION, ACL_DENIED, INVALID_INPUT, OVERSIZED, CLOSED,
//     CANCELED, CONFIG. Retrying gives the same answer.
//   - resource: RATE_LIMITED, QUEUE_FULL. Admission control said no.
//   - internal: HANDLER, DECODE, PANIC, INTERNAL.
//
// A CONNECTION error is fatal only in network mode; the other modes fall
// back to the in-process backend. A VALIDATION error blocks the publish in
// strict mode.
//
// Callers test codes rather than sentinel values:
//
//	if errors.Is(err, errors.ErrCodeValidation) {
//		// do not resend
//	}
//
// Fields flattens an error into a log line.
package errors
