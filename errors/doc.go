// Package errors provides standardized error handling for nodemesh components.
//
// # Error Classification
//
// Errors are classified into three classes:
//
//   - Transient: connection loss, timeouts, backend publish failures (retry recommended)
//   - Invalid: malformed wire bytes, bad payloads, version mismatches (do not retry)
//   - Fatal: bad configuration, exhausted resources (stop processing)
//
// # Transport Error Taxonomy
//
// The transport core distinguishes four kinds of failure:
//
//   - DecodeError: malformed or corrupt wire bytes. Logged, message dropped,
//     connection kept.
//   - HandlerError: a listener or promise continuation returned an error or
//     panicked. Caught at the dispatch boundary and logged.
//   - Rejection: the error carried by a rejected promise. This is the only kind
//     that crosses component boundaries on purpose, and it is never wrapped.
//   - TransportFailure: backend publish/subscribe failure, surfaced through the
//     transport failure hook.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
//	errors.Wrap(err, "Transport", "Start", "build channels")          // preserves class
//	errors.WrapTransient(err, "Backend", "Connect", "dial")           // retryable
//	errors.WrapInvalid(err, "Config", "Validate", "check prefix")     // bad input
//	errors.WrapFatal(err, "Broker", "Start", "create executor")       // unrecoverable
//
// Classification is preserved through wrapping chains and works with the
// standard errors.Is / errors.As functions.
package errors
