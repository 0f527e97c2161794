// Package errors provides the error model for the quoalise protocol and
// standardized error handling for its components.
//
// # Two error domains
//
// The package covers two distinct domains that must not be conflated:
//
// Internal classified errors describe how a component should react to a
// failure (retry, reject input, stop). They are created with WrapTransient,
// WrapInvalid and WrapFatal and inspected with IsTransient, IsInvalid and
// IsFatal. They never cross the wire.
//
// Wire errors describe how a failure is reported to a remote requester.
// ProtocolError carries one of the fixed enumerated conditions (bad-request,
// item-not-found, not-authorized, service-unavailable,
// feature-not-implemented, undefined-condition). UpstreamError carries the
// issuer, code and message of an application-level failure raised by the
// upstream data source; it is reported on the wire as undefined-condition
// plus an extension element so that clients unaware of the extension still
// see a conformant failure.
//
// # Wrapping pattern
//
// Components wrap failures with context following the pattern
// "component.method: action failed: underlying error":
//
//	if err := source.GetHistory(ctx, q); err != nil {
//	    return errors.WrapTransient(err, "Executor", "Execute", "query upstream")
//	}
//
// # Retry integration
//
// RetryConfig bridges error classification to the pkg/retry backoff
// framework:
//
//	cfg := errors.DefaultRetryConfig()
//	err := retry.Do(ctx, cfg.ToRetryConfig(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Only transient errors should be retried; use ShouldRetry when driving a
// retry loop manually.
package errors
