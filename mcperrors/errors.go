// Package mcperrors implements the error taxonomy required by the runtime:
// a stable Kind, structured Context, retry hints, and severities, wrapping
// github.com/pkg/errors for stack capture and cause chains the way the
// retrieval pack's other services (AleutianLocal's grounding package,
// daglabs-btcd's rpcserver) use it.
package mcperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable error classification, independent of message text.
type Kind string

const (
	Validation            Kind = "validation"
	Authentication        Kind = "authentication"
	Authorization         Kind = "authorization"
	NotFound              Kind = "not_found"
	BadRequest            Kind = "bad_request"
	Internal              Kind = "internal"
	Transport             Kind = "transport"
	Serialization         Kind = "serialization"
	Protocol              Kind = "protocol"
	Timeout               Kind = "timeout"
	Unavailable           Kind = "unavailable"
	RateLimited           Kind = "rate_limited"
	Configuration         Kind = "configuration"
	ExternalService       Kind = "external_service"
	Cancelled             Kind = "cancelled"
	Handler               Kind = "handler"
	DpopReplay            Kind = "dpop_replay"
	DpopClockSkew         Kind = "dpop_clock_skew"
	DpopCryptographic     Kind = "dpop_cryptographic"
	DpopHTTPBindingFailed Kind = "dpop_http_binding_failed"
	DpopAccessTokenHash   Kind = "dpop_access_token_hash_failed"
	DpopPinningFailed     Kind = "dpop_pinning_failed"
)

// Severity classifies how loudly an error should be surfaced.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// retryableKinds are the kinds §7 marks as safe to retry.
var retryableKinds = map[Kind]bool{
	Transport:       true,
	ExternalService: true,
	Timeout:         true,
	Unavailable:     true,
	RateLimited:     true,
}

// terminalKinds are the kinds §7 marks as never worth retrying.
var terminalKinds = map[Kind]bool{
	Validation:     true,
	Authentication: true,
	Authorization:  true,
	NotFound:       true,
}

var severities = map[Kind]Severity{
	DpopReplay:            SeverityCritical,
	DpopCryptographic:     SeverityHigh,
	DpopPinningFailed:     SeverityHigh,
	DpopClockSkew:         SeverityMedium,
	DpopHTTPBindingFailed: SeverityMedium,
	DpopAccessTokenHash:   SeverityMedium,
}

// Context carries the structured metadata every Error propagates.
type Context struct {
	Operation string
	Component string
	RequestID string
	UserID    string
}

// RetryHint describes how a caller should retry a retryable error.
type RetryHint struct {
	RetryAfterMS int64
}

// Error is the structured error type threaded through the runtime.
type Error struct {
	kind      Kind
	message   string
	context   Context
	retry     *RetryHint
	cause     error
	timestamp int64 // unix millis, set only via WithTimestampMS; zero value is valid (unset)
}

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message, cause: errors.New(message)}
}

// Newf builds a bare Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind and message to an existing error, preserving its
// cause chain via pkg/errors so %+v still prints a stack trace.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, message: message, cause: errors.Wrap(err, message)}
}

// WithContext returns a copy of e with ctx attached.
func (e *Error) WithContext(ctx Context) *Error {
	cp := *e
	cp.context = ctx
	return &cp
}

// WithRetry returns a copy of e with a retry hint attached.
func (e *Error) WithRetry(hint RetryHint) *Error {
	cp := *e
	cp.retry = &hint
	return &cp
}

// WithTimestampMS returns a copy of e stamped with a caller-supplied unix
// millisecond timestamp (the package never calls time.Now() itself so that
// error construction stays deterministic and testable).
func (e *Error) WithTimestampMS(ms int64) *Error {
	cp := *e
	cp.timestamp = ms
	return &cp
}

func (e *Error) Error() string {
	if e.context.Component != "" || e.context.Operation != "" {
		return fmt.Sprintf("[%s] %s (%s/%s)", e.kind, e.message, e.context.Component, e.context.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's stable classification.
func (e *Error) Kind() Kind { return e.kind }

// Context returns the structured context attached to e.
func (e *Error) Context() Context { return e.context }

// Retry returns the retry hint, if any.
func (e *Error) Retry() (RetryHint, bool) {
	if e.retry == nil {
		return RetryHint{}, false
	}
	return *e.retry, true
}

// TimestampMS returns the stamped unix millisecond timestamp, if any.
func (e *Error) TimestampMS() int64 { return e.timestamp }

// Retryable reports whether errors of this kind are safe to retry.
func (e *Error) Retryable() bool { return retryableKinds[e.kind] }

// Terminal reports whether errors of this kind should never be retried.
func (e *Error) Terminal() bool { return terminalKinds[e.kind] }

// IsCritical reports whether the error must be surfaced to security
// observers per §7 (currently only DpopReplay).
func (e *Error) IsCritical() bool { return e.Severity() == SeverityCritical }

// Severity returns the error's severity, defaulting to Low.
func (e *Error) Severity() Severity {
	if s, ok := severities[e.kind]; ok {
		return s
	}
	return SeverityLow
}

// As supports errors.As(err, *Kind) style extraction via a thin helper.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind()
	}
	return Internal
}
