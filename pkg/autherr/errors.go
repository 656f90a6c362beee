// Package autherr defines the typed failure taxonomy shared by every
// authentication channel.
//
// Each Kind carries a stable redirect code (used in /login?error=<code>) and
// an HTTP status (used by JSON endpoints). Services return *Error values;
// handlers translate them with Status and Code without inspecting messages.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an authentication failure
type Kind string

const (
	KindInvalidState         Kind = "invalid_state"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindMissingEmail         Kind = "missing_email"
	KindInvalidCredential    Kind = "invalid_credential"
	KindExpired              Kind = "expired"
	KindTooManyAttempts      Kind = "too_many_attempts"
	KindUnauthorized         Kind = "unauthorized"
	KindVerificationRequired Kind = "verification_required"
	KindNotFound             Kind = "not_found"
	KindNoChallenge          Kind = "no_challenge"
	KindAccountConflict      Kind = "account_exists"
	KindValidation           Kind = "validation"
	KindRateLimited          Kind = "rate_limited"
	KindInternal             Kind = "internal"
)

// String returns the string representation of the kind
func (k Kind) String() string {
	return string(k)
}

// HTTPStatus maps a kind to the status code JSON endpoints respond with
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidState, KindMissingEmail, KindInvalidCredential, KindExpired,
		KindTooManyAttempts, KindNoChallenge, KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindVerificationRequired:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAccountConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is an authentication failure with a kind, a client-safe message and
// an optional underlying cause that is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, autherr.ErrExpired) ignore message and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// returns nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code returns the redirect code for err
func Code(err error) string {
	return KindOf(err).String()
}

// Status returns the HTTP status for err
func Status(err error) int {
	return KindOf(err).HTTPStatus()
}

// PublicMessage returns the message safe to show a client. Internal errors
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "Internal server error"
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidState         = New(KindInvalidState, "Invalid state")
	ErrProviderUnavailable  = New(KindProviderUnavailable, "Identity provider unavailable")
	ErrMissingEmail         = New(KindMissingEmail, "Email not provided by identity provider")
	ErrInvalidCredential    = New(KindInvalidCredential, "Invalid code")
	ErrExpired              = New(KindExpired, "Code expired")
	ErrTooManyAttempts      = New(KindTooManyAttempts, "Too many attempts")
	ErrUnauthorized         = New(KindUnauthorized, "Unauthorized")
	ErrVerificationRequired = New(KindVerificationRequired, "Verification required")
	ErrNotFound             = New(KindNotFound, "Not found")
	ErrNoChallenge          = New(KindNoChallenge, "No challenge found")
	ErrAccountConflict      = New(KindAccountConflict, "An account with this email already exists")
	ErrRateLimited          = New(KindRateLimited, "Too many requests")
)
