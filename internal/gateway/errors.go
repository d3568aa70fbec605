package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class is the retry classification of a failed call
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
)

// Sentinels matched by errors.Is against *Error
var (
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
	ErrPermanent   = errors.New("permanent failure")
)

// Error is a classified gateway failure
type Error struct {
	Class     Class
	Status    int
	Reason    string
	AccountID string
	Operation string
	Attempts  int
	// RetryAfter is the server-provided wait for rate limited responses
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s for account %s", e.Operation, e.Class, e.AccountID)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the error class onto the package sentinels
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Class == ClassRateLimited
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrPermanent:
		return e.Class == ClassPermanent
	}
	return false
}

// RetryHint implements ratelimit.RetryHinter
func (e *Error) RetryHint() (bool, time.Duration) {
	return e.Class == ClassRateLimited, e.RetryAfter
}

// Retryable reports whether the class is worth another attempt
func (e *Error) Retryable() bool {
	return e.Class == ClassRateLimited || e.Class == ClassTransient
}

// AccountFatal reports failures that affect every call for the account, such as
// revoked credentials or a blocked account
func (e *Error) AccountFatal() bool {
	if e.Class != ClassPermanent {
		return false
	}
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Reason == ReasonAccountBlocked
}

// ReasonAccountBlocked is reported by the platform when an account is suspended
const ReasonAccountBlocked = "account_blocked"

// IsRetryable reports whether err is a retryable gateway error.
// Context cancellation is never retried.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return false
}

// IsAccountFatal reports whether err prevents any further work for the account
func IsAccountFatal(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.AccountFatal()
}

// ClassifyStatus maps an HTTP status to a class. 2xx returns "".
func ClassifyStatus(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500, status == http.StatusRequestTimeout:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
