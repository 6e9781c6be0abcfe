package autoapply

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies failures for the retry and reporting policy.
type ErrorKind string

// Failure taxonomy. Network, timeout, connection, browser-launch and
// navigation faults are retryable; captcha and rate-limit are handled by
// dedicated policies; everything else is terminal.
const (
	KindNetwork        ErrorKind = "NETWORK"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindConnection     ErrorKind = "CONNECTION"
	KindBrowserLaunch  ErrorKind = "BROWSER_LAUNCH"
	KindNavigation     ErrorKind = "NAVIGATION"
	KindCaptcha        ErrorKind = "CAPTCHA"
	KindRateLimit      ErrorKind = "RATE_LIMIT"
	KindProcessTimeout ErrorKind = "PROCESS_TIMEOUT"
	KindUnknown        ErrorKind = "UNKNOWN"
)

// AutomationError tags an underlying error with its classified kind and the
// pipeline step it surfaced in.
type AutomationError struct {
	Kind ErrorKind
	Step string
	Err  error
}

// Error implements the error interface.
func (e *AutomationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Step, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *AutomationError) Unwrap() error {
	return e.Err
}

// NewError wraps err with an explicit kind.
func NewError(kind ErrorKind, step string, err error) *AutomationError {
	return &AutomationError{Kind: kind, Step: step, Err: err}
}

// Classify maps an arbitrary error onto the failure taxonomy. An explicit
// AutomationError kind wins; otherwise the error chain and message are
// inspected.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var autoErr *AutomationError
	if errors.As(err, &autoErr) {
		return autoErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return KindConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "browser launch"), strings.Contains(msg, "failed to launch"):
		return KindBrowserLaunch
	case strings.Contains(msg, "navigation"), strings.Contains(msg, "net::err"):
		return KindNavigation
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "network"):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Retryable reports whether a kind may be retried at the step level.
// Captcha triggers a mode switch instead; rate-limit rejections must be
// resubmitted by the caller; process timeouts already killed the worker.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindConnection, KindBrowserLaunch, KindNavigation:
		return true
	default:
		return false
	}
}
