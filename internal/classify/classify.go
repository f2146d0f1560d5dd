// Package classify maps raw pipeline failures onto a retry decision.
package classify

import (
	"errors"
	"strings"
)

// Category is the outcome of classifying a failure.
type Category string

const (
	Retryable    Category = "RETRYABLE"
	NonRetryable Category = "NON_RETRYABLE"
)

// Decision is the result of classifying a failure: whether the caller
// should retry, why, and how long to wait before the next attempt.
type Decision struct {
	Category         Category
	Reason           string
	SuggestedDelayMS int64
}

func (d Decision) IsRetryable() bool { return d.Category == Retryable }

// StructuredError is the shape the classifier understands. Pipeline
// executors are not required to return this type directly — Classify
// extracts the same fields from any error via errors.As/interfaces —
// but Wrap produces one so callers can attach extra context.
type StructuredError struct {
	Message string
	Code    string
	Status  int
	Stack   string
	Cause   error
}

func (e *StructuredError) Error() string { return e.Message }
func (e *StructuredError) Unwrap() error { return e.Cause }

// codeProvider and statusProvider let callers pass arbitrary error types
// (not just *StructuredError) through the classifier, as long as they
// expose a Code()/Status() accessor — mirrors how the teacher's pgconn
// errors expose a Code() without implementing a shared interface.
type codeProvider interface{ Code() string }
type statusProvider interface{ Status() int }
type errnoProvider interface{ Errno() string }

var nonRetryableCodes = map[string]bool{
	"ENOENT":    true,
	"EACCES":    true,
	"EPERM":     true,
	"ENOTFOUND": true,
	"EISDIR":    true,
	"ENOTDIR":   true,
}

var retryableCodes = map[string]struct {
	baseDelayMS int64
}{
	"ETIMEDOUT":     {5000},
	"ECONNRESET":    {5000},
	"ECONNREFUSED":  {10000},
	"EHOSTUNREACH":  {5000},
	"ENETUNREACH":   {5000},
	"EAGAIN":        {5000},
	"EBUSY":         {5000},
}

var retryableMessagePatterns = []string{"timeout", "network", "connection", "temporary"}

// Classify implements the precedence rules from the error-classifier
// component: structured codes first, then HTTP-style statuses, then a
// message-pattern fallback, defaulting to retryable when nothing else
// matches (a conservative default — better to retry a permanent failure
// a few extra times than to drop a transient one).
func Classify(err error) Decision {
	if err == nil {
		return Decision{Category: NonRetryable, Reason: "no error"}
	}

	code := extractCode(err)
	if code != "" {
		if nonRetryableCodes[code] {
			return Decision{Category: NonRetryable, Reason: code}
		}
		if info, ok := retryableCodes[code]; ok {
			return Decision{Category: Retryable, Reason: code, SuggestedDelayMS: info.baseDelayMS}
		}
	}

	if status := extractStatus(err); status != 0 {
		switch {
		case status == 429:
			return Decision{Category: Retryable, Reason: "http_429", SuggestedDelayMS: 60000}
		case status == 408:
			return Decision{Category: Retryable, Reason: "http_408", SuggestedDelayMS: 5000}
		case status >= 400 && status < 500:
			return Decision{Category: NonRetryable, Reason: "http_" + itoa(status)}
		case status >= 500:
			return Decision{Category: Retryable, Reason: "http_" + itoa(status), SuggestedDelayMS: 5000}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessagePatterns {
		if strings.Contains(msg, pattern) {
			return Decision{Category: Retryable, Reason: "message:" + pattern, SuggestedDelayMS: 5000}
		}
	}

	return Decision{Category: Retryable, Reason: "default", SuggestedDelayMS: 5000}
}

// IsRetryable is a convenience wrapper around Classify.
func IsRetryable(err error) bool {
	return Classify(err).IsRetryable()
}

// Info flattens the well-known fields of err for logging, without
// assuming it implements any particular interface.
type Info struct {
	Message string
	Code    string
	Status  int
	Stack   string
	Cause   string
}

func ExtractInfo(err error) Info {
	if err == nil {
		return Info{}
	}
	info := Info{
		Message: err.Error(),
		Code:    extractCode(err),
		Status:  extractStatus(err),
	}
	var se *StructuredError
	if errors.As(err, &se) {
		info.Stack = se.Stack
		if se.Cause != nil {
			info.Cause = se.Cause.Error()
		}
	}
	return info
}

// Wrap builds a StructuredError carrying message, a preserved cause
// chain, and whatever code/status the cause exposes — the fallback
// order mirrors the source's errno-as-code convention.
func Wrap(message string, cause error) *StructuredError {
	se := &StructuredError{Message: message, Cause: cause}
	if cause == nil {
		return se
	}
	if code := extractCode(cause); code != "" {
		se.Code = code
	}
	se.Status = extractStatus(cause)
	return se
}

func extractCode(err error) string {
	var se *StructuredError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	var cp codeProvider
	if errors.As(err, &cp) {
		return cp.Code()
	}
	var ep errnoProvider
	if errors.As(err, &ep) {
		return ep.Errno()
	}
	return ""
}

func extractStatus(err error) int {
	var se *StructuredError
	if errors.As(err, &se) && se.Status != 0 {
		return se.Status
	}
	var sp statusProvider
	if errors.As(err, &sp) {
		return sp.Status()
	}
	return 0
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
