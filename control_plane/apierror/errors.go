// Package apierror defines the domain error taxonomy and its wire shape.
// Errors are classified by domain (request params, quota, rate limit, ...)
// rather than by transport; the HTTP status is derived from the code.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Code identifies a domain error class.
type Code string

const (
	CodeRequestParams       Code = "invalid_request_params"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeScheduleLimit       Code = "schedule_limit_exceeded"
	CodeInsufficientCredits Code = "insufficient_credits"
	CodeRateLimited         Code = "rate_limit_exceeded"
	CodeDuplicateRequest    Code = "duplicate_request"
	CodeInvalidCron         Code = "invalid_cron_expression"
	CodeSandboxLifecycle    Code = "sandbox_lifecycle_failed"
	CodeSandboxExecution    Code = "sandbox_execution_failed"
	CodeQueueOverloaded     Code = "queue_overloaded"
	CodeInternal            Code = "internal_error"
)

// Error is the domain error carried across layers and rendered on the wire
// as {statusCode, message, error}.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"statusCode"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a domain error with the status implied by its code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Status: statusFor(code)}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func statusFor(code Code) int {
	switch code {
	case CodeRequestParams, CodeScheduleLimit, CodeInvalidCron, CodeInsufficientCredits:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateRequest:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeQueueOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err on w. Non-domain errors become an opaque 500 so
// internals never leak to callers.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(CodeInternal, "Internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apiErr)
}

// classifyPatterns maps message regexes onto codes, checked in order.
// Used by workers that only have an exception message to go on.
var classifyPatterns = []struct {
	re   *regexp.Regexp
	code Code
}{
	{regexp.MustCompile(`(?i)invalid cron|cron.*parse|failed to parse cron`), CodeInvalidCron},
	{regexp.MustCompile(`(?i)schedule.*limit|quota exceeded`), CodeScheduleLimit},
	{regexp.MustCompile(`(?i)insufficient credit`), CodeInsufficientCredits},
	{regexp.MustCompile(`(?i)rate limit`), CodeRateLimited},
	{regexp.MustCompile(`(?i)duplicate request`), CodeDuplicateRequest},
	{regexp.MustCompile(`(?i)not found|no such`), CodeNotFound},
	{regexp.MustCompile(`(?i)queue.*overload|overloaded`), CodeQueueOverloaded},
	{regexp.MustCompile(`(?i)sandbox.*(create|connect|pause|kill|lifecycle)|resource limit exceeded`), CodeSandboxLifecycle},
	{regexp.MustCompile(`(?i)sandbox.*(exec|run|busy)|lock.*timeout|mount`), CodeSandboxExecution},
	{regexp.MustCompile(`(?i)unauthorized|invalid api key|missing api key`), CodeUnauthorized},
}

// Classify maps an arbitrary worker error onto a domain code. A proper
// *Error keeps its own code; everything else is matched against the
// message patterns and falls back to internal.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	msg := err.Error()
	for _, p := range classifyPatterns {
		if p.re.MatchString(msg) {
			return p.code
		}
	}
	return CodeInternal
}
