package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeRequestParams, http.StatusBadRequest},
		{CodeInvalidCron, http.StatusBadRequest},
		{CodeScheduleLimit, http.StatusBadRequest},
		{CodeInsufficientCredits, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeDuplicateRequest, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeQueueOverloaded, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
		{CodeSandboxExecution, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := New(c.code, "x").Status; got != c.want {
			t.Errorf("%s: expected status %d, got %d", c.code, c.want, got)
		}
	}
}

func TestWrite(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, New(CodeNotFound, "no such webhook"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
	var body struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
		Err        string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if body.Err != string(CodeNotFound) || body.Message != "no such webhook" || body.StatusCode != 404 {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestWriteHidesInternals(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, errors.New("pq: connection refused at 10.0.0.3"))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rr.Code)
	}
	var body map[string]any
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["message"] != "Internal server error" {
		t.Errorf("Expected opaque message, got %v", body["message"])
	}
}

func TestWriteUnwrapsNestedDomainError(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, fmt.Errorf("run schedule: %w", New(CodeRateLimited, "slow down")))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected wrapped domain error honored, got %d", rr.Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Code
	}{
		{"failed to parse cron expression", CodeInvalidCron},
		{"schedule limit reached for plan", CodeScheduleLimit},
		{"insufficient credits for this run", CodeInsufficientCredits},
		{"upstream rate limit exceeded", CodeRateLimited},
		{"duplicate request detected", CodeDuplicateRequest},
		{"canvas not found", CodeNotFound},
		{"execute queue overloaded: 120 jobs", CodeQueueOverloaded},
		{"sandbox creation failed: resource limit exceeded", CodeSandboxLifecycle},
		{"sandbox execution failed on sb-1: run executor", CodeSandboxExecution},
		{"sandbox lock timeout on lock:sandbox:x: sandbox is busy, please retry", CodeSandboxExecution},
		{"invalid api key", CodeUnauthorized},
		{"something else entirely", CodeInternal},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q): expected %s, got %s", c.msg, c.want, got)
		}
	}

	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil): expected empty code, got %s", got)
	}
}

func TestClassifyKeepsDomainCode(t *testing.T) {
	// A domain error whose message would pattern-match differently keeps
	// its own code.
	err := New(CodeForbidden, "rate limit wording in a forbidden error")
	if got := Classify(fmt.Errorf("wrap: %w", err)); got != CodeForbidden {
		t.Errorf("Expected CodeForbidden, got %s", got)
	}
}
