package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/idempotency"
	"github.com/reflyai/triggerplane/control_plane/ingress"
)

func TestParseTriggerBody(t *testing.T) {
	// Empty bodies are a valid no-variables trigger.
	for _, empty := range []string{"", "  ", "\n"} {
		runtime, err := parseTriggerBody([]byte(empty))
		if err != nil || runtime != nil {
			t.Errorf("parseTriggerBody(%q): expected nil/nil, got %v %v", empty, runtime, err)
		}
	}

	runtime, err := parseTriggerBody([]byte(`{"variables":{"topic":"go","count":2}}`))
	if err != nil {
		t.Fatalf("parseTriggerBody: %v", err)
	}
	if runtime["topic"] != "go" || runtime["count"] != float64(2) {
		t.Errorf("Unexpected runtime variables: %+v", runtime)
	}

	// An object without variables is accepted as empty.
	runtime, err = parseTriggerBody([]byte(`{}`))
	if err != nil || runtime != nil {
		t.Errorf("Expected empty object accepted, got %v %v", runtime, err)
	}

	wantParams := func(body string) {
		t.Helper()
		_, err := parseTriggerBody([]byte(body))
		var apiErr *apierror.Error
		if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeRequestParams {
			t.Errorf("parseTriggerBody(%q): expected request params error, got %v", body, err)
		}
	}
	wantParams(`[1,2,3]`)
	wantParams(`not json`)
	wantParams(`{"variables":{},"extra":1}`)
	wantParams(`{"variables":"not an object"}`)
}

func TestStatusOf(t *testing.T) {
	if got := statusOf(apierror.New(apierror.CodeNotFound, "x")); got != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", got)
	}
	if got := statusOf(http.ErrBodyNotAllowed); got != http.StatusInternalServerError {
		t.Errorf("Expected 500 fallback, got %d", got)
	}
}

func TestSetRateHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	setRateHeaders(rr, ingress.Decision{
		Allowed:        true,
		LimitRPM:       100,
		RemainingRPM:   42,
		LimitDaily:     10000,
		RemainingDaily: 9000,
	})
	if rr.Header().Get("X-RateLimit-Remaining-RPM") != "42" {
		t.Errorf("Unexpected RPM header: %q", rr.Header().Get("X-RateLimit-Remaining-RPM"))
	}
	if rr.Header().Get("X-RateLimit-Limit-Daily") != "10000" {
		t.Errorf("Unexpected daily header: %q", rr.Header().Get("X-RateLimit-Limit-Daily"))
	}
}

func TestWithIdempotencyReplays(t *testing.T) {
	a := &API{idempotency: idempotency.NewStore(nil)}

	calls := 0
	handler := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sch_1"}`))
	})

	do := func(key string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/schedules", nil)
		if key != "" {
			req.Header.Set("X-Refly-Idempotency-Key", key)
		}
		handler(rr, req)
		return rr
	}

	first := do("k1")
	if first.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("Expected first call executed, got %d calls=%d", first.Code, calls)
	}

	// Same key replays the cached response without re-running the handler.
	second := do("k1")
	if calls != 1 {
		t.Errorf("Expected handler not re-run, got %d calls", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != `{"id":"sch_1"}` {
		t.Errorf("Replay mismatch: %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Test") != "yes" {
		t.Errorf("Expected cached headers replayed, got %+v", second.Header())
	}

	// A different key executes again.
	do("k2")
	if calls != 2 {
		t.Errorf("Expected second execution for new key, got %d", calls)
	}

	// No key always executes.
	do("")
	if calls != 3 {
		t.Errorf("Expected execution without key, got %d", calls)
	}
}
