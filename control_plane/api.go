package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/idempotency"
	"github.com/reflyai/triggerplane/control_plane/ingress"
	"github.com/reflyai/triggerplane/control_plane/middleware"
	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/sandbox"
	"github.com/reflyai/triggerplane/control_plane/scheduler"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/timeline"
	"github.com/reflyai/triggerplane/control_plane/trigger"
)

// maxTriggerBody caps inbound trigger payloads.
const maxTriggerBody = 1 << 20 // 1 MiB

type API struct {
	store     store.Store
	schedules *scheduler.Service
	webhooks  *trigger.WebhookService
	openapi   *trigger.OpenAPIService
	tracker   *trigger.CallTracker
	scalebox  *sandbox.Scalebox

	webhookCache *ingress.WebhookConfigCache

	// Per-user ingress guards, one set per trigger surface
	openapiLimits   *ingress.RateLimiter
	webhookLimits   *ingress.RateLimiter
	openapiDebounce *ingress.Debouncer
	webhookDebounce *ingress.Debouncer

	// Services
	timeline *timeline.Store
	wsHub    *RecordHub

	idempotency *idempotency.Store

	// Storm Protection
	triggerLimiter *rate.Limiter
}

func NewAPI(st store.Store, schedules *scheduler.Service, webhooks *trigger.WebhookService, openapi *trigger.OpenAPIService, tracker *trigger.CallTracker, box *sandbox.Scalebox, cache *ingress.WebhookConfigCache, redis *store.RedisStore, tl *timeline.Store, hub *RecordHub, idem *idempotency.Store) *API {
	return &API{
		store:           st,
		schedules:       schedules,
		webhooks:        webhooks,
		openapi:         openapi,
		tracker:         tracker,
		scalebox:        box,
		webhookCache:    cache,
		openapiLimits:   ingress.NewRateLimiter(redis, ingress.NamespaceOpenAPI),
		webhookLimits:   ingress.NewRateLimiter(redis, ingress.NamespaceWebhook),
		openapiDebounce: ingress.NewDebouncer(redis, ingress.NamespaceOpenAPI),
		webhookDebounce: ingress.NewDebouncer(redis, ingress.NamespaceWebhook),
		timeline:        tl,
		wsHub:           hub,
		idempotency:     idem,
		// Allow 200 trigger calls/sec process-wide, burst 400
		triggerLimiter: rate.NewLimiter(rate.Limit(200), 400),
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Refly-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError writes a 429 response with Jittered Retry-After
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000)) // Seconds
	apierror.Write(w, apierror.New(apierror.CodeRateLimited, "Too Many Requests (Storm Protection Active)"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setRateHeaders exposes the limiter verdict on every trigger response.
func setRateHeaders(w http.ResponseWriter, d ingress.Decision) {
	w.Header().Set("X-RateLimit-Limit-RPM", strconv.Itoa(d.LimitRPM))
	w.Header().Set("X-RateLimit-Remaining-RPM", strconv.Itoa(d.RemainingRPM))
	w.Header().Set("X-RateLimit-Limit-Daily", strconv.Itoa(d.LimitDaily))
	w.Header().Set("X-RateLimit-Remaining-Daily", strconv.Itoa(d.RemainingDaily))
}

// parseTriggerBody accepts an empty body or {"variables": {...}}; any
// other top-level field is a client error.
func parseTriggerBody(body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apierror.New(apierror.CodeRequestParams, "Request body must be a JSON object")
	}
	for key := range parsed {
		if key != "variables" {
			return nil, apierror.Newf(apierror.CodeRequestParams, "Unexpected field %q: only \"variables\" is accepted", key)
		}
	}
	raw, ok := parsed["variables"]
	if !ok {
		return nil, nil
	}
	var runtime map[string]any
	if err := json.Unmarshal(raw, &runtime); err != nil {
		return nil, apierror.New(apierror.CodeRequestParams, "variables must be an object")
	}
	return runtime, nil
}

// -- Trigger surface --

// handleWebhookRun is the public fire-and-forget trigger:
// POST /v1/openapi/webhook/{webhookId}/run
func (a *API) handleWebhookRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Storm Protection
	if !a.triggerLimiter.Allow() {
		observability.TriggerRequests.WithLabelValues("webhook", "rate_limited").Inc()
		a.writeRateLimitError(w, "webhook_run")
		return
	}

	// Extract webhookId from path /v1/openapi/webhook/{webhookId}/run
	rest := strings.TrimPrefix(r.URL.Path, "/v1/openapi/webhook/")
	webhookID := strings.TrimSuffix(rest, "/run")
	if webhookID == "" || webhookID == rest {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid webhook URL"))
		return
	}

	started := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Failed to read request body"))
		return
	}

	cfg, err := a.webhookCache.Get(r.Context(), webhookID)
	if err != nil {
		log.Printf("webhook run: load config %s: %v", webhookID, err)
		apierror.Write(w, err)
		return
	}
	if cfg == nil {
		observability.TriggerRequests.WithLabelValues("webhook", "rejected").Inc()
		apierror.Write(w, apierror.New(apierror.CodeNotFound, "Webhook not found"))
		return
	}

	track := func(status int, failure string) {
		a.tracker.Track(r.Context(), trigger.Call{
			UID:           cfg.UID,
			APIID:         cfg.APIID,
			CanvasID:      cfg.CanvasID,
			Request:       r,
			Body:          body,
			HTTPStatus:    status,
			Started:       started,
			FailureReason: failure,
		})
	}

	decision := a.webhookLimits.Allow(r.Context(), cfg.UID)
	setRateHeaders(w, decision)
	if !decision.Allowed {
		observability.TriggerRequests.WithLabelValues("webhook", "rate_limited").Inc()
		track(http.StatusTooManyRequests, string(apierror.CodeRateLimited))
		apierror.Write(w, apierror.New(apierror.CodeRateLimited, "Rate limit exceeded"))
		return
	}

	runtime, err := parseTriggerBody(body)
	if err != nil {
		observability.TriggerRequests.WithLabelValues("webhook", "rejected").Inc()
		track(http.StatusBadRequest, string(apierror.Classify(err)))
		apierror.Write(w, err)
		return
	}

	fp := ingress.Fingerprint(cfg.UID, webhookID, body)
	if !a.webhookDebounce.Allow(r.Context(), fp) {
		observability.TriggerRequests.WithLabelValues("webhook", "debounced").Inc()
		track(http.StatusConflict, string(apierror.CodeDuplicateRequest))
		apierror.Write(w, apierror.New(apierror.CodeDuplicateRequest, "Duplicate request"))
		return
	}

	if err := a.webhooks.RunWorkflow(r.Context(), cfg, runtime); err != nil {
		observability.TriggerRequests.WithLabelValues("webhook", "error").Inc()
		track(http.StatusInternalServerError, string(apierror.Classify(err)))
		apierror.Write(w, err)
		return
	}

	observability.TriggerRequests.WithLabelValues("webhook", "accepted").Inc()
	track(http.StatusOK, "")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleWorkflowRun is the authenticated synchronous trigger:
// POST /v1/openapi/workflow/run
func (a *API) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}

	started := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Failed to read request body"))
		return
	}

	var req struct {
		CanvasID  string         `json:"canvasId"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Request body must be a JSON object"))
		return
	}

	track := func(status int, executionID, failure string) {
		a.tracker.Track(r.Context(), trigger.Call{
			UID:                 uid,
			CanvasID:            req.CanvasID,
			WorkflowExecutionID: executionID,
			Request:             r,
			Body:                body,
			HTTPStatus:          status,
			Started:             started,
			FailureReason:       failure,
		})
	}

	decision := a.openapiLimits.Allow(r.Context(), uid)
	setRateHeaders(w, decision)
	if !decision.Allowed {
		observability.TriggerRequests.WithLabelValues("openapi", "rate_limited").Inc()
		track(http.StatusTooManyRequests, "", string(apierror.CodeRateLimited))
		apierror.Write(w, apierror.New(apierror.CodeRateLimited, "Rate limit exceeded"))
		return
	}

	fp := ingress.Fingerprint(uid, req.CanvasID, body)
	if !a.openapiDebounce.Allow(r.Context(), fp) {
		observability.TriggerRequests.WithLabelValues("openapi", "debounced").Inc()
		track(http.StatusConflict, "", string(apierror.CodeDuplicateRequest))
		apierror.Write(w, apierror.New(apierror.CodeDuplicateRequest, "Duplicate request"))
		return
	}

	result, err := a.openapi.RunWorkflow(r.Context(), uid, req.CanvasID, req.Variables)
	if err != nil {
		observability.TriggerRequests.WithLabelValues("openapi", "error").Inc()
		track(statusOf(err), "", string(apierror.Classify(err)))
		apierror.Write(w, err)
		return
	}

	observability.TriggerRequests.WithLabelValues("openapi", "accepted").Inc()
	track(http.StatusOK, result.ExecutionID, "")
	writeJSON(w, http.StatusOK, result)
}

func statusOf(err error) int {
	if apiErr, ok := err.(*apierror.Error); ok {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// handleScaleboxExecute runs one code step on a pooled sandbox:
// POST /v1/scalebox/execute
func (a *API) handleScaleboxExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}

	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBody)).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid request body"))
		return
	}

	resp, err := a.scalebox.Execute(r.Context(), uid, req)
	if err != nil {
		// Sandbox errors are plain types; classify so overload surfaces
		// as 503 and lock contention as a retryable failure, not a 500.
		if code := apierror.Classify(err); code != apierror.CodeInternal {
			err = apierror.New(code, err.Error())
		}
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRecentRecords serves the timeline snapshot for the dashboard:
// GET /v1/records/recent
func (a *API) handleRecentRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	events := a.timeline.GetEventsByUser(uid)
	if events == nil {
		events = []timeline.RecordEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
