package main

import (
	"encoding/json"
	"net/http"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/middleware"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// webhookView is the management response shape; the trigger URL is
// derived so clients never build it themselves.
type webhookView struct {
	APIID     string `json:"apiId"`
	CanvasID  string `json:"canvasId"`
	IsEnabled bool   `json:"isEnabled"`
	Timeout   int    `json:"timeout"`
	URL       string `json:"url"`
}

func viewOf(wh *store.Webhook) webhookView {
	return webhookView{
		APIID:     wh.APIID,
		CanvasID:  wh.CanvasID,
		IsEnabled: wh.IsEnabled,
		Timeout:   wh.Timeout,
		URL:       "/v1/openapi/webhook/" + wh.APIID + "/run",
	}
}

type webhookRequest struct {
	CanvasID string `json:"canvasId"`
	Timeout  int    `json:"timeout,omitempty"`
}

func decodeWebhookRequest(w http.ResponseWriter, r *http.Request) (webhookRequest, bool) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid request body"))
		return req, false
	}
	return req, true
}

// POST /v1/webhook/enable
func (a *API) handleWebhookEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	req, ok := decodeWebhookRequest(w, r)
	if !ok {
		return
	}
	wh, err := a.webhooks.Enable(r.Context(), uid, req.CanvasID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wh))
}

// POST /v1/webhook/disable
func (a *API) handleWebhookDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	req, ok := decodeWebhookRequest(w, r)
	if !ok {
		return
	}
	wh, err := a.webhooks.Disable(r.Context(), uid, req.CanvasID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wh))
}

// POST /v1/webhook/reset rotates the api id.
func (a *API) handleWebhookReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	req, ok := decodeWebhookRequest(w, r)
	if !ok {
		return
	}
	wh, err := a.webhooks.Reset(r.Context(), uid, req.CanvasID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wh))
}

// POST /v1/webhook/update
func (a *API) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	req, ok := decodeWebhookRequest(w, r)
	if !ok {
		return
	}
	wh, err := a.webhooks.Update(r.Context(), uid, req.CanvasID, req.Timeout)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wh))
}

// GET /v1/webhook/config?canvasId=...
func (a *API) handleWebhookConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	wh, err := a.webhooks.Config(r.Context(), uid, r.URL.Query().Get("canvasId"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wh))
}

// GET /v1/webhook/history?canvasId=...&limit=...
func (a *API) handleWebhookHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit")
	calls, err := a.webhooks.History(r.Context(), uid, r.URL.Query().Get("canvasId"), limit)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if calls == nil {
		calls = []*store.APICallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}
