package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/middleware"
	"github.com/reflyai/triggerplane/control_plane/scheduler"
	"github.com/reflyai/triggerplane/control_plane/store"
)

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// POST /v1/schedule — create-or-merge the canvas's schedule.
func (a *API) handleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	var req scheduler.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid request body"))
		return
	}
	sched, err := a.schedules.Upsert(r.Context(), uid, req)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// GET /v1/schedule?canvasId=...
func (a *API) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	sched, err := a.schedules.Get(r.Context(), uid, r.URL.Query().Get("canvasId"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// GET /v1/schedule/list
func (a *API) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	scheds, err := a.schedules.List(r.Context(), uid)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if scheds == nil {
		scheds = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

// POST /v1/schedule/delete
func (a *API) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	var req struct {
		ScheduleID string `json:"scheduleId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid request body"))
		return
	}
	if err := a.schedules.Delete(r.Context(), uid, req.ScheduleID); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /v1/schedule/records?scheduleId=...&limit=...
func (a *API) handleScheduleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	recs, err := a.schedules.Records(r.Context(), uid, r.URL.Query().Get("scheduleId"), queryInt(r, "limit"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if recs == nil {
		recs = []*store.ScheduleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// POST /v1/schedule/record/retry
func (a *API) handleScheduleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.MustUID(w, r)
	if !ok {
		return
	}
	var req struct {
		RecordID string `json:"recordId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeRequestParams, "Invalid request body"))
		return
	}
	rec, err := a.schedules.Retry(r.Context(), uid, req.RecordID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
