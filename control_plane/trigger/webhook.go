// Package trigger implements the webhook and OpenAPI trigger surfaces:
// endpoint management, workflow kickoff and redacted call tracking.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/ingress"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// DefaultWebhookTimeout is the execution budget when none is configured.
const DefaultWebhookTimeout = 60

// WebhookService manages webhook endpoints and runs workflows they
// trigger.
type WebhookService struct {
	store      store.Store
	cache      *ingress.WebhookConfigCache
	normalizer *variables.Normalizer
	projector  *records.Projector
	engine     workflow.Engine
}

func NewWebhookService(st store.Store, cache *ingress.WebhookConfigCache, normalizer *variables.Normalizer, projector *records.Projector, engine workflow.Engine) *WebhookService {
	return &WebhookService{store: st, cache: cache, normalizer: normalizer, projector: projector, engine: engine}
}

// Enable creates the canvas's webhook or revives an existing row. The
// uniqueness constraint includes soft-deleted rows, so a previously
// deleted webhook comes back with its old api id.
func (s *WebhookService) Enable(ctx context.Context, uid, canvasID string) (*store.Webhook, error) {
	if canvasID == "" {
		return nil, apierror.New(apierror.CodeRequestParams, "canvasId is required")
	}
	canvas, err := s.store.GetCanvas(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	if canvas == nil {
		return nil, apierror.New(apierror.CodeNotFound, "Canvas not found")
	}

	now := time.Now()
	wh, err := s.store.GetWebhookByCanvas(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	if wh == nil {
		wh = &store.Webhook{
			APIID:     ids.NewWebhookID(),
			UID:       uid,
			CanvasID:  canvasID,
			IsEnabled: true,
			Timeout:   DefaultWebhookTimeout,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		wh.IsEnabled = true
		wh.DeletedAt = nil
		wh.UpdatedAt = now
		if wh.Timeout == 0 {
			wh.Timeout = DefaultWebhookTimeout
		}
	}
	if err := s.store.UpsertWebhook(ctx, wh); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, wh.APIID)
	return wh, nil
}

// Disable turns the endpoint off without deleting it.
func (s *WebhookService) Disable(ctx context.Context, uid, canvasID string) (*store.Webhook, error) {
	wh, err := s.owned(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	wh.IsEnabled = false
	wh.UpdatedAt = time.Now()
	if err := s.store.UpsertWebhook(ctx, wh); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, wh.APIID)
	return wh, nil
}

// Reset rotates the api id on the same row, invalidating callers holding
// the old URL.
func (s *WebhookService) Reset(ctx context.Context, uid, canvasID string) (*store.Webhook, error) {
	wh, err := s.owned(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	oldID := wh.APIID
	wh.APIID = ids.NewWebhookID()
	wh.UpdatedAt = time.Now()
	if err := s.store.UpsertWebhook(ctx, wh); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, oldID)
	s.cache.Invalidate(ctx, wh.APIID)
	return wh, nil
}

// Update changes the execution timeout.
func (s *WebhookService) Update(ctx context.Context, uid, canvasID string, timeout int) (*store.Webhook, error) {
	if timeout <= 0 {
		return nil, apierror.New(apierror.CodeRequestParams, "timeout must be positive")
	}
	wh, err := s.owned(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	wh.Timeout = timeout
	wh.UpdatedAt = time.Now()
	if err := s.store.UpsertWebhook(ctx, wh); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, wh.APIID)
	return wh, nil
}

// Config returns the caller's webhook for a canvas.
func (s *WebhookService) Config(ctx context.Context, uid, canvasID string) (*store.Webhook, error) {
	return s.owned(ctx, uid, canvasID)
}

// History lists the recent inbound calls against the caller's webhook.
func (s *WebhookService) History(ctx context.Context, uid, canvasID string, limit int) ([]*store.APICallRecord, error) {
	wh, err := s.owned(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListAPICallRecords(ctx, uid, wh.APIID, limit)
}

func (s *WebhookService) owned(ctx context.Context, uid, canvasID string) (*store.Webhook, error) {
	wh, err := s.store.GetWebhookByCanvas(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	if wh == nil || wh.DeletedAt != nil {
		return nil, apierror.New(apierror.CodeNotFound, "Webhook not found")
	}
	return wh, nil
}

// RunWorkflow is the fire-and-forget webhook trigger path: the record is
// materialized in running state and the engine call completes in the
// background while the HTTP response returns immediately.
func (s *WebhookService) RunWorkflow(ctx context.Context, cfg *ingress.WebhookConfig, runtime map[string]any) error {
	if !cfg.IsEnabled {
		return apierror.New(apierror.CodeForbidden, "Webhook is disabled")
	}

	canvas, err := s.store.GetCanvas(ctx, cfg.UID, cfg.CanvasID)
	if err != nil {
		return err
	}
	if canvas == nil {
		return apierror.New(apierror.CodeNotFound, "Canvas not found")
	}

	vars, err := normalizeAgainstCanvas(ctx, s.normalizer, cfg.UID, canvas, runtime)
	if err != nil {
		return err
	}

	rec, err := s.projector.CreateRunning(ctx, cfg.UID, cfg.CanvasID, canvas.Title, "")
	if err != nil {
		return err
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout * time.Second
	}
	go s.runDetached(cfg.UID, canvas, vars, rec, timeout, store.TriggerTypeWebhook)
	return nil
}

// projectionTimeout bounds the terminal store write of a detached run.
const projectionTimeout = 15 * time.Second

// runDetached executes the workflow on a fresh context so the HTTP
// request finishing does not cancel the run.
func (s *WebhookService) runDetached(uid string, canvas *store.Canvas, vars []variables.WorkflowVariable, rec *store.ScheduleRecord, timeout time.Duration, triggerType string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exec, err := s.engine.ExecuteFromCanvasData(ctx, uid, canvas, vars, workflow.ExecuteOptions{
		ScheduleRecordID: rec.ScheduleRecordID,
		TriggerType:      triggerType,
		ExecutionID:      rec.WorkflowExecutionID,
	})

	// The run's deadline is often the very reason err is non-nil; the
	// terminal projection gets its own context so the record never
	// strands in running.
	projectCtx, pcancel := context.WithTimeout(context.Background(), projectionTimeout)
	defer pcancel()
	if perr := s.projector.Complete(projectCtx, rec, exec, err); perr != nil {
		log.Printf("trigger: project record %s: %v", rec.ScheduleRecordID, perr)
	}
	if err != nil {
		log.Printf("trigger: workflow for record %s failed: %v", rec.ScheduleRecordID, err)
	}
}

// normalizeAgainstCanvas decodes the canvas declarations and merges the
// runtime bag into them.
func normalizeAgainstCanvas(ctx context.Context, n *variables.Normalizer, uid string, canvas *store.Canvas, runtime map[string]any) ([]variables.WorkflowVariable, error) {
	var declared []variables.WorkflowVariable
	if canvas.Variables != "" {
		if err := json.Unmarshal([]byte(canvas.Variables), &declared); err != nil {
			return nil, fmt.Errorf("decode canvas variables: %w", err)
		}
	}
	return n.Normalize(ctx, uid, runtime, declared)
}
