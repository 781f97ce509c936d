package trigger

import (
	"context"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// apiRunTimeout bounds a detached API-triggered execution.
const apiRunTimeout = 10 * time.Minute

// OpenAPIService runs workflows for authenticated API callers. Unlike
// the webhook path it hands back an execution id synchronously.
type OpenAPIService struct {
	store      store.Store
	normalizer *variables.Normalizer
	projector  *records.Projector
	engine     workflow.Engine
	webhooks   *WebhookService
}

func NewOpenAPIService(st store.Store, normalizer *variables.Normalizer, projector *records.Projector, engine workflow.Engine, webhooks *WebhookService) *OpenAPIService {
	return &OpenAPIService{store: st, normalizer: normalizer, projector: projector, engine: engine, webhooks: webhooks}
}

// RunResult is the synchronous API trigger response.
type RunResult struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// RunWorkflow validates ownership, materializes a running record with a
// pre-allocated execution id, kicks off the engine in the background and
// returns immediately.
func (s *OpenAPIService) RunWorkflow(ctx context.Context, uid, canvasID string, runtime map[string]any) (*RunResult, error) {
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

	vars, err := normalizeAgainstCanvas(ctx, s.normalizer, uid, canvas, runtime)
	if err != nil {
		return nil, err
	}

	rec, err := s.projector.CreateRunning(ctx, uid, canvasID, canvas.Title, "")
	if err != nil {
		return nil, err
	}
	rec.WorkflowExecutionID = ids.NewExecutionID()
	if err := s.store.UpdateScheduleRecord(ctx, rec); err != nil {
		return nil, err
	}

	go s.webhooks.runDetached(uid, canvas, vars, rec, apiRunTimeout, store.TriggerTypeAPI)

	return &RunResult{ExecutionID: rec.WorkflowExecutionID, Status: "running"}, nil
}
