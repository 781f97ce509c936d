// Package workflow declares the boundary to the external workflow engine.
// The control plane never interprets canvas nodes itself; it hands the
// canvas body and normalized variables across this interface.
package workflow

import (
	"context"

	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
)

// ExecuteOptions carries the trigger provenance the engine stamps onto
// the execution it creates.
type ExecuteOptions struct {
	ScheduleID       string `json:"scheduleId,omitempty"`
	ScheduleRecordID string `json:"scheduleRecordId,omitempty"`
	TriggerType      string `json:"triggerType"`
	// ExecutionID, when set, is the pre-allocated id the engine must use;
	// direct triggers return it to the caller before the run finishes.
	ExecutionID string `json:"executionId,omitempty"`
}

// Execution is what the engine reports back for a started run.
type Execution struct {
	ExecutionID string `json:"executionId"`
	// CanvasID is the cloned execution canvas the engine worked on.
	CanvasID string `json:"canvasId"`
}

// Engine is the external workflow engine. Implementations are remote;
// errors cross this boundary as plain errors and are classified by the
// caller.
type Engine interface {
	ExecuteFromCanvasData(ctx context.Context, uid string, canvas *store.Canvas, vars []variables.WorkflowVariable, opts ExecuteOptions) (*Execution, error)
}
