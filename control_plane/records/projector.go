// Package records keeps ScheduleRecord rows consistent with external
// execution state across the pending → running → success/failed
// progression, for both scheduled and direct triggers.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/streaming"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// TopicRecordTransitions is the streaming topic record changes go out on.
const TopicRecordTransitions = "schedule.record"

// errorDetailsMax caps the persisted errorDetails JSON.
const errorDetailsMax = 4096

// Projector owns all status transitions on ScheduleRecord rows.
type Projector struct {
	store store.Store
	// publisher receives every transition; nil disables streaming.
	publisher streaming.Publisher
}

func NewProjector(st store.Store, publisher streaming.Publisher) *Projector {
	return &Projector{store: st, publisher: publisher}
}

// TransitionEvent is the streamed shape of one record change.
type TransitionEvent struct {
	RecordID   string `json:"recordId"`
	ScheduleID string `json:"scheduleId,omitempty"`
	UID        string `json:"uid"`
	Status     string `json:"status"`
}

func (p *Projector) publish(ctx context.Context, rec *store.ScheduleRecord) {
	observability.RecordTransitions.WithLabelValues(rec.Status).Inc()
	if p.publisher == nil {
		return
	}
	event := TransitionEvent{
		RecordID:   rec.ScheduleRecordID,
		ScheduleID: rec.ScheduleID,
		UID:        rec.UID,
		Status:     rec.Status,
	}
	if err := p.publisher.Publish(ctx, TopicRecordTransitions, event); err != nil {
		log.Printf("projector: publish transition for %s: %v", rec.ScheduleRecordID, err)
	}
}

// CreateRunning materializes a record already in the running state, used
// by webhook and API triggers which skip the queued phase.
func (p *Projector) CreateRunning(ctx context.Context, uid, sourceCanvasID, title, scheduleID string) (*store.ScheduleRecord, error) {
	now := time.Now()
	rec := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		ScheduleID:       scheduleID,
		UID:              uid,
		SourceCanvasID:   sourceCanvasID,
		WorkflowTitle:    title,
		Status:           store.RecordStatusRunning,
		ScheduledAt:      now,
		TriggeredAt:      &now,
		CreatedAt:        now,
	}
	if err := p.store.CreateScheduleRecord(ctx, rec); err != nil {
		return nil, err
	}
	p.publish(ctx, rec)
	return rec, nil
}

// MarkRunning flips a pending record to running.
func (p *Projector) MarkRunning(ctx context.Context, rec *store.ScheduleRecord) error {
	rec.Status = store.RecordStatusRunning
	if rec.TriggeredAt == nil {
		now := time.Now()
		rec.TriggeredAt = &now
	}
	if err := p.store.UpdateScheduleRecord(ctx, rec); err != nil {
		return err
	}
	p.publish(ctx, rec)
	return nil
}

// Complete projects the outcome of an ExecuteFromCanvasData call onto
// the record: success fills in the cloned canvas and execution ids,
// failure persists a classified reason and truncated details.
func (p *Projector) Complete(ctx context.Context, rec *store.ScheduleRecord, exec *workflow.Execution, execErr error) error {
	now := time.Now()
	rec.CompletedAt = &now

	if execErr == nil {
		rec.Status = store.RecordStatusSuccess
		if exec != nil {
			rec.CanvasID = exec.CanvasID
			rec.WorkflowExecutionID = exec.ExecutionID
		}
	} else {
		rec.Status = store.RecordStatusFailed
		rec.FailureReason = string(apierror.Classify(execErr))
		rec.ErrorDetails = encodeErrorDetails(execErr)
	}

	if err := p.store.UpdateScheduleRecord(ctx, rec); err != nil {
		return err
	}
	p.publish(ctx, rec)
	return nil
}

// MarkSkipped terminates a record whose schedule was disabled or deleted
// between enqueue and processing.
func (p *Projector) MarkSkipped(ctx context.Context, rec *store.ScheduleRecord, reason string) error {
	now := time.Now()
	rec.Status = store.RecordStatusSkipped
	rec.FailureReason = reason
	rec.CompletedAt = &now
	if err := p.store.UpdateScheduleRecord(ctx, rec); err != nil {
		return err
	}
	p.publish(ctx, rec)
	return nil
}

// PrepareRetry validates and resets a failed record for re-execution.
// Only failed records holding a snapshot are retryable, and the parent
// schedule must still exist undeleted. The returned record is back in
// pending with its failure fields cleared.
func (p *Projector) PrepareRetry(ctx context.Context, uid, recordID string) (*store.ScheduleRecord, error) {
	rec, err := p.store.GetScheduleRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UID != uid {
		return nil, apierror.New(apierror.CodeNotFound, "Schedule record not found")
	}
	if rec.Status != store.RecordStatusFailed {
		return nil, apierror.New(apierror.CodeRequestParams, "Only failed records can be retried")
	}
	if rec.SnapshotStorageKey == "" {
		return nil, apierror.New(apierror.CodeRequestParams, "Record has no snapshot to retry from")
	}
	if rec.ScheduleID != "" {
		sched, err := p.store.GetSchedule(ctx, rec.ScheduleID)
		if err != nil {
			return nil, err
		}
		if sched == nil || sched.DeletedAt != nil {
			return nil, apierror.New(apierror.CodeNotFound, "Parent schedule no longer exists")
		}
	}

	rec.Status = store.RecordStatusPending
	rec.FailureReason = ""
	rec.ErrorDetails = ""
	rec.CompletedAt = nil
	rec.WorkflowExecutionID = ""
	if err := p.store.UpdateScheduleRecord(ctx, rec); err != nil {
		return nil, err
	}
	p.publish(ctx, rec)
	return rec, nil
}

// encodeErrorDetails serializes {message, name, stack} truncated to the
// column budget.
func encodeErrorDetails(err error) string {
	details := map[string]string{
		"message": err.Error(),
		"name":    fmt.Sprintf("%T", err),
	}
	data, merr := json.Marshal(details)
	if merr != nil {
		return ""
	}
	if len(data) > errorDetailsMax {
		data = data[:errorDetailsMax]
	}
	return string(data)
}
