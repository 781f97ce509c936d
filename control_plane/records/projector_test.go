package records

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// capturePublisher records everything published for assertions.
type capturePublisher struct {
	topics []string
	events []TransitionEvent
}

func (c *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	c.topics = append(c.topics, topic)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var ev TransitionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) last(t *testing.T) TransitionEvent {
	t.Helper()
	if len(c.events) == 0 {
		t.Fatal("Expected at least one published event")
	}
	return c.events[len(c.events)-1]
}

func TestCreateRunning(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	p := NewProjector(st, pub)
	ctx := context.Background()

	rec, err := p.CreateRunning(ctx, "u1", "c1", "My Workflow", "")
	if err != nil {
		t.Fatalf("CreateRunning: %v", err)
	}
	if rec.Status != store.RecordStatusRunning || rec.TriggeredAt == nil {
		t.Errorf("Expected running record with trigger time, got %+v", rec)
	}
	if rec.SourceCanvasID != "c1" || rec.WorkflowTitle != "My Workflow" {
		t.Errorf("Record fields not set: %+v", rec)
	}

	persisted, _ := st.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if persisted == nil {
		t.Fatal("Expected record persisted")
	}

	ev := pub.last(t)
	if ev.Status != store.RecordStatusRunning || ev.UID != "u1" || ev.RecordID != rec.ScheduleRecordID {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if pub.topics[0] != TopicRecordTransitions {
		t.Errorf("Expected topic %s, got %s", TopicRecordTransitions, pub.topics[0])
	}
}

func TestCompleteSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	p := NewProjector(st, pub)
	ctx := context.Background()

	rec, _ := p.CreateRunning(ctx, "u1", "c1", "", "sch_1")
	exec := &workflow.Execution{ExecutionID: "exec_9", CanvasID: "c1-clone"}
	if err := p.Complete(ctx, rec, exec, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	after, _ := st.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusSuccess || after.CompletedAt == nil {
		t.Errorf("Expected success terminal record, got %+v", after)
	}
	if after.WorkflowExecutionID != "exec_9" || after.CanvasID != "c1-clone" {
		t.Errorf("Expected execution ids captured, got %+v", after)
	}

	if ev := pub.last(t); ev.Status != store.RecordStatusSuccess || ev.ScheduleID != "sch_1" {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestCompleteFailureClassifies(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewProjector(st, nil)
	ctx := context.Background()

	rec, _ := p.CreateRunning(ctx, "u1", "c1", "", "")
	execErr := errors.New("workflow engine: rate limit exceeded upstream")
	if err := p.Complete(ctx, rec, nil, execErr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	after, _ := st.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusFailed {
		t.Fatalf("Expected failed, got %s", after.Status)
	}
	if after.FailureReason != string(apierror.CodeRateLimited) {
		t.Errorf("Expected classified reason, got %q", after.FailureReason)
	}
	var details map[string]string
	if err := json.Unmarshal([]byte(after.ErrorDetails), &details); err != nil {
		t.Fatalf("errorDetails not JSON: %q", after.ErrorDetails)
	}
	if !strings.Contains(details["message"], "rate limit exceeded") {
		t.Errorf("Expected original message in details, got %q", details["message"])
	}
}

func TestCompleteFailureDomainErrorKeepsCode(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewProjector(st, nil)
	ctx := context.Background()

	rec, _ := p.CreateRunning(ctx, "u1", "c1", "", "")
	execErr := apierror.New(apierror.CodeInsufficientCredits, "Not enough credits")
	if err := p.Complete(ctx, rec, nil, execErr); err != nil {
		t.Fatal(err)
	}
	after, _ := st.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.FailureReason != string(apierror.CodeInsufficientCredits) {
		t.Errorf("Expected domain code preserved, got %q", after.FailureReason)
	}
}

func TestMarkRunningAndSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	p := NewProjector(st, pub)
	ctx := context.Background()

	rec := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		UID:              "u1",
		ScheduleID:       "sch_1",
		SourceCanvasID:   "c1",
		Status:           store.RecordStatusPending,
		ScheduledAt:      time.Now(),
	}
	if err := st.CreateScheduleRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := p.MarkRunning(ctx, rec); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if rec.TriggeredAt == nil {
		t.Error("Expected triggeredAt set by MarkRunning")
	}
	if ev := pub.last(t); ev.Status != store.RecordStatusRunning {
		t.Errorf("Expected running event, got %+v", ev)
	}

	if err := p.MarkSkipped(ctx, rec, "schedule disabled before execution"); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}
	after, _ := st.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusSkipped || after.CompletedAt == nil {
		t.Errorf("Expected terminal skipped record, got %+v", after)
	}
	if after.FailureReason != "schedule disabled before execution" {
		t.Errorf("Expected skip reason persisted, got %q", after.FailureReason)
	}
}

func TestPrepareRetry(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	p := NewProjector(st, pub)
	ctx := context.Background()

	sched := &store.Schedule{ScheduleID: "sch_1", UID: "u1", CanvasID: "c1", CronExpression: "0 * * * *"}
	if err := st.UpsertScheduleForCanvas(ctx, sched); err != nil {
		t.Fatal(err)
	}
	done := time.Now()
	rec := &store.ScheduleRecord{
		ScheduleRecordID:    ids.NewScheduleRecordID(),
		ScheduleID:          "sch_1",
		UID:                 "u1",
		SourceCanvasID:      "c1",
		Status:              store.RecordStatusFailed,
		SnapshotStorageKey:  "snapshots/u1/s",
		FailureReason:       "internal_error",
		ErrorDetails:        `{"message":"boom"}`,
		WorkflowExecutionID: "exec_old",
		CompletedAt:         &done,
	}
	if err := st.CreateScheduleRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := p.PrepareRetry(ctx, "u1", rec.ScheduleRecordID)
	if err != nil {
		t.Fatalf("PrepareRetry: %v", err)
	}
	if got.Status != store.RecordStatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.FailureReason != "" || got.ErrorDetails != "" || got.CompletedAt != nil || got.WorkflowExecutionID != "" {
		t.Errorf("Expected failure fields cleared, got %+v", got)
	}
	if got.SnapshotStorageKey != "snapshots/u1/s" {
		t.Error("Expected snapshot key kept for re-execution")
	}
	if ev := pub.last(t); ev.Status != store.RecordStatusPending {
		t.Errorf("Expected pending event, got %+v", ev)
	}
}

func TestPrepareRetryRejections(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewProjector(st, nil)
	ctx := context.Background()

	wantCode := func(err error, code apierror.Code) {
		t.Helper()
		var apiErr *apierror.Error
		if !errors.As(err, &apiErr) || apiErr.Code != code {
			t.Errorf("Expected %s, got %v", code, err)
		}
	}

	_, err := p.PrepareRetry(ctx, "u1", "sr_nope")
	wantCode(err, apierror.CodeNotFound)

	done := time.Now()
	running := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		UID:              "u1",
		Status:           store.RecordStatusRunning,
	}
	st.CreateScheduleRecord(ctx, running)
	_, err = p.PrepareRetry(ctx, "u1", running.ScheduleRecordID)
	wantCode(err, apierror.CodeRequestParams)

	// Failed before a snapshot existed: nothing to retry from.
	early := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		UID:              "u1",
		Status:           store.RecordStatusFailed,
		CompletedAt:      &done,
	}
	st.CreateScheduleRecord(ctx, early)
	_, err = p.PrepareRetry(ctx, "u1", early.ScheduleRecordID)
	wantCode(err, apierror.CodeRequestParams)

	// Parent schedule gone.
	orphan := &store.ScheduleRecord{
		ScheduleRecordID:   ids.NewScheduleRecordID(),
		ScheduleID:         "sch_gone",
		UID:                "u1",
		Status:             store.RecordStatusFailed,
		SnapshotStorageKey: "snapshots/u1/o",
		CompletedAt:        &done,
	}
	st.CreateScheduleRecord(ctx, orphan)
	_, err = p.PrepareRetry(ctx, "u1", orphan.ScheduleRecordID)
	wantCode(err, apierror.CodeNotFound)
}
