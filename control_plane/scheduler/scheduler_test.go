package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

type env struct {
	store *store.MemoryStore
	redis *store.RedisStore
	mr    *miniredis.Miniredis
	queue *queue.Queue
	cfg   Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs, err := store.NewRedisStoreFromClient(client)
	if err != nil {
		t.Fatalf("NewRedisStoreFromClient: %v", err)
	}
	return &env{
		store: store.NewMemoryStore(),
		redis: rs,
		mr:    mr,
		queue: queue.New("scheduleExecution", client),
		cfg:   DefaultConfig(),
	}
}

func (e *env) engine() *Engine {
	return NewEngine(e.store, e.redis, e.queue, NewPriorityService(e.store, e.cfg), e.cfg)
}

// seedSchedule creates an enabled schedule with a canvas, due in the past.
func (e *env) seedSchedule(t *testing.T, uid, canvasID string, createdAt time.Time) *store.Schedule {
	t.Helper()
	ctx := context.Background()
	e.store.PutCanvas(&store.Canvas{CanvasID: canvasID, UID: uid, Title: "Canvas " + canvasID})
	past := time.Now().Add(-time.Minute)
	sched := &store.Schedule{
		ScheduleID:     ids.NewScheduleID(),
		UID:            uid,
		CanvasID:       canvasID,
		Name:           "daily digest",
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		IsEnabled:      true,
		NextRunAt:      &past,
		CreatedAt:      createdAt,
	}
	if err := e.store.UpsertScheduleForCanvas(ctx, sched); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return sched
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)

	next, err := NextRun("*/5 * * * *", "UTC", now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next run %v, got %v", want, next)
	}

	// The expression is evaluated in the schedule's timezone: 09:00 in
	// Shanghai is 01:00 UTC.
	next, err = NextRun("0 9 * * *", "Asia/Shanghai", now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if next.UTC().Hour() != 1 {
		t.Errorf("Expected 09:00 Shanghai == 01:00 UTC, got %v", next.UTC())
	}

	if _, err := NextRun("not a cron", "UTC", now); err == nil {
		t.Error("Expected parse error for invalid expression")
	}
	// Six-field (seconds) form is rejected.
	if _, err := NextRun("0 0 9 * * *", "UTC", now); err == nil {
		t.Error("Expected six-field expression to be rejected")
	}
	if _, err := NextRun("*/5 * * * *", "Mars/Olympus", now); err == nil {
		t.Error("Expected unknown timezone to be rejected")
	}
}

func TestCheckAndTriggerSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	eng := e.engine()

	if err := eng.CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
		t.Fatalf("CheckAndTriggerSchedule: %v", err)
	}

	// The cron cursor advanced.
	after, _ := e.store.GetSchedule(ctx, sched.ScheduleID)
	if after.LastRunAt == nil {
		t.Error("Expected lastRunAt to be set")
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(time.Now()) {
		t.Errorf("Expected nextRunAt in the future, got %v", after.NextRunAt)
	}

	// Two-phase records: one pending for this tick, one scheduled for the
	// next occurrence.
	recs, err := e.store.ListScheduleRecords(ctx, "u1", sched.ScheduleID, 10)
	if err != nil {
		t.Fatal(err)
	}
	byStatus := map[string]*store.ScheduleRecord{}
	for _, rec := range recs {
		byStatus[rec.Status] = rec
	}
	pending := byStatus[store.RecordStatusPending]
	if pending == nil {
		t.Fatalf("Expected a pending record, got %d records", len(recs))
	}
	if pending.TriggeredAt == nil || pending.WorkflowTitle != "Canvas c1" {
		t.Errorf("Pending record incomplete: %+v", pending)
	}
	upcoming := byStatus[store.RecordStatusScheduled]
	if upcoming == nil {
		t.Fatal("Expected a scheduled record for the next occurrence")
	}
	if !upcoming.ScheduledAt.Equal(*after.NextRunAt) {
		t.Errorf("Expected scheduled record at %v, got %v", after.NextRunAt, upcoming.ScheduledAt)
	}

	// One execution job, carrying the pending record id.
	jobs, err := e.queue.GetJobs(ctx, []string{queue.StateWaiting})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Expected 1 queued job, got %d err=%v", len(jobs), err)
	}
	var payload ExecutePayload
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ScheduleID != sched.ScheduleID || payload.UID != "u1" || payload.ScheduleRecordID != pending.ScheduleRecordID {
		t.Errorf("Unexpected payload: %+v", payload)
	}
}

func TestSecondTickReusesScheduledRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	eng := e.engine()

	if err := eng.CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
		t.Fatal(err)
	}

	// Force the schedule due again and re-trigger: the existing scheduled
	// record flips to pending instead of a new one being created.
	scheduled, _ := e.store.GetScheduledRecord(ctx, sched.ScheduleID)
	if scheduled == nil {
		t.Fatal("Expected a scheduled record after first tick")
	}
	past := time.Now().Add(-time.Minute)
	if err := e.store.UpdateScheduleRun(ctx, sched.ScheduleID, past, &past); err != nil {
		t.Fatal(err)
	}
	if err := eng.CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
		t.Fatal(err)
	}

	flipped, _ := e.store.GetScheduleRecord(ctx, scheduled.ScheduleRecordID)
	if flipped.Status != store.RecordStatusPending {
		t.Errorf("Expected reused record pending, got %s", flipped.Status)
	}
	recs, _ := e.store.ListScheduleRecords(ctx, "u1", sched.ScheduleID, 10)
	if len(recs) != 3 {
		t.Errorf("Expected 3 records after two ticks (2 pending, 1 scheduled), got %d", len(recs))
	}
}

func TestInvalidCronDisablesSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	// Corrupt the expression after creation, as a bad migration or direct
	// DB edit would.
	sched.CronExpression = "61 * * * *"
	if err := e.store.UpsertScheduleForCanvas(ctx, sched); err != nil {
		t.Fatal(err)
	}

	if err := e.engine().CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
		t.Fatalf("CheckAndTriggerSchedule: %v", err)
	}

	after, _ := e.store.GetSchedule(ctx, sched.ScheduleID)
	if after.IsEnabled {
		t.Error("Expected schedule disabled on invalid cron")
	}
	if after.NextRunAt != nil {
		t.Error("Expected nextRunAt cleared")
	}
	if !strings.Contains(after.ScheduleConfig, "invalid_cron_expression") {
		t.Errorf("Expected disabled reason in scheduleConfig, got %q", after.ScheduleConfig)
	}

	if n, _ := e.queue.Count(ctx); n != 0 {
		t.Errorf("Expected no jobs enqueued, got %d", n)
	}
}

func TestFreshReadSkipsFutureSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	future := time.Now().Add(time.Hour)
	if err := e.store.UpdateScheduleRun(ctx, sched.ScheduleID, time.Now(), &future); err != nil {
		t.Fatal(err)
	}

	if err := e.engine().CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
		t.Fatalf("CheckAndTriggerSchedule: %v", err)
	}

	recs, _ := e.store.ListScheduleRecords(ctx, "u1", sched.ScheduleID, 10)
	if len(recs) != 0 {
		t.Errorf("Expected no records for a schedule not yet due, got %d", len(recs))
	}
	if n, _ := e.queue.Count(ctx); n != 0 {
		t.Errorf("Expected no jobs, got %d", n)
	}
}

func TestScanLockContention(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	// Another replica holds the scan lock.
	if ok, _ := e.redis.AcquireLock(ctx, store.ScanLockKey, "other-replica", time.Minute); !ok {
		t.Fatal("failed to seed foreign lock")
	}

	if err := e.engine().ScanAndTriggerSchedules(ctx); err != nil {
		t.Fatalf("Expected losing replica to return nil, got %v", err)
	}
	if n, _ := e.queue.Count(ctx); n != 0 {
		t.Errorf("Expected losing replica to enqueue nothing, got %d", n)
	}

	// The foreign lock was not released.
	owner, _ := e.redis.GetLockOwner(ctx, store.ScanLockKey)
	if owner != "other-replica" {
		t.Errorf("Expected foreign lock intact, got owner %q", owner)
	}

	// With the lock free the scan triggers the due schedule.
	e.redis.ReleaseLock(ctx, store.ScanLockKey, "other-replica")
	if err := e.engine().ScanAndTriggerSchedules(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := e.queue.Count(ctx); n != 1 {
		t.Errorf("Expected 1 job after winning scan, got %d", n)
	}
	after, _ := e.store.GetSchedule(ctx, sched.ScheduleID)
	if after.LastRunAt == nil {
		t.Error("Expected schedule advanced by winning scan")
	}
	// The winner releases the lock when done.
	owner, _ = e.redis.GetLockOwner(ctx, store.ScanLockKey)
	if owner != "" {
		t.Errorf("Expected scan lock released, got owner %q", owner)
	}
}

func TestQuotaDisablesNewestFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Free plan: quota 3. Five enabled schedules; the oldest triggers.
	base := time.Now().Add(-time.Hour)
	var scheds []*store.Schedule
	for i := 0; i < 5; i++ {
		canvasID := string(rune('a' + i))
		scheds = append(scheds, e.seedSchedule(t, "u1", canvasID, base.Add(time.Duration(i)*time.Minute)))
	}
	current := scheds[0]

	// One of the doomed schedules already has a queued job.
	payload := ExecutePayload{ScheduleID: scheds[4].ScheduleID, UID: "u1"}
	job, err := e.queue.Add(ctx, JobExecuteScheduled, payload, queue.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.engine().CheckAndTriggerSchedule(ctx, current.ScheduleID); err != nil {
		t.Fatalf("CheckAndTriggerSchedule: %v", err)
	}

	// The two newest lose; the current and the two oldest survive.
	for i, sched := range scheds {
		after, _ := e.store.GetSchedule(ctx, sched.ScheduleID)
		wantEnabled := i <= 2
		if after.IsEnabled != wantEnabled {
			t.Errorf("Schedule %d: expected enabled=%v, got %v", i, wantEnabled, after.IsEnabled)
		}
		if !wantEnabled && !strings.Contains(after.ScheduleConfig, "schedule_limit_exceeded") {
			t.Errorf("Schedule %d: expected quota reason, got %q", i, after.ScheduleConfig)
		}
	}

	// The disabled schedule's queued job was removed.
	if _, err := e.queue.GetJob(ctx, job.ID); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("Expected queued job for disabled schedule removed, got %v", err)
	}
}

func TestQuotaNeverDisablesCurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var scheds []*store.Schedule
	for i := 0; i < 4; i++ {
		canvasID := string(rune('a' + i))
		scheds = append(scheds, e.seedSchedule(t, "u1", canvasID, base.Add(time.Duration(i)*time.Minute)))
	}
	// The newest schedule is the one triggering: it must survive even
	// though it would otherwise be first in line to lose.
	current := scheds[3]

	if err := e.engine().CheckAndTriggerSchedule(ctx, current.ScheduleID); err != nil {
		t.Fatal(err)
	}

	after, _ := e.store.GetSchedule(ctx, current.ScheduleID)
	if !after.IsEnabled {
		t.Error("Expected triggering schedule to survive quota enforcement")
	}
	count, _ := e.store.CountActiveSchedules(ctx, "u1")
	if count != 3 {
		t.Errorf("Expected 3 active schedules after enforcement, got %d", count)
	}
}

func TestPriorityPlans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := NewPriorityService(e.store, e.cfg)

	// No subscription degrades to the free plan.
	if got := p.Priority(ctx, "nobody"); got != 10 {
		t.Errorf("Expected free priority 10, got %d", got)
	}

	e.store.PutSubscription(&store.Subscription{UID: "payer", Plan: "max", Status: "active", CreatedAt: time.Now()})
	if got := p.Priority(ctx, "payer"); got != 1 {
		t.Errorf("Expected max priority 1, got %d", got)
	}

	e.store.PutSubscription(&store.Subscription{UID: "plus", Plan: "plus", Status: "active", CreatedAt: time.Now()})
	if got := p.Priority(ctx, "plus"); got != 3 {
		t.Errorf("Expected plus priority 3, got %d", got)
	}

	// A cancelled subscription no longer counts.
	cancelled := time.Now().Add(-time.Hour)
	e.store.PutSubscription(&store.Subscription{UID: "lapsed", Plan: "max", Status: "active", CancelAt: &cancelled, CreatedAt: time.Now()})
	if got := p.Priority(ctx, "lapsed"); got != 10 {
		t.Errorf("Expected lapsed subscriber at free priority, got %d", got)
	}
}

func putCompleted(t *testing.T, st *store.MemoryStore, uid, status string, completedAt time.Time) {
	t.Helper()
	done := completedAt
	err := st.CreateScheduleRecord(context.Background(), &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		UID:              uid,
		Status:           status,
		CompletedAt:      &done,
		CreatedAt:        completedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPriorityFailureStreak(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := NewPriorityService(e.store, e.cfg)
	e.store.PutSubscription(&store.Subscription{UID: "u1", Plan: "plus", Status: "active", CreatedAt: time.Now()})

	now := time.Now()
	// success, then two failures on top: streak of 2.
	putCompleted(t, e.store, "u1", store.RecordStatusSuccess, now.Add(-3*time.Minute))
	putCompleted(t, e.store, "u1", store.RecordStatusFailed, now.Add(-2*time.Minute))
	putCompleted(t, e.store, "u1", store.RecordStatusFailed, now.Add(-time.Minute))

	if got := p.Priority(ctx, "u1"); got != 5 {
		t.Errorf("Expected plus(3) + streak(2) = 5, got %d", got)
	}

	// A fresh success at the head resets the streak.
	putCompleted(t, e.store, "u1", store.RecordStatusSuccess, now)
	if got := p.Priority(ctx, "u1"); got != 3 {
		t.Errorf("Expected streak reset to plus(3), got %d", got)
	}
}

func TestPriorityStreakCapAndClamp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := NewPriorityService(e.store, e.cfg)

	now := time.Now()
	for i := 0; i < 6; i++ {
		putCompleted(t, e.store, "u1", store.RecordStatusFailed, now.Add(time.Duration(-i)*time.Minute))
	}

	e.store.PutSubscription(&store.Subscription{UID: "u1", Plan: "plus", Status: "active", CreatedAt: now})
	if got := p.Priority(ctx, "u1"); got != 6 {
		t.Errorf("Expected plus(3) + capped streak(3) = 6, got %d", got)
	}

	// A free user with the same streak clamps at MaxPriority.
	for i := 0; i < 6; i++ {
		putCompleted(t, e.store, "free-failer", store.RecordStatusFailed, now.Add(time.Duration(-i)*time.Minute))
	}
	if got := p.Priority(ctx, "free-failer"); got != 10 {
		t.Errorf("Expected clamp at 10, got %d", got)
	}
}

func TestPriorityHighLoadPenalty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := NewPriorityService(e.store, e.cfg)
	e.store.PutSubscription(&store.Subscription{UID: "u1", Plan: "max", Status: "active", CreatedAt: time.Now()})

	for i := 0; i < e.cfg.HighLoadThreshold+1; i++ {
		e.seedSchedule(t, "u1", string(rune('a'+i)), time.Now())
	}
	if got := p.Priority(ctx, "u1"); got != 2 {
		t.Errorf("Expected max(1) + high load(1) = 2, got %d", got)
	}
}

// --- Service ---

func newService(e *env) *Service {
	priority := NewPriorityService(e.store, e.cfg)
	projector := records.NewProjector(e.store, nil)
	return NewService(e.store, e.queue, priority, projector, e.cfg)
}

func wantCode(t *testing.T, err error, code apierror.Code) {
	t.Helper()
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected domain error %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("Expected code %s, got %s", code, apiErr.Code)
	}
}

func TestUpsertValidation(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "u1", UpsertRequest{CronExpression: "*/5 * * * *"})
	wantCode(t, err, apierror.CodeRequestParams)

	_, err = svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: "c1"})
	wantCode(t, err, apierror.CodeRequestParams)

	e.store.PutCanvas(&store.Canvas{CanvasID: "c1", UID: "u1"})
	_, err = svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: "c1", CronExpression: "every day at nine"})
	wantCode(t, err, apierror.CodeInvalidCron)

	_, err = svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: "ghost", CronExpression: "*/5 * * * *"})
	wantCode(t, err, apierror.CodeNotFound)
}

func TestUpsertCreateAndMerge(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()
	e.store.PutCanvas(&store.Canvas{CanvasID: "c1", UID: "u1"})

	created, err := svc.Upsert(ctx, "u1", UpsertRequest{
		CanvasID:       "c1",
		Name:           "hourly sync",
		CronExpression: "0 * * * *",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created.Timezone != DefaultTimezone {
		t.Errorf("Expected default timezone, got %q", created.Timezone)
	}
	if !created.IsEnabled || created.NextRunAt == nil {
		t.Errorf("Expected enabled schedule with nextRunAt, got %+v", created)
	}

	// Second upsert for the same canvas merges; empty name keeps the old one.
	disabled := false
	merged, err := svc.Upsert(ctx, "u1", UpsertRequest{
		CanvasID:       "c1",
		CronExpression: "*/10 * * * *",
		IsEnabled:      &disabled,
	})
	if err != nil {
		t.Fatalf("Upsert merge: %v", err)
	}
	if merged.ScheduleID != created.ScheduleID {
		t.Errorf("Expected merge into %s, got new schedule %s", created.ScheduleID, merged.ScheduleID)
	}
	if merged.Name != "hourly sync" {
		t.Errorf("Expected name preserved, got %q", merged.Name)
	}
	if merged.IsEnabled {
		t.Error("Expected merged schedule disabled")
	}
	if merged.CronExpression != "*/10 * * * *" {
		t.Errorf("Expected cron updated, got %q", merged.CronExpression)
	}

	all, _ := svc.List(ctx, "u1")
	if len(all) != 1 {
		t.Errorf("Expected a single schedule after merge, got %d", len(all))
	}
}

func TestUpsertQuota(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()

	// Free plan: three enabled schedules fit, the fourth is rejected.
	for i := 0; i < 4; i++ {
		canvasID := string(rune('a' + i))
		e.store.PutCanvas(&store.Canvas{CanvasID: canvasID, UID: "u1"})
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: string(rune('a' + i)), CronExpression: "0 * * * *"}); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	_, err := svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: "d", CronExpression: "0 * * * *"})
	wantCode(t, err, apierror.CodeScheduleLimit)

	// A disabled schedule does not consume quota.
	disabled := false
	if _, err := svc.Upsert(ctx, "u1", UpsertRequest{CanvasID: "d", CronExpression: "0 * * * *", IsEnabled: &disabled}); err != nil {
		t.Errorf("Expected disabled schedule to bypass quota, got %v", err)
	}

	// Paid plans get the higher cap.
	e.store.PutSubscription(&store.Subscription{UID: "payer", Plan: "plus", Status: "active", CreatedAt: time.Now()})
	for i := 0; i < 4; i++ {
		canvasID := "p" + string(rune('a'+i))
		e.store.PutCanvas(&store.Canvas{CanvasID: canvasID, UID: "payer"})
		if _, err := svc.Upsert(ctx, "payer", UpsertRequest{CanvasID: canvasID, CronExpression: "0 * * * *"}); err != nil {
			t.Errorf("Expected paid plan to allow schedule %d: %v", i, err)
		}
	}
}

func TestGetAndDeleteOwnership(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	got, err := svc.Get(ctx, "u1", "c1")
	if err != nil || got.ScheduleID != sched.ScheduleID {
		t.Errorf("Get: %v %+v", err, got)
	}

	_, err = svc.Get(ctx, "u2", "c1")
	wantCode(t, err, apierror.CodeNotFound)

	err = svc.Delete(ctx, "u2", sched.ScheduleID)
	wantCode(t, err, apierror.CodeNotFound)

	if err := svc.Delete(ctx, "u1", sched.ScheduleID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = svc.Get(ctx, "u1", "c1")
	wantCode(t, err, apierror.CodeNotFound)

	// Double delete is not found.
	err = svc.Delete(ctx, "u1", sched.ScheduleID)
	wantCode(t, err, apierror.CodeNotFound)
}

func TestRetry(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	done := time.Now()
	rec := &store.ScheduleRecord{
		ScheduleRecordID:   ids.NewScheduleRecordID(),
		ScheduleID:         sched.ScheduleID,
		UID:                "u1",
		SourceCanvasID:     "c1",
		Status:             store.RecordStatusFailed,
		SnapshotStorageKey: "snapshots/u1/x",
		FailureReason:      "internal_error",
		CompletedAt:        &done,
		CreatedAt:          done,
	}
	if err := e.store.CreateScheduleRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Retry(ctx, "u1", rec.ScheduleRecordID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != store.RecordStatusPending || got.FailureReason != "" || got.CompletedAt != nil {
		t.Errorf("Expected reset pending record, got %+v", got)
	}

	jobs, _ := e.queue.GetJobs(ctx, []string{queue.StateWaiting})
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 retry job, got %d", len(jobs))
	}
	var payload ExecutePayload
	json.Unmarshal(jobs[0].Payload, &payload)
	// Retries run from the source canvas: the cloned canvas may not exist.
	if payload.CanvasID != "c1" || payload.ScheduleRecordID != rec.ScheduleRecordID {
		t.Errorf("Unexpected retry payload: %+v", payload)
	}
}

func TestRetryRejections(t *testing.T) {
	e := newEnv(t)
	svc := newService(e)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())

	_, err := svc.Retry(ctx, "u1", "sr_missing")
	wantCode(t, err, apierror.CodeNotFound)

	done := time.Now()
	noSnapshot := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		ScheduleID:       sched.ScheduleID,
		UID:              "u1",
		SourceCanvasID:   "c1",
		Status:           store.RecordStatusFailed,
		CompletedAt:      &done,
	}
	e.store.CreateScheduleRecord(ctx, noSnapshot)
	_, err = svc.Retry(ctx, "u1", noSnapshot.ScheduleRecordID)
	wantCode(t, err, apierror.CodeRequestParams)

	succeeded := &store.ScheduleRecord{
		ScheduleRecordID:   ids.NewScheduleRecordID(),
		ScheduleID:         sched.ScheduleID,
		UID:                "u1",
		SourceCanvasID:     "c1",
		Status:             store.RecordStatusSuccess,
		SnapshotStorageKey: "snapshots/u1/y",
		CompletedAt:        &done,
	}
	e.store.CreateScheduleRecord(ctx, succeeded)
	_, err = svc.Retry(ctx, "u1", succeeded.ScheduleRecordID)
	wantCode(t, err, apierror.CodeRequestParams)

	// Foreign records are invisible.
	retryable := &store.ScheduleRecord{
		ScheduleRecordID:   ids.NewScheduleRecordID(),
		ScheduleID:         sched.ScheduleID,
		UID:                "u1",
		SourceCanvasID:     "c1",
		Status:             store.RecordStatusFailed,
		SnapshotStorageKey: "snapshots/u1/z",
		CompletedAt:        &done,
	}
	e.store.CreateScheduleRecord(ctx, retryable)
	_, err = svc.Retry(ctx, "u2", retryable.ScheduleRecordID)
	wantCode(t, err, apierror.CodeNotFound)

	// Deleting the parent schedule blocks retries.
	e.store.SoftDeleteSchedule(ctx, sched.ScheduleID)
	_, err = svc.Retry(ctx, "u1", retryable.ScheduleRecordID)
	wantCode(t, err, apierror.CodeNotFound)
}

// --- Processor ---

type stubEngine struct {
	exec  *workflow.Execution
	err   error
	calls int
	last  workflow.ExecuteOptions
}

func (s *stubEngine) ExecuteFromCanvasData(ctx context.Context, uid string, canvas *store.Canvas, vars []variables.WorkflowVariable, opts workflow.ExecuteOptions) (*workflow.Execution, error) {
	s.calls++
	s.last = opts
	return s.exec, s.err
}

func (e *env) processor(engine workflow.Engine) *Processor {
	projector := records.NewProjector(e.store, nil)
	normalizer := variables.NewNormalizer(e.store)
	return NewProcessor(e.store, e.redis, e.queue, engine, projector, normalizer, e.cfg)
}

func seedPendingJob(t *testing.T, e *env, sched *store.Schedule) (*queue.Job, *store.ScheduleRecord) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	rec := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		ScheduleID:       sched.ScheduleID,
		UID:              sched.UID,
		SourceCanvasID:   sched.CanvasID,
		Status:           store.RecordStatusPending,
		ScheduledAt:      now,
		TriggeredAt:      &now,
		CreatedAt:        now,
	}
	if err := e.store.CreateScheduleRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	payload := ExecutePayload{
		ScheduleID:       sched.ScheduleID,
		CanvasID:         sched.CanvasID,
		UID:              sched.UID,
		ScheduledAt:      now,
		Priority:         5,
		ScheduleRecordID: rec.ScheduleRecordID,
	}
	job, err := e.queue.Add(ctx, JobExecuteScheduled, payload, queue.Options{Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	return job, rec
}

func TestProcessorExecutesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	job, rec := seedPendingJob(t, e, sched)

	engine := &stubEngine{exec: &workflow.Execution{ExecutionID: "exec_1", CanvasID: "c1-clone"}}
	p := e.processor(engine)

	result, err := p.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result == nil {
		t.Error("Expected execution result")
	}
	if engine.calls != 1 {
		t.Fatalf("Expected 1 engine call, got %d", engine.calls)
	}
	if engine.last.ScheduleID != sched.ScheduleID || engine.last.TriggerType != store.TriggerTypeSchedule {
		t.Errorf("Unexpected execute options: %+v", engine.last)
	}

	after, _ := e.store.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusSuccess {
		t.Fatalf("Expected success, got %s (%s)", after.Status, after.FailureReason)
	}
	if after.WorkflowExecutionID != "exec_1" || after.CanvasID != "c1-clone" {
		t.Errorf("Expected execution ids projected, got %+v", after)
	}

	// The concurrency slot was returned.
	if n, _ := e.redis.GetCounter(ctx, store.UserConcurrentKey("u1")); n != 0 {
		t.Errorf("Expected concurrency counter back to 0, got %d", n)
	}
}

func TestProcessorClassifiesFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	job, rec := seedPendingJob(t, e, sched)

	engine := &stubEngine{err: errors.New("insufficient credits to run workflow")}
	p := e.processor(engine)

	if _, err := p.Handle(ctx, job); err == nil {
		t.Fatal("Expected handler to surface the engine error")
	}

	after, _ := e.store.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusFailed {
		t.Fatalf("Expected failed, got %s", after.Status)
	}
	if after.FailureReason != string(apierror.CodeInsufficientCredits) {
		t.Errorf("Expected classified reason, got %q", after.FailureReason)
	}
	if after.ErrorDetails == "" || !strings.Contains(after.ErrorDetails, "insufficient credits") {
		t.Errorf("Expected error details persisted, got %q", after.ErrorDetails)
	}
}

func TestProcessorSkipsDisabledSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	job, rec := seedPendingJob(t, e, sched)

	// The schedule is disabled between enqueue and processing.
	if err := e.store.DisableSchedule(ctx, sched.ScheduleID, ""); err != nil {
		t.Fatal(err)
	}

	engine := &stubEngine{}
	p := e.processor(engine)
	if _, err := p.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if engine.calls != 0 {
		t.Errorf("Expected engine untouched, got %d calls", engine.calls)
	}

	after, _ := e.store.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusSkipped {
		t.Errorf("Expected skipped, got %s", after.Status)
	}
	if after.CompletedAt == nil {
		t.Error("Expected skipped record terminal")
	}
}

func TestProcessorUserConcurrencyRequeues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	job, rec := seedPendingJob(t, e, sched)

	// Saturate the user's slots.
	for i := 0; i < e.cfg.UserMaxConcurrent; i++ {
		if _, err := e.redis.IncrWithTTL(ctx, store.UserConcurrentKey("u1"), e.cfg.UserConcurrentTTL); err != nil {
			t.Fatal(err)
		}
	}

	engine := &stubEngine{}
	p := e.processor(engine)
	if _, err := p.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if engine.calls != 0 {
		t.Error("Expected over-limit job not executed")
	}

	// Record untouched; a delayed duplicate was enqueued.
	after, _ := e.store.GetScheduleRecord(ctx, rec.ScheduleRecordID)
	if after.Status != store.RecordStatusPending {
		t.Errorf("Expected record still pending, got %s", after.Status)
	}
	delayed, err := e.queue.GetJobs(ctx, []string{queue.StateDelayed})
	if err != nil || len(delayed) != 1 {
		t.Fatalf("Expected 1 delayed requeue, got %d err=%v", len(delayed), err)
	}
	// The probe increment was rolled back.
	if n, _ := e.redis.GetCounter(ctx, store.UserConcurrentKey("u1")); n != int64(e.cfg.UserMaxConcurrent) {
		t.Errorf("Expected counter back at %d, got %d", e.cfg.UserMaxConcurrent, n)
	}
}

func TestProcessorIgnoresCompletedRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := e.seedSchedule(t, "u1", "c1", time.Now())
	job, rec := seedPendingJob(t, e, sched)

	done := time.Now()
	rec.Status = store.RecordStatusSuccess
	rec.CompletedAt = &done
	if err := e.store.UpdateScheduleRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	engine := &stubEngine{}
	p := e.processor(engine)
	if _, err := p.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if engine.calls != 0 {
		t.Error("Expected already-completed record to short-circuit")
	}
}
