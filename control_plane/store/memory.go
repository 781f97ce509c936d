package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all trigger-plane entities in process memory.
// It implements the Store interface and is what the unit tests run against.
type MemoryStore struct {
	mu            sync.RWMutex
	schedules     map[string]*Schedule
	records       map[string]*ScheduleRecord
	webhooks      map[string]*Webhook // keyed by uid:canvasID (uniqueness incl. soft-deleted)
	callRecords   []*APICallRecord
	staticFiles   map[string]*StaticFile // keyed by storage key
	subscriptions map[string][]*Subscription
	canvases      map[string]*Canvas // keyed by canvasID
	apiKeys       map[string]string  // key hash -> uid
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:     make(map[string]*Schedule),
		records:       make(map[string]*ScheduleRecord),
		webhooks:      make(map[string]*Webhook),
		staticFiles:   make(map[string]*StaticFile),
		subscriptions: make(map[string][]*Subscription),
		canvases:      make(map[string]*Canvas),
		apiKeys:       make(map[string]string),
	}
}

func webhookKey(uid, canvasID string) string {
	return uid + ":" + canvasID
}

// --- Schedule Operations ---

func (s *MemoryStore) UpsertScheduleForCanvas(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.schedules {
		if existing.UID == sched.UID && existing.CanvasID == sched.CanvasID && existing.DeletedAt == nil {
			existing.Name = sched.Name
			existing.CronExpression = sched.CronExpression
			existing.Timezone = sched.Timezone
			existing.IsEnabled = sched.IsEnabled
			existing.NextRunAt = sched.NextRunAt
			existing.ScheduleConfig = sched.ScheduleConfig
			*sched = *existing
			return nil
		}
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	cp := *sched
	s.schedules[sched.ScheduleID] = &cp
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return nil, nil
	}
	cp := *sch
	return &cp, nil
}

func (s *MemoryStore) GetScheduleByCanvas(ctx context.Context, uid, canvasID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sch := range s.schedules {
		if sch.UID == uid && sch.CanvasID == canvasID && sch.DeletedAt == nil {
			cp := *sch
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Schedule
	for _, sch := range s.schedules {
		if sch.IsEnabled && sch.DeletedAt == nil && sch.NextRunAt != nil && !sch.NextRunAt.After(now) {
			cp := *sch
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due, nil
}

func (s *MemoryStore) ListSchedulesByUser(ctx context.Context, uid string) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Schedule
	for _, sch := range s.schedules {
		if sch.UID == uid && sch.DeletedAt == nil {
			cp := *sch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveSchedules(ctx context.Context, uid string) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Schedule
	for _, sch := range s.schedules {
		if sch.UID == uid && sch.IsEnabled && sch.DeletedAt == nil {
			cp := *sch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountActiveSchedules(ctx context.Context, uid string) (int, error) {
	active, err := s.ListActiveSchedules(ctx, uid)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (s *MemoryStore) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRunAt time.Time, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return errors.New("schedule not found")
	}
	last := lastRunAt
	sch.LastRunAt = &last
	sch.NextRunAt = nextRunAt
	return nil
}

func (s *MemoryStore) DisableSchedule(ctx context.Context, scheduleID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return errors.New("schedule not found")
	}
	sch.IsEnabled = false
	sch.NextRunAt = nil
	if reason != "" {
		sch.ScheduleConfig = MergeDisabledReason(sch.ScheduleConfig, reason)
	}
	return nil
}

func (s *MemoryStore) SoftDeleteSchedule(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok || sch.DeletedAt != nil {
		return errors.New("schedule not found")
	}
	now := time.Now()
	sch.DeletedAt = &now
	sch.IsEnabled = false
	sch.NextRunAt = nil
	return nil
}

// --- ScheduleRecord Operations ---

func (s *MemoryStore) CreateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.records[rec.ScheduleRecordID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduleRecord(ctx context.Context, recordID string) (*ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetScheduledRecord(ctx context.Context, scheduleID string) (*ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *ScheduleRecord
	for _, rec := range s.records {
		if rec.ScheduleID == scheduleID && rec.Status == RecordStatusScheduled {
			if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
				newest = rec
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ScheduleRecordID]; !ok {
		return errors.New("schedule record not found")
	}
	cp := *rec
	s.records[rec.ScheduleRecordID] = &cp
	return nil
}

func (s *MemoryStore) ListScheduleRecords(ctx context.Context, uid string, scheduleID string, limit int) ([]*ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*ScheduleRecord
	for _, rec := range s.records {
		if rec.UID != uid {
			continue
		}
		if scheduleID != "" && rec.ScheduleID != scheduleID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListCompletedRecords(ctx context.Context, uid string, limit int) ([]*ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduleRecord
	for _, rec := range s.records {
		if rec.UID == uid && IsCompleted(rec.Status) && rec.CompletedAt != nil {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Webhook Operations ---

func (s *MemoryStore) GetWebhook(ctx context.Context, apiID string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wh := range s.webhooks {
		if wh.APIID == apiID {
			cp := *wh
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetWebhookByCanvas(ctx context.Context, uid, canvasID string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wh, ok := s.webhooks[webhookKey(uid, canvasID)]
	if !ok {
		return nil, nil
	}
	cp := *wh
	return &cp, nil
}

func (s *MemoryStore) UpsertWebhook(ctx context.Context, wh *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookKey(wh.UID, wh.CanvasID)
	if existing, ok := s.webhooks[key]; ok {
		wh.CreatedAt = existing.CreatedAt
	} else if wh.CreatedAt.IsZero() {
		wh.CreatedAt = time.Now()
	}
	wh.UpdatedAt = time.Now()
	cp := *wh
	s.webhooks[key] = &cp
	return nil
}

// --- APICallRecord Operations ---

func (s *MemoryStore) CreateAPICallRecord(ctx context.Context, rec *APICallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.callRecords = append(s.callRecords, &cp)
	return nil
}

func (s *MemoryStore) ListAPICallRecords(ctx context.Context, uid string, apiID string, limit int) ([]*APICallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*APICallRecord
	for i := len(s.callRecords) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.callRecords[i]
		if rec.UID != uid {
			continue
		}
		if apiID != "" && rec.APIID != apiID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// --- StaticFile Operations ---

// PutStaticFile seeds a file row (test helper).
func (s *MemoryStore) PutStaticFile(f *StaticFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.staticFiles[f.StorageKey] = &cp
}

func (s *MemoryStore) GetStaticFilesByStorageKeys(ctx context.Context, uid string, storageKeys []string) ([]*StaticFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StaticFile
	for _, key := range storageKeys {
		if f, ok := s.staticFiles[key]; ok && f.UID == uid {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Subscription Operations ---

// PutSubscription seeds a subscription row (test helper).
func (s *MemoryStore) PutSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subscriptions[sub.UID] = append(s.subscriptions[sub.UID], &cp)
}

func (s *MemoryStore) GetActiveSubscription(ctx context.Context, uid string, now time.Time) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *Subscription
	for _, sub := range s.subscriptions[uid] {
		if sub.Status != "active" {
			continue
		}
		if sub.CancelAt != nil && !sub.CancelAt.After(now) {
			continue
		}
		if newest == nil || sub.CreatedAt.After(newest.CreatedAt) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

// --- Canvas Operations ---

// PutCanvas seeds a canvas row (test helper).
func (s *MemoryStore) PutCanvas(c *Canvas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.canvases[c.CanvasID] = &cp
}

func (s *MemoryStore) GetCanvas(ctx context.Context, uid, canvasID string) (*Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.canvases[canvasID]
	if !ok || c.UID != uid {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// --- API Key Operations ---

// PutAPIKey seeds a key hash for a user (test helper).
func (s *MemoryStore) PutAPIKey(keyHash, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[keyHash] = uid
}

func (s *MemoryStore) GetUIDByAPIKey(ctx context.Context, keyHash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKeys[keyHash], nil
}
