package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/store"
)

// completedWindow bounds how far back the failure streak looks.
const completedWindow = 20

// PriorityService derives the 1..MaxPriority queue priority for a user
// (lower = higher). Paying plans start lower; chronic failers and users
// with many active schedules are pushed back without being starved.
type PriorityService struct {
	store store.Store
	cfg   Config
}

func NewPriorityService(st store.Store, cfg Config) *PriorityService {
	return &PriorityService{store: st, cfg: cfg}
}

// Priority never fails: lookup errors degrade to the default priority so
// a flaky store cannot stall dispatch.
func (p *PriorityService) Priority(ctx context.Context, uid string) int {
	now := time.Now()

	base := p.cfg.DefaultPriority
	sub, err := p.store.GetActiveSubscription(ctx, uid, now)
	if err != nil {
		log.Printf("priority: subscription lookup for %s: %v", uid, err)
	} else if sub != nil {
		if mapped, ok := p.cfg.PlanPriority[sub.Plan]; ok {
			base = mapped
		}
	} else if mapped, ok := p.cfg.PlanPriority["free"]; ok {
		base = mapped
	}

	priority := base + p.failurePenalty(ctx, uid)

	if count, err := p.store.CountActiveSchedules(ctx, uid); err != nil {
		log.Printf("priority: active schedule count for %s: %v", uid, err)
	} else if count > p.cfg.HighLoadThreshold {
		priority += p.cfg.HighLoadPenalty
	}

	if priority < 1 {
		priority = 1
	}
	if priority > p.cfg.MaxPriority {
		priority = p.cfg.MaxPriority
	}
	return priority
}

// failurePenalty counts consecutive failed records at the head of the
// user's completion history, capped at MaxFailureLevels.
func (p *PriorityService) failurePenalty(ctx context.Context, uid string) int {
	recs, err := p.store.ListCompletedRecords(ctx, uid, completedWindow)
	if err != nil {
		log.Printf("priority: completed records for %s: %v", uid, err)
		return 0
	}
	streak := 0
	for _, rec := range recs {
		if rec.Status != store.RecordStatusFailed {
			break
		}
		streak++
	}
	if streak > p.cfg.MaxFailureLevels {
		streak = p.cfg.MaxFailureLevels
	}
	return streak * p.cfg.FailurePenalty
}
