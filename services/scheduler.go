// services/scheduler.go
package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"
)

// groupPause separates sweep groups so the sweep never fans out against
// the database all at once.
const groupPause = 200 * time.Millisecond

// StartAccrualScheduler ticks accrual for every active farmer once per
// TickWidth, in bounded concurrent groups.
func (s *FarmingService) StartAccrualScheduler(ctx context.Context, groupSize int) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(s.Cfg.TickWidth),
		gocron.NewTask(func() {
			s.RunAccrualSweep(ctx, groupSize)
		}),
	)

	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
}

// RunAccrualSweep accrues every participant with an active deposit,
// groupSize at a time with a short pause between groups.
func (s *FarmingService) RunAccrualSweep(ctx context.Context, groupSize int) {
	if groupSize <= 0 {
		groupSize = 10
	}

	ids, err := s.ActiveFarmerIDs(ctx)
	if err != nil {
		log.Printf("[Scheduler] ❌ could not list active farmers: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(groupSize))
	var wg sync.WaitGroup
	for i, id := range ids {
		if i > 0 && i%groupSize == 0 {
			s.Clock.Sleep(groupPause)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ownerID string) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := s.Accrue(ctx, ownerID); err != nil {
				log.Printf("[Scheduler] ❌ accrual failed for %s: %v", ownerID, err)
			}
		}(id)
	}
	wg.Wait()
	log.Printf("[Scheduler] ✅ accrual sweep finished for %d participant(s)", len(ids))
}
