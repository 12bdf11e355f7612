package workers

import (
	"context"
	"log"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/services"
)

// PollBatches periodically flushes the reward buffer (batched mode) and
// runs the recovery sweep that re-drives failed or stuck batches. The
// recovery sweep also runs once at startup so nothing left over from a
// crash waits a full interval.
func PollBatches(ctx context.Context, c *services.BatchCoordinator, flushInterval, recoveryInterval time.Duration) {
	log.Println("Starting reward batch worker...")

	if n, err := c.RecoverStale(ctx); err != nil {
		log.Printf("❌ Startup recovery sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("✅ Startup recovery sweep re-drove %d batch(es)", n)
	}

	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	recoveryTicker := time.NewTicker(recoveryInterval)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain so buffered events are not lost on shutdown.
			c.Flush(context.Background())
			log.Println("Reward batch worker stopped.")
			return
		case <-flushTicker.C:
			c.Flush(ctx)
		case <-recoveryTicker.C:
			if n, err := c.RecoverStale(ctx); err != nil {
				log.Printf("❌ Recovery sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("✅ Recovery sweep re-drove %d batch(es)", n)
			}
		}
	}
}
