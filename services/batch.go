package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Distributor commits one reward distribution together with the batch's
// completed transition, in a single transaction. ErrAlreadyDistributed
// reports a batch some other run already completed. Implemented by
// DistributionEngine.
type Distributor interface {
	Distribute(ctx context.Context, batchID, sourceID string, amount decimal.Decimal, currency models.Currency) (*DistributionResult, error)
}

// BatchLog is the durable batch state machine. The GORM implementation
// backs it with the reward_batches table. The completed transition is not
// here: it belongs to the Distributor, which commits it atomically with
// the credits.
type BatchLog interface {
	Create(ctx context.Context, b *models.RewardBatch) error
	Get(ctx context.Context, batchID string) (*models.RewardBatch, error)
	// MarkProcessing claims a batch for processing. It refuses (false)
	// when the batch is already completed, so completion stays terminal.
	MarkProcessing(ctx context.Context, batchID string) (bool, error)
	MarkFailed(ctx context.Context, batchID, errMsg string) error
	// FindStale returns failed batches plus processing batches whose last
	// update is older than the cutoff (crashed mid-flight).
	FindStale(ctx context.Context, cutoff time.Time) ([]models.RewardBatch, error)
}

// BatchMode selects when buffered events are flushed.
type BatchMode string

const (
	// BatchModeSync flushes inline after every enqueue. Low-volume default.
	BatchModeSync BatchMode = "sync"
	// BatchModeBatched flushes on buffer threshold or periodic timer.
	BatchModeBatched BatchMode = "batched"
)

// BatchCoordinator buffers reward events, logs each durably, and drives
// queued→processing→completed/failed with bounded retries. The batch id is
// the unit of deduplication: re-driving a completed batch is a no-op that
// returns the stored result.
type BatchCoordinator struct {
	Log   BatchLog
	Dist  Distributor
	Clock clockwork.Clock

	Mode        BatchMode
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	StuckAfter  time.Duration

	mu  sync.Mutex
	buf []string
}

func NewBatchCoordinator(batchLog BatchLog, dist Distributor, clock clockwork.Clock, mode BatchMode, batchSize int) *BatchCoordinator {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &BatchCoordinator{
		Log:         batchLog,
		Dist:        dist,
		Clock:       clock,
		Mode:        mode,
		BatchSize:   batchSize,
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		StuckAfter:  5 * time.Minute,
	}
}

// Enqueue durably logs a reward event and buffers it for distribution.
// Non-blocking in batched mode; in sync mode the event is flushed inline.
func (c *BatchCoordinator) Enqueue(ctx context.Context, sourceID string, amount decimal.Decimal, currency models.Currency) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", validationErrorf("reward amount must be positive, got %s", amount)
	}
	if !currency.Valid() {
		return "", validationErrorf("unknown currency %q", currency)
	}

	batch := &models.RewardBatch{
		BatchID:             uuid.NewString(),
		SourceParticipantID: sourceID,
		Amount:              amount,
		Currency:            currency,
		Status:              models.BatchStatusQueued,
		TotalDistributed:    decimal.Zero,
	}
	if err := c.Log.Create(ctx, batch); err != nil {
		return "", dbError("log reward batch", err)
	}

	c.mu.Lock()
	c.buf = append(c.buf, batch.BatchID)
	pending := len(c.buf)
	c.mu.Unlock()

	log.Printf("📥 [BATCH] Queued %s: source=%s amount=%s currency=%s (pending=%d)",
		batch.BatchID, sourceID, amount, currency, pending)

	if c.Mode == BatchModeSync || pending >= c.BatchSize {
		c.Flush(ctx)
	}
	return batch.BatchID, nil
}

// Flush drains the buffer and processes every pending batch. Failures are
// logged and left to the recovery sweep; Flush itself never aborts the
// drain.
func (c *BatchCoordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	pending := c.buf
	c.buf = nil
	c.mu.Unlock()

	for _, batchID := range pending {
		if err := c.process(ctx, batchID); err != nil {
			log.Printf("❌ [BATCH] %s failed after %d attempt(s): %v", batchID, c.MaxAttempts, err)
		}
	}
}

// process drives one batch through the state machine with bounded retries
// and doubling backoff. Credits commit together with the completed
// transition, so a failed or stuck batch never has credits on record and
// is safe to retry.
func (c *BatchCoordinator) process(ctx context.Context, batchID string) error {
	b, err := c.Log.Get(ctx, batchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("⚠️ [BATCH] %s vanished from the log, skipping", batchID)
			return nil
		}
		return err
	}
	if b.Status == models.BatchStatusCompleted {
		// Idempotent no-op: the stored result stands.
		return nil
	}

	claimed, err := c.Log.MarkProcessing(ctx, batchID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var lastErr error
	delay := c.BaseDelay
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		res, err := c.Dist.Distribute(ctx, b.BatchID, b.SourceParticipantID, b.Amount, b.Currency)
		if err == nil {
			log.Printf("✅ [BATCH] %s completed: distributed=%s inviters=%d", batchID, res.TotalDistributed, res.InviterCount)
			return nil
		}
		if errors.Is(err, ErrAlreadyDistributed) {
			// A concurrent or prior run already committed this batch.
			log.Printf("⚠️ [BATCH] %s was already distributed, leaving the stored result", batchID)
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
			break
		}
		if attempt < c.MaxAttempts {
			log.Printf("⚠️ [BATCH] %s attempt %d/%d failed, retrying in %s: %v", batchID, attempt, c.MaxAttempts, delay, err)
			c.Clock.Sleep(delay)
			delay *= 2
		}
	}

	if markErr := c.Log.MarkFailed(ctx, batchID, lastErr.Error()); markErr != nil {
		log.Printf("❌ [BATCH] could not mark %s failed: %v", batchID, markErr)
	}
	return lastErr
}

// RecoverStale re-drives every batch found failed or stuck in processing.
// Idempotent; safe to run at startup or concurrently with live traffic.
func (c *BatchCoordinator) RecoverStale(ctx context.Context) (int, error) {
	cutoff := c.Clock.Now().Add(-c.StuckAfter)
	stale, err := c.Log.FindStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	log.Printf("🔁 [BATCH] Recovery sweep found %d stale batch(es)", len(stale))
	c.mu.Lock()
	for _, b := range stale {
		c.buf = append(c.buf, b.BatchID)
	}
	c.mu.Unlock()
	c.Flush(ctx)
	return len(stale), nil
}

// GetBatch exposes the batch log row for admin inspection.
func (c *BatchCoordinator) GetBatch(ctx context.Context, batchID string) (*models.RewardBatch, error) {
	return c.Log.Get(ctx, batchID)
}

// --- GORM batch log ---

type gormBatchLog struct {
	db *gorm.DB
}

func NewGormBatchLog(db *gorm.DB) BatchLog {
	return &gormBatchLog{db: db}
}

func (l *gormBatchLog) Create(ctx context.Context, b *models.RewardBatch) error {
	return l.db.WithContext(ctx).Create(b).Error
}

func (l *gormBatchLog) Get(ctx context.Context, batchID string) (*models.RewardBatch, error) {
	var b models.RewardBatch
	if err := l.db.WithContext(ctx).First(&b, "batch_id = ?", batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErrorf("batch %s", batchID)
		}
		return nil, dbError("fetch batch", err)
	}
	return &b, nil
}

func (l *gormBatchLog) MarkProcessing(ctx context.Context, batchID string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.RewardBatch{}).
		Where("batch_id = ? AND status <> ?", batchID, models.BatchStatusCompleted).
		Updates(map[string]interface{}{
			"status":   models.BatchStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, dbError("mark batch processing", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (l *gormBatchLog) MarkFailed(ctx context.Context, batchID, errMsg string) error {
	res := l.db.WithContext(ctx).Model(&models.RewardBatch{}).
		Where("batch_id = ? AND status <> ?", batchID, models.BatchStatusCompleted).
		Updates(map[string]interface{}{
			"status":        models.BatchStatusFailed,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return dbError("mark batch failed", res.Error)
	}
	return nil
}

func (l *gormBatchLog) FindStale(ctx context.Context, cutoff time.Time) ([]models.RewardBatch, error) {
	var stale []models.RewardBatch
	if err := l.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			models.BatchStatusFailed, models.BatchStatusProcessing, cutoff).
		Order("created_at ASC").
		Find(&stale).Error; err != nil {
		return nil, dbError("find stale batches", err)
	}
	return stale, nil
}
