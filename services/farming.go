package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	secondsPerDay = decimal.NewFromInt(86400)
	thousand      = decimal.NewFromInt(1000)
)

// minElapsed floors the credited window so every invocation credits
// something nonzero, even under back-to-back ticks.
const minElapsed = 100 * time.Millisecond

// FarmingConfig tunes the accrual engine.
type FarmingConfig struct {
	// DailyRate is the fraction of principal earned per day (0.005 = 0.5%/day).
	DailyRate decimal.Decimal
	// MinDeposit is the smallest accepted deposit principal.
	MinDeposit decimal.Decimal
	// ChangeThreshold gates accumulator→main transfers; below it only the
	// accumulator is persisted.
	ChangeThreshold decimal.Decimal
	// TickWidth caps the credited window per invocation so a delayed
	// scheduler cannot credit a long backlog in one tick.
	TickWidth time.Duration
}

func DefaultFarmingConfig() FarmingConfig {
	return FarmingConfig{
		DailyRate:       decimal.RequireFromString("0.005"),
		MinDeposit:      decimal.NewFromInt(1),
		ChangeThreshold: decimal.RequireFromString("0.01"),
		TickWidth:       time.Minute,
	}
}

// RewardQueue is where the engine emits reward events on every successful
// transfer into main balance. Implemented by the batch coordinator.
type RewardQueue interface {
	Enqueue(ctx context.Context, sourceID string, amount decimal.Decimal, currency models.Currency) (string, error)
}

// inflightGuard rejects overlapping accrual for the same participant in
// this process. The row lock inside the accrual transaction is the
// multi-process guarantee.
type inflightGuard struct {
	m sync.Map
}

func (g *inflightGuard) TryAcquire(id string) bool {
	_, loaded := g.m.LoadOrStore(id, struct{}{})
	return !loaded
}

func (g *inflightGuard) Release(id string) {
	g.m.Delete(id)
}

// ratePerSecond fixes a deposit's yield rate: principal × dailyRate ÷ 86400.
func ratePerSecond(amount, dailyRate decimal.Decimal) decimal.Decimal {
	return amount.Mul(dailyRate).Div(secondsPerDay)
}

// accrualPlan is the precomputed outcome of one accrual tick.
type accrualPlan struct {
	Earned         decimal.Decimal // credited to the accumulator this tick
	NewAccumulator decimal.Decimal
	Transfer       decimal.Decimal // moved accumulator→main, zero if gated
}

// computeAccrual figures per-deposit earnings for the window ending at now,
// clamped to [minElapsed, tickWidth] per deposit, and decides whether the
// grown accumulator crosses the transfer threshold. force bypasses the gate
// (harvest). Pure; persistence happens elsewhere.
func computeAccrual(deposits []models.FarmingDeposit, accumulator decimal.Decimal, now time.Time, tickWidth time.Duration, threshold decimal.Decimal, force bool) accrualPlan {
	earned := decimal.Zero
	maxMs := tickWidth.Milliseconds()
	minMs := minElapsed.Milliseconds()
	for _, d := range deposits {
		ms := now.Sub(d.LastUpdatedAt).Milliseconds()
		if ms < minMs {
			ms = minMs
		}
		if ms > maxMs {
			ms = maxMs
		}
		elapsedSec := decimal.NewFromInt(ms).Div(thousand)
		earned = earned.Add(d.RatePerSecond.Mul(elapsedSec))
	}

	plan := accrualPlan{Earned: earned, NewAccumulator: accumulator.Add(earned)}
	if plan.NewAccumulator.GreaterThan(decimal.Zero) &&
		(force || plan.NewAccumulator.GreaterThanOrEqual(threshold)) {
		plan.Transfer = plan.NewAccumulator
		plan.NewAccumulator = decimal.Zero
	}
	return plan
}

// AccrueResult reports one accrual tick.
type AccrueResult struct {
	Earned         decimal.Decimal `json:"earned"`
	Transferred    decimal.Decimal `json:"transferred"`
	NewMainBalance decimal.Decimal `json:"new_main_balance"`
	// Skipped is set when the participant had no active deposit, nothing
	// to harvest, or an accrual was already in flight.
	Skipped bool `json:"skipped"`
}

// FarmingService owns deposits and the accrual engine.
type FarmingService struct {
	DB    *gorm.DB
	Clock clockwork.Clock
	Queue RewardQueue
	Cfg   FarmingConfig

	guard inflightGuard
}

func NewFarmingService(db *gorm.DB, clock clockwork.Clock, queue RewardQueue, cfg FarmingConfig) *FarmingService {
	return &FarmingService{DB: db, Clock: clock, Queue: queue, Cfg: cfg}
}

// CreateDeposit opens a farming deposit funded from the owner's main UNI
// balance. Principal debit, deposit row and ledger entry commit together.
func (s *FarmingService) CreateDeposit(ctx context.Context, ownerID string, amount decimal.Decimal) (*models.FarmingDeposit, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, validationErrorf("deposit amount must be positive, got %s", amount)
	}
	if amount.LessThan(s.Cfg.MinDeposit) {
		return nil, validationErrorf("deposit amount %s below minimum %s", amount, s.Cfg.MinDeposit)
	}

	deposit := &models.FarmingDeposit{
		OwnerID:       ownerID,
		Currency:      models.CurrencyUni,
		Amount:        amount,
		RatePerSecond: ratePerSecond(amount, s.Cfg.DailyRate),
		LastUpdatedAt: s.Clock.Now(),
		IsActive:      true,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, "id = ?", ownerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundErrorf("participant %s", ownerID)
			}
			return dbError("fetch participant", err)
		}
		if p.BalanceUni.LessThan(amount) {
			return errInsufficientf(p.BalanceUni, amount)
		}
		if err := tx.Model(&models.Participant{}).Where("id = ?", ownerID).
			UpdateColumn("balance_uni", gorm.Expr("balance_uni - ?", amount)).Error; err != nil {
			return dbError("debit balance", err)
		}
		if err := tx.Create(deposit).Error; err != nil {
			return dbError("create deposit", err)
		}
		entry := models.LedgerEntry{
			ParticipantID: ownerID,
			Type:          models.LedgerTypeFarmingDeposit,
			Currency:      models.CurrencyUni,
			Amount:        amount,
			Status:        models.LedgerStatusConfirmed,
			Source:        deposit.ID,
			Category:      "farming",
			Description:   "deposit opened",
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [FARMING] Deposit %s opened: owner=%s amount=%s rate/s=%s",
		deposit.ID, ownerID, amount, deposit.RatePerSecond)
	return deposit, nil
}

// Accrue runs one accrual tick for a participant. A second call while one
// is in flight is rejected as a no-op returning zero.
func (s *FarmingService) Accrue(ctx context.Context, ownerID string) (*AccrueResult, error) {
	if !s.guard.TryAcquire(ownerID) {
		return &AccrueResult{Skipped: true, Earned: decimal.Zero, Transferred: decimal.Zero}, nil
	}
	defer s.guard.Release(ownerID)
	return s.accrue(ctx, ownerID, false)
}

// Harvest transfers the whole accumulator into main balance immediately,
// bypassing the threshold gate, after crediting any pending accrual.
func (s *FarmingService) Harvest(ctx context.Context, ownerID string) (*AccrueResult, error) {
	if !s.guard.TryAcquire(ownerID) {
		return &AccrueResult{Skipped: true, Earned: decimal.Zero, Transferred: decimal.Zero}, nil
	}
	defer s.guard.Release(ownerID)
	return s.accrue(ctx, ownerID, true)
}

func (s *FarmingService) accrue(ctx context.Context, ownerID string, force bool) (*AccrueResult, error) {
	now := s.Clock.Now()
	res := &AccrueResult{Earned: decimal.Zero, Transferred: decimal.Zero}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, "id = ?", ownerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundErrorf("participant %s", ownerID)
			}
			return dbError("fetch participant", err)
		}

		var deposits []models.FarmingDeposit
		if err := tx.Where("owner_id = ? AND is_active = ?", ownerID, true).
			Find(&deposits).Error; err != nil {
			return dbError("fetch deposits", err)
		}

		if len(deposits) == 0 && (!force || p.FarmingAccumUni.IsZero()) {
			res.Skipped = true
			res.NewMainBalance = p.BalanceUni
			return nil
		}

		plan := computeAccrual(deposits, p.FarmingAccumUni, now, s.Cfg.TickWidth, s.Cfg.ChangeThreshold, force)

		if len(deposits) > 0 {
			if err := tx.Model(&models.FarmingDeposit{}).
				Where("owner_id = ? AND is_active = ?", ownerID, true).
				UpdateColumn("last_updated_at", now).Error; err != nil {
				return dbError("advance deposit windows", err)
			}
		}

		updates := map[string]interface{}{
			models.AccumulatorColumn(models.CurrencyUni): plan.NewAccumulator,
		}
		if plan.Transfer.GreaterThan(decimal.Zero) {
			updates[models.MainBalanceColumn(models.CurrencyUni)] = gorm.Expr("balance_uni + ?", plan.Transfer)
			entry := models.LedgerEntry{
				ParticipantID: ownerID,
				Type:          models.LedgerTypeFarmingIncome,
				Currency:      models.CurrencyUni,
				Amount:        plan.Transfer,
				Status:        models.LedgerStatusConfirmed,
				Category:      "farming",
				Description:   "farming income",
			}
			if err := tx.Create(&entry).Error; err != nil {
				return dbError("write income entry", err)
			}
		}
		if err := tx.Model(&models.Participant{}).Where("id = ?", ownerID).
			Updates(updates).Error; err != nil {
			return dbError("apply accrual", err)
		}

		res.Earned = plan.Earned
		res.Transferred = plan.Transfer
		res.NewMainBalance = p.BalanceUni.Add(plan.Transfer)
		return nil
	})
	if err != nil {
		log.Printf("❌ [FARMING] accrual failed owner=%s: %v", ownerID, err)
		return nil, err
	}

	// Emit the reward event only after the balance transfer committed.
	if res.Transferred.GreaterThan(decimal.Zero) && s.Queue != nil {
		if _, err := s.Queue.Enqueue(ctx, ownerID, res.Transferred, models.CurrencyUni); err != nil {
			log.Printf("❌ [FARMING] reward event enqueue failed owner=%s amount=%s: %v", ownerID, res.Transferred, err)
			return res, err
		}
	}
	return res, nil
}

// FarmingInfo is the read-model for a participant's farming state.
type FarmingInfo struct {
	IsActive       bool                    `json:"is_active"`
	TotalDeposited decimal.Decimal         `json:"total_deposited"`
	RatePerSecond  decimal.Decimal         `json:"rate_per_second"`
	DailyIncome    decimal.Decimal         `json:"daily_income"`
	Accumulated    decimal.Decimal         `json:"accumulated"`
	Deposits       []models.FarmingDeposit `json:"deposits"`
}

// GetFarmingInfo reads a participant's farming state, ticking accrual first
// so the reported accumulator is current.
func (s *FarmingService) GetFarmingInfo(ctx context.Context, ownerID string) (*FarmingInfo, error) {
	if _, err := s.Accrue(ctx, ownerID); err != nil {
		return nil, err
	}

	var p models.Participant
	if err := s.DB.WithContext(ctx).First(&p, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErrorf("participant %s", ownerID)
		}
		return nil, dbError("fetch participant", err)
	}

	var deposits []models.FarmingDeposit
	if err := s.DB.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("created_at ASC").
		Find(&deposits).Error; err != nil {
		return nil, dbError("fetch deposits", err)
	}

	info := &FarmingInfo{
		IsActive:       len(deposits) > 0,
		TotalDeposited: decimal.Zero,
		RatePerSecond:  decimal.Zero,
		Accumulated:    p.FarmingAccumUni,
		Deposits:       deposits,
	}
	for _, d := range deposits {
		info.TotalDeposited = info.TotalDeposited.Add(d.Amount)
		info.RatePerSecond = info.RatePerSecond.Add(d.RatePerSecond)
	}
	info.DailyIncome = info.RatePerSecond.Mul(secondsPerDay)
	return info, nil
}

// depositClosure is the precomputed outcome of retiring a deposit: the
// principal credited back to the owner's main balance and the ledger entry
// recording it.
type depositClosure struct {
	Principal decimal.Decimal
	Entry     models.LedgerEntry
}

func closeDeposit(d *models.FarmingDeposit) depositClosure {
	return depositClosure{
		Principal: d.Amount,
		Entry: models.LedgerEntry{
			ParticipantID: d.OwnerID,
			Type:          models.LedgerTypeDepositReturn,
			Currency:      d.Currency,
			Amount:        d.Amount,
			Status:        models.LedgerStatusConfirmed,
			Source:        d.ID,
			Category:      "farming",
			Description:   "deposit closed, principal returned",
		},
	}
}

// DeactivateDeposit retires a deposit: pending accrual is credited, the
// principal returns to main balance and the row is flagged inactive.
// Deposits are never hard-deleted.
func (s *FarmingService) DeactivateDeposit(ctx context.Context, ownerID, depositID string) (*models.FarmingDeposit, error) {
	if _, err := s.Accrue(ctx, ownerID); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var deposit models.FarmingDeposit
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&deposit, "id = ? AND owner_id = ? AND is_active = ?", depositID, ownerID, true).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundErrorf("active deposit %s for %s", depositID, ownerID)
			}
			return dbError("fetch deposit", err)
		}
		closure := closeDeposit(&deposit)
		if err := tx.Model(&deposit).UpdateColumn("is_active", false).Error; err != nil {
			return dbError("deactivate deposit", err)
		}
		col := models.MainBalanceColumn(deposit.Currency)
		if err := tx.Model(&models.Participant{}).Where("id = ?", ownerID).
			UpdateColumn(col, gorm.Expr(col+" + ?", closure.Principal)).Error; err != nil {
			return dbError("return principal", err)
		}
		return tx.Create(&closure.Entry).Error
	})
	if err != nil {
		return nil, err
	}

	deposit.IsActive = false
	log.Printf("✅ [FARMING] Deposit %s closed: owner=%s principal=%s returned", deposit.ID, ownerID, deposit.Amount)
	return &deposit, nil
}

// ActiveFarmerIDs lists participants with at least one active deposit, for
// the scheduler sweep.
func (s *FarmingService) ActiveFarmerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.DB.WithContext(ctx).Model(&models.FarmingDeposit{}).
		Where("is_active = ?", true).
		Distinct().
		Pluck("owner_id", &ids).Error; err != nil {
		return nil, dbError("list active farmers", err)
	}
	return ids, nil
}
