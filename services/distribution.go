package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultLevelShares is the per-level cut of an event amount, indexed by
// chain position (index 0 = level 1, the direct inviter). Levels beyond the
// table receive nothing; the table deliberately sums to well under 100%.
var DefaultLevelShares = []decimal.Decimal{
	decimal.RequireFromString("0.05"),
	decimal.RequireFromString("0.03"),
	decimal.RequireFromString("0.02"),
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.005"),
	decimal.RequireFromString("0.005"),
	decimal.RequireFromString("0.005"),
	decimal.RequireFromString("0.005"),
	decimal.RequireFromString("0.005"),
}

// DefaultMinReward drops dust: per-position rewards under this floor are
// skipped instead of producing near-zero ledger entries.
var DefaultMinReward = decimal.RequireFromString("0.000001")

// LevelShare is one ancestor's merged cut of a distribution. Level is the
// chain position the ancestor was first seen at.
type LevelShare struct {
	ParticipantID string
	Level         int
	Amount        decimal.Decimal
}

// DistributionResult summarizes one committed distribution.
type DistributionResult struct {
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	LevelsProcessed  int             `json:"levels_processed"`
	InviterCount     int             `json:"inviter_count"`
}

// DistributionEngine walks the inviter chain of a source participant and
// credits each ancestor its level share as one atomic unit: the batch's
// completed transition, bulk ledger insert and bulk balance update,
// all-or-nothing.
type DistributionEngine struct {
	DB        *gorm.DB
	Resolver  ChainResolver
	Shares    []decimal.Decimal
	MinReward decimal.Decimal
}

func NewDistributionEngine(db *gorm.DB, resolver ChainResolver) *DistributionEngine {
	return &DistributionEngine{
		DB:        db,
		Resolver:  resolver,
		Shares:    DefaultLevelShares,
		MinReward: DefaultMinReward,
	}
}

// computeLevelShares turns a resolved chain and an event amount into merged
// per-ancestor shares. Per-position rewards below minReward are dropped
// first; rewards for an ancestor appearing at several positions (cycles)
// are then summed so each ancestor gets at most one share.
func computeLevelShares(chain []string, amount decimal.Decimal, table []decimal.Decimal, minReward decimal.Decimal) ([]LevelShare, decimal.Decimal) {
	shares := make([]LevelShare, 0, len(chain))
	index := make(map[string]int, len(chain))
	total := decimal.Zero

	for i, ancestorID := range chain {
		if i >= len(table) {
			break
		}
		reward := amount.Mul(table[i])
		if reward.LessThan(minReward) {
			continue
		}
		total = total.Add(reward)
		if at, ok := index[ancestorID]; ok {
			shares[at].Amount = shares[at].Amount.Add(reward)
			continue
		}
		index[ancestorID] = len(shares)
		shares = append(shares, LevelShare{
			ParticipantID: ancestorID,
			Level:         i + 1,
			Amount:        reward,
		})
	}
	return shares, total
}

// buildBulkBalanceUpdate renders the single conditional UPDATE that applies
// every share's balance delta in one statement.
func buildBulkBalanceUpdate(currency models.Currency, shares []LevelShare) (string, []interface{}) {
	col := models.MainBalanceColumn(currency)
	values := make([]string, 0, len(shares))
	args := make([]interface{}, 0, len(shares)*2)
	for _, sh := range shares {
		values = append(values, "(?::uuid, ?::numeric)")
		args = append(args, sh.ParticipantID, sh.Amount)
	}
	sql := fmt.Sprintf(
		"UPDATE participants AS p SET %s = p.%s + v.amount, updated_at = NOW() FROM (VALUES %s) AS v(id, amount) WHERE p.id = v.id",
		col, col, strings.Join(values, ", "),
	)
	return sql, args
}

// buildRewardEntries renders the ledger rows for a distribution. Source
// carries the batch id so every credit traces back to its batch.
func buildRewardEntries(batchID string, currency models.Currency, shares []LevelShare) []models.LedgerEntry {
	entries := make([]models.LedgerEntry, 0, len(shares))
	for _, sh := range shares {
		entries = append(entries, models.LedgerEntry{
			ParticipantID: sh.ParticipantID,
			Type:          models.LedgerTypeReferralReward,
			Currency:      currency,
			Amount:        sh.Amount,
			Status:        models.LedgerStatusConfirmed,
			Source:        batchID,
			Category:      "referral",
			Description:   fmt.Sprintf("level %d referral reward", sh.Level),
			Level:         sh.Level,
		})
	}
	return entries
}

// completeBatch moves the batch to completed inside the distribution
// transaction. claimed=false means another run already completed it, so the
// caller must roll back instead of crediting twice.
func completeBatch(tx *gorm.DB, batchID string, result *DistributionResult) (bool, error) {
	now := time.Now()
	res := tx.Model(&models.RewardBatch{}).
		Where("batch_id = ? AND status <> ?", batchID, models.BatchStatusCompleted).
		Updates(map[string]interface{}{
			"status":            models.BatchStatusCompleted,
			"levels_processed":  result.LevelsProcessed,
			"inviter_count":     result.InviterCount,
			"total_distributed": result.TotalDistributed,
			"error_message":     "",
			"completed_at":      &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Distribute resolves the chain, computes per-level shares and commits them
// together with the batch's completed transition, all in one transaction.
// A crash leaves the batch short of completed with nothing credited, so
// re-driving it cannot double-credit. An empty chain is a successful zero
// distribution. ErrAlreadyDistributed reports a batch some other run
// already completed.
func (e *DistributionEngine) Distribute(ctx context.Context, batchID, sourceID string, amount decimal.Decimal, currency models.Currency) (*DistributionResult, error) {
	if batchID == "" {
		return nil, validationErrorf("batch id is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, validationErrorf("distribution amount must be positive, got %s", amount)
	}
	if !currency.Valid() {
		return nil, validationErrorf("unknown currency %q", currency)
	}

	chain, err := e.Resolver.ResolveChain(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	shares, total := computeLevelShares(chain, amount, e.Shares, e.MinReward)
	result := &DistributionResult{
		TotalDistributed: total,
		LevelsProcessed:  len(chain),
		InviterCount:     len(shares),
	}

	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := completeBatch(tx, batchID, result)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrAlreadyDistributed
		}
		if len(shares) == 0 {
			return nil
		}
		entries := buildRewardEntries(batchID, currency, shares)
		if err := tx.Create(&entries).Error; err != nil {
			return err
		}
		sql, args := buildBulkBalanceUpdate(currency, shares)
		return tx.Exec(sql, args...).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyDistributed) {
			return nil, err
		}
		log.Printf("❌ [DISTRIBUTION] commit failed batch=%s source=%s amount=%s currency=%s: %v", batchID, sourceID, amount, currency, err)
		return nil, dbError("commit distribution", err)
	}

	log.Printf("✅ [DISTRIBUTION] batch=%s source=%s amount=%s currency=%s inviters=%d total=%s",
		batchID, sourceID, amount, currency, len(shares), total)
	return result, nil
}
