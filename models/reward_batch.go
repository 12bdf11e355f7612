package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RewardBatchStatus is the batch lifecycle state.
type RewardBatchStatus string

const (
	BatchStatusQueued     RewardBatchStatus = "queued"
	BatchStatusProcessing RewardBatchStatus = "processing"
	BatchStatusCompleted  RewardBatchStatus = "completed"
	BatchStatusFailed     RewardBatchStatus = "failed"
)

// RewardBatch is the durable log row for one reward-distribution unit of work.
// BatchID is the unit of deduplication: a batch reaches completed at most once,
// and re-driving a completed batch returns the stored result.
type RewardBatch struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	BatchID string `gorm:"uniqueIndex;not null" json:"batch_id"`

	SourceParticipantID string            `gorm:"index;not null" json:"source_participant_id"`
	Amount              decimal.Decimal   `gorm:"type:numeric(30,12);not null" json:"amount"`
	Currency            Currency          `gorm:"type:varchar(8);not null" json:"currency"`
	Status              RewardBatchStatus `gorm:"type:varchar(16);not null;default:'queued';index" json:"status"`

	LevelsProcessed  int             `gorm:"not null;default:0" json:"levels_processed"`
	InviterCount     int             `gorm:"not null;default:0" json:"inviter_count"`
	TotalDistributed decimal.Decimal `gorm:"type:numeric(30,12);not null;default:0" json:"total_distributed"`
	Attempts         int             `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage     string          `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
