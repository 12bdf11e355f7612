package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType classifies what moved a balance.
type LedgerEntryType string

const (
	LedgerTypeFarmingDeposit LedgerEntryType = "farming_deposit"
	LedgerTypeFarmingIncome  LedgerEntryType = "farming_income"
	LedgerTypeDepositReturn  LedgerEntryType = "deposit_return"
	LedgerTypeReferralReward LedgerEntryType = "referral_reward"
)

type LedgerEntryStatus string

const (
	LedgerStatusConfirmed LedgerEntryStatus = "confirmed"
	LedgerStatusRejected  LedgerEntryStatus = "rejected"
)

// LedgerEntry is the append-only evidence of every balance mutation.
// Rows are never updated or deleted.
type LedgerEntry struct {
	ID            string            `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ParticipantID string            `gorm:"index;not null" json:"participant_id"`
	Type          LedgerEntryType   `gorm:"type:varchar(32);not null;index" json:"type"`
	Currency      Currency          `gorm:"type:varchar(8);not null" json:"currency"`
	Amount        decimal.Decimal   `gorm:"type:numeric(30,12);not null" json:"amount"`
	Status        LedgerEntryStatus `gorm:"type:varchar(16);not null;default:'confirmed'" json:"status"`

	// Source ties the entry back to what produced it (deposit id, batch id, …).
	Source      string `gorm:"index" json:"source,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	// Level is the inviter-chain distance for referral rewards, 0 otherwise.
	Level int `gorm:"not null;default:0" json:"level"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
