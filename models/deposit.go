package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FarmingDeposit is an active principal that accrues yield per second.
// Deposits are never hard-deleted; closing one flips IsActive and returns
// the principal to the owner's main balance.
type FarmingDeposit struct {
	ID       string   `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	OwnerID  string   `gorm:"index;not null" json:"owner_id"`
	Currency Currency `gorm:"type:varchar(8);not null;default:'UNI'" json:"currency"`

	Amount decimal.Decimal `gorm:"type:numeric(30,12);not null" json:"amount"`
	// RatePerSecond = Amount × daily_rate ÷ 86400, fixed at creation time.
	RatePerSecond decimal.Decimal `gorm:"type:numeric(30,18);not null" json:"rate_per_second"`

	// LastUpdatedAt marks the end of the last accrued window.
	LastUpdatedAt time.Time `gorm:"not null" json:"last_updated_at"`
	IsActive      bool      `gorm:"not null;default:true;index" json:"is_active"`

	Timestamps
}
