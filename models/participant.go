package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Participant is an account holder. Each currency has two balance fields:
// the spendable main balance and a farming accumulator that collects
// sub-threshold accrual until it is worth a main-balance write.
type Participant struct {
	ID         string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	TelegramID *int64 `gorm:"uniqueIndex" json:"telegram_id,omitempty"`
	Username   string `gorm:"index" json:"username"`

	BalanceUni      decimal.Decimal `gorm:"type:numeric(30,12);not null;default:0" json:"balance_uni"`
	BalanceTon      decimal.Decimal `gorm:"type:numeric(30,12);not null;default:0" json:"balance_ton"`
	FarmingAccumUni decimal.Decimal `gorm:"type:numeric(30,12);not null;default:0" json:"farming_accum_uni"`
	FarmingAccumTon decimal.Decimal `gorm:"type:numeric(30,12);not null;default:0" json:"farming_accum_ton"`

	// RefCode is the participant's own public invitation code.
	// ParentRefCode points at the inviter's RefCode; set at most once.
	RefCode       string  `gorm:"uniqueIndex;not null" json:"ref_code"`
	ParentRefCode *string `gorm:"index" json:"parent_ref_code,omitempty"`

	LastActiveAt *time.Time `json:"last_active_at,omitempty"`

	Timestamps
}

// MainBalance returns the spendable balance for a currency.
func (p *Participant) MainBalance(c Currency) decimal.Decimal {
	if c == CurrencyTon {
		return p.BalanceTon
	}
	return p.BalanceUni
}

// Accumulator returns the farming accumulator for a currency.
func (p *Participant) Accumulator(c Currency) decimal.Decimal {
	if c == CurrencyTon {
		return p.FarmingAccumTon
	}
	return p.FarmingAccumUni
}

// MainBalanceColumn is the DB column holding the main balance for a currency.
// Used to build bulk conditional updates.
func MainBalanceColumn(c Currency) string {
	if c == CurrencyTon {
		return "balance_ton"
	}
	return "balance_uni"
}

// AccumulatorColumn is the DB column holding the accumulator for a currency.
func AccumulatorColumn(c Currency) string {
	if c == CurrencyTon {
		return "farming_accum_ton"
	}
	return "farming_accum_uni"
}
