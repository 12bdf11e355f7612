package models

import (
	"time"

	"gorm.io/gorm"
)

// Currency identifies a balance denomination managed by this service.
type Currency string

const (
	CurrencyUni Currency = "UNI"
	CurrencyTon Currency = "TON"
)

func (c Currency) Valid() bool {
	return c == CurrencyUni || c == CurrencyTon
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
