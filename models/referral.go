package models

import "time"

// ReferralEdge is a derived index row: participant → ancestor at a given
// level (1 = direct inviter, capped at 20). It is rebuilt from the
// parent-code pointer graph and is never the source of truth.
type ReferralEdge struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ParticipantID string    `gorm:"uniqueIndex:idx_edge_pair;not null" json:"participant_id"`
	InviterID     string    `gorm:"uniqueIndex:idx_edge_pair;index;not null" json:"inviter_id"`
	Level         int       `gorm:"not null" json:"level"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// ReferralLevelStat is one row of the aggregated downward view:
// how many participants sit at a level below the owner and how much
// referral reward that level has produced for the owner.
type ReferralLevelStat struct {
	Level        int    `json:"level"`
	Count        int64  `json:"count"`
	TotalRewards string `json:"total_rewards"`
}
