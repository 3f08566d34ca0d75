package model

import (
	"time"
)

// RankAchievement is the audit trail of rank transitions. It is never read
// back by the qualification logic.
type RankAchievement struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	MemberID   string    `gorm:"uniqueIndex:idx_member_rank;size:64;not null" json:"member_id"`
	Rank       int       `gorm:"column:rank_level;uniqueIndex:idx_member_rank;not null" json:"rank"`
	RankName   string    `gorm:"size:64;not null" json:"rank_name"`
	Reward     int64     `gorm:"not null;default:0" json:"reward"`
	EventID    string    `gorm:"size:191" json:"event_id"`
	AchievedAt time.Time `gorm:"not null" json:"achieved_at"`
}

// TableName specifies the table name
func (RankAchievement) TableName() string {
	return "rank_achievements"
}

// All returns every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Member{},
		&ProcessedEvent{},
		&ParkedEvent{},
		&TreeNode{},
		&VolumeEvent{},
		&BonusRecord{},
		&PairingEntry{},
		&Wallet{},
		&WalletEntry{},
		&Withdrawal{},
		&RankAchievement{},
	}
}
