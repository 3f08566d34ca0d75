package model

import (
	"time"
)

// BonusType enumerates the compensation plan bonuses.
type BonusType string

const (
	BonusDirectSponsor   BonusType = "direct_sponsor"
	BonusIndirectSponsor BonusType = "indirect_sponsor"
	BonusBusiness        BonusType = "business"
	BonusRollup          BonusType = "rollup"
	BonusUnilevel        BonusType = "unilevel"
)

// BonusTypes lists every bonus type in payout order.
var BonusTypes = []BonusType{
	BonusDirectSponsor,
	BonusIndirectSponsor,
	BonusBusiness,
	BonusRollup,
	BonusUnilevel,
}

// Valid reports whether t is a known bonus type.
func (t BonusType) Valid() bool {
	for _, bt := range BonusTypes {
		if t == bt {
			return true
		}
	}
	return false
}

// BonusRecord is an immutable payout. The (EventID, Type, MemberID) triple is
// the de-duplication key and is enforced by a unique index.
type BonusRecord struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	EventID        string    `gorm:"uniqueIndex:idx_bonus_dedup;size:191;not null" json:"event_id"`
	Type           BonusType `gorm:"uniqueIndex:idx_bonus_dedup;size:32;not null" json:"type"`
	MemberID       string    `gorm:"uniqueIndex:idx_bonus_dedup;index:idx_bonus_member_created;size:64;not null" json:"member_id"`
	SourceMemberID string    `gorm:"size:64" json:"source_member_id,omitempty"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Currency       string    `gorm:"size:3;not null" json:"currency"`
	Generation     int       `gorm:"not null;default:0" json:"generation,omitempty"`
	Pairs          int64     `gorm:"not null;default:0" json:"pairs,omitempty"`
	CreatedAt      time.Time `gorm:"index:idx_bonus_member_created" json:"created_at"`
}

// TableName specifies the table name
func (BonusRecord) TableName() string {
	return "bonus_records"
}

// DedupKey identifies a bonus payout independent of its row id.
type DedupKey struct {
	EventID  string
	Type     BonusType
	MemberID string
}

// Key returns the de-duplication key of the record.
func (b *BonusRecord) Key() DedupKey {
	return DedupKey{EventID: b.EventID, Type: b.Type, MemberID: b.MemberID}
}

// PairingEntry records pairs paid to a member on a plan day, and the PV each
// side gave up for them.
type PairingEntry struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	MemberID   string    `gorm:"index:idx_pairing_member_day;size:64;not null" json:"member_id"`
	Day        string    `gorm:"index:idx_pairing_member_day;size:10;not null" json:"day"`
	Pairs      int64     `gorm:"not null" json:"pairs"`
	ConsumedPV int64     `gorm:"column:consumed_pv;not null" json:"consumed_pv"`
	EventID    string    `gorm:"size:191;not null" json:"event_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name
func (PairingEntry) TableName() string {
	return "pairing_entries"
}
