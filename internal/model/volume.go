package model

import (
	"time"
)

// VolumeSource identifies what produced a volume event.
type VolumeSource string

const (
	SourcePackagePurchase VolumeSource = "package_purchase"
	SourcePackageUpgrade  VolumeSource = "package_upgrade"
	SourceRepurchase      VolumeSource = "repurchase"
)

// VolumeEvent is an immutable PV/BV posting. Pairing consumes it only through
// the node counters; rows are never updated or deleted.
type VolumeEvent struct {
	ID         uint         `gorm:"primarykey" json:"id"`
	EventID    string       `gorm:"uniqueIndex:idx_volume_event_id;size:191;not null" json:"event_id"`
	MemberID   string       `gorm:"index:idx_volume_member;size:64;not null" json:"member_id"`
	PV         int64        `gorm:"column:pv;not null" json:"pv"`
	BV         int64        `gorm:"column:bv;not null" json:"bv"`
	Source     VolumeSource `gorm:"size:32;not null" json:"source"`
	OccurredAt time.Time    `gorm:"index:idx_volume_member;not null" json:"occurred_at"`
	CreatedAt  time.Time    `json:"created_at"`
}

// TableName specifies the table name
func (VolumeEvent) TableName() string {
	return "volume_events"
}
