package model

import (
	"time"
)

// Member is a participant of the compensation plan. Identity and sponsor
// never change; package, rank and the active flag do.
type Member struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	SponsorID string    `gorm:"index:idx_members_sponsor;size:64" json:"sponsor_id,omitempty"`
	PackageID string    `gorm:"size:64;not null" json:"package_id"`
	JoinedAt  time.Time `gorm:"not null" json:"joined_at"`
	Active    bool      `gorm:"not null" json:"active"`
	Rank      int       `gorm:"column:rank_level;not null;default:0" json:"rank"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (Member) TableName() string {
	return "members"
}

// IsRoot reports whether the member has no sponsor.
func (m *Member) IsRoot() bool {
	return m.SponsorID == ""
}

// ProcessedEvent marks an inbound event id as applied.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey;size:191" json:"event_id"`
	Kind        string    `gorm:"size:64;not null" json:"kind"`
	MemberID    string    `gorm:"index;size:64" json:"member_id"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// TableName specifies the table name
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// ParkedEvent holds an event that stopped on a blocked tree node. It is
// replayed, in arrival order, once the node is resolved.
type ParkedEvent struct {
	ID       uint      `gorm:"primarykey" json:"id"`
	EventID  string    `gorm:"uniqueIndex;size:191;not null" json:"event_id"`
	NodeID   string    `gorm:"index;size:64;not null" json:"node_id"`
	Kind     string    `gorm:"size:64;not null" json:"kind"`
	Payload  []byte    `gorm:"not null" json:"payload"`
	Reason   string    `gorm:"size:255" json:"reason,omitempty"`
	ParkedAt time.Time `gorm:"not null" json:"parked_at"`
}

// TableName specifies the table name
func (ParkedEvent) TableName() string {
	return "parked_events"
}
