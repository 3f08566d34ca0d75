package model

import (
	"fmt"
	"time"
)

// Leg is a side of a binary tree node.
type Leg string

const (
	LegLeft  Leg = "left"
	LegRight Leg = "right"
	LegAuto  Leg = "auto"
)

// Valid reports whether l is one of the placement legs.
func (l Leg) Valid() bool {
	return l == LegLeft || l == LegRight || l == LegAuto
}

// TreeNode is the placement record of a member in the binary tree. Links are
// member ids, never pointers, so every node can be locked and persisted on
// its own.
type TreeNode struct {
	MemberID     string `gorm:"primaryKey;size:64" json:"member_id"`
	ParentID     string `gorm:"index;size:64" json:"parent_id,omitempty"`
	Side         Leg    `gorm:"size:8" json:"side,omitempty"`
	Depth        int    `gorm:"not null;default:0" json:"depth"`
	LeftChildID  string `gorm:"size:64;not null;default:''" json:"left_child_id,omitempty"`
	RightChildID string `gorm:"size:64;not null;default:''" json:"right_child_id,omitempty"`

	LeftCount  int64 `gorm:"not null;default:0" json:"left_count"`
	RightCount int64 `gorm:"not null;default:0" json:"right_count"`

	LeftPV  int64 `gorm:"column:left_pv;not null;default:0" json:"left_pv"`
	RightPV int64 `gorm:"column:right_pv;not null;default:0" json:"right_pv"`
	LeftBV  int64 `gorm:"column:left_bv;not null;default:0" json:"left_bv"`
	RightBV int64 `gorm:"column:right_bv;not null;default:0" json:"right_bv"`

	LeftUnconsumedPV  int64 `gorm:"column:left_unconsumed_pv;not null;default:0" json:"left_unconsumed_pv"`
	RightUnconsumedPV int64 `gorm:"column:right_unconsumed_pv;not null;default:0" json:"right_unconsumed_pv"`
	LeftConsumedPV    int64 `gorm:"column:left_consumed_pv;not null;default:0" json:"left_consumed_pv"`
	RightConsumedPV   int64 `gorm:"column:right_consumed_pv;not null;default:0" json:"right_consumed_pv"`

	Blocked     bool      `gorm:"not null;default:false" json:"blocked"`
	BlockReason string    `gorm:"size:255" json:"block_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (TreeNode) TableName() string {
	return "tree_nodes"
}

// Child returns the child id on the given side, or "" when the slot is empty.
func (n *TreeNode) Child(side Leg) string {
	if side == LegRight {
		return n.RightChildID
	}
	return n.LeftChildID
}

// Count returns the number of nodes in the subtree hanging on side.
func (n *TreeNode) Count(side Leg) int64 {
	if side == LegRight {
		return n.RightCount
	}
	return n.LeftCount
}

// TeamSize is the number of members placed anywhere below the node.
func (n *TreeNode) TeamSize() int64 {
	return n.LeftCount + n.RightCount
}

// Emptier returns the side with fewer descendants, left on a tie.
func (n *TreeNode) Emptier() Leg {
	if n.RightCount < n.LeftCount {
		return LegRight
	}
	return LegLeft
}

// Verify checks the volume counters: per side, total PV must equal
// unconsumed plus consumed, and no counter may go negative.
func (n *TreeNode) Verify() error {
	sides := []struct {
		leg                         Leg
		total, unconsumed, consumed int64
	}{
		{LegLeft, n.LeftPV, n.LeftUnconsumedPV, n.LeftConsumedPV},
		{LegRight, n.RightPV, n.RightUnconsumedPV, n.RightConsumedPV},
	}
	for _, s := range sides {
		if s.unconsumed < 0 || s.consumed < 0 {
			return fmt.Errorf("negative %s volume (unconsumed=%d consumed=%d)", s.leg, s.unconsumed, s.consumed)
		}
		if s.total != s.unconsumed+s.consumed {
			return fmt.Errorf("%s volume not conserved (total=%d unconsumed=%d consumed=%d)",
				s.leg, s.total, s.unconsumed, s.consumed)
		}
	}
	if n.LeftCount < 0 || n.RightCount < 0 {
		return fmt.Errorf("negative subtree count (left=%d right=%d)", n.LeftCount, n.RightCount)
	}
	return nil
}
