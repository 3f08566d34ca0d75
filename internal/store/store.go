// Package store declares the persistence contract of the settlement engine.
// Every mutation is a single atomic statement (delta or compare-and-set), so
// implementations stay safe under concurrent units of work; Atomic groups
// them into one transactional unit per event.
package store

import (
	"context"
	"errors"
	"time"

	"settlement-service/internal/model"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrSlotTaken         = errors.New("tree slot already occupied")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// MemberStore persists members.
type MemberStore interface {
	CreateMember(ctx context.Context, m *model.Member) error
	GetMember(ctx context.Context, id string) (*model.Member, error)
	HasMembers(ctx context.Context) (bool, error)
	CountDirectReferrals(ctx context.Context, sponsorID string) (int64, error)
	UpdateMemberPackage(ctx context.Context, id, packageID string) error
	SetMemberActive(ctx context.Context, id string, active bool) error
	// RaiseMemberRank sets the rank only if it is higher than the stored one.
	RaiseMemberRank(ctx context.Context, id string, rank int) error
}

// TreeReader is the read side of the tree store.
type TreeReader interface {
	GetNode(ctx context.Context, memberID string) (*model.TreeNode, error)
}

// TreeStore persists the binary tree and its volume counters.
type TreeStore interface {
	TreeReader
	CreateNode(ctx context.Context, n *model.TreeNode) error
	// AttachChild links childID under parentID if the slot is still empty,
	// otherwise it returns ErrSlotTaken.
	AttachChild(ctx context.Context, parentID string, side model.Leg, childID string) error
	IncrementSubtreeCount(ctx context.Context, nodeID string, side model.Leg) error
	AddLegVolume(ctx context.Context, nodeID string, side model.Leg, pv, bv int64) error
	// ConsumePairVolume moves pv from unconsumed to consumed on both sides.
	ConsumePairVolume(ctx context.Context, nodeID string, pv int64) error
	SetNodeBlocked(ctx context.Context, nodeID string, blocked bool, reason string) error
	// ListPairableNodes returns nodes, ordered by member id and strictly after
	// the cursor, whose unconsumed PV reaches minPV on both sides.
	ListPairableNodes(ctx context.Context, minPV int64, after string, limit int) ([]model.TreeNode, error)
}

// VolumeLedger is the append-only PV/BV log.
type VolumeLedger interface {
	AppendVolumeEvent(ctx context.Context, ev *model.VolumeEvent) error
	SumPersonalPV(ctx context.Context, memberID string) (int64, error)
}

// BonusLedger is the append-only bonus and pairing log.
type BonusLedger interface {
	InsertBonus(ctx context.Context, b *model.BonusRecord) error
	ListBonuses(ctx context.Context, memberID string, from, to time.Time) ([]model.BonusRecord, error)
	AppendPairing(ctx context.Context, e *model.PairingEntry) error
	PaidPairs(ctx context.Context, memberID, day string) (int64, error)
}

// WalletStore persists wallet projections, their journal and withdrawals.
type WalletStore interface {
	EnsureWallet(ctx context.Context, memberID, currency string) error
	GetWallet(ctx context.Context, memberID string) (*model.Wallet, error)
	CreditWallet(ctx context.Context, memberID string, bucket model.Bucket, amount int64) error
	// DebitEarnings subtracts amount only when earnings cover it, otherwise
	// it returns ErrInsufficientFunds and changes nothing.
	DebitEarnings(ctx context.Context, memberID string, amount int64) error
	// ReleaseAwaiting moves the whole awaiting balance to earnings and
	// returns the moved amount.
	ReleaseAwaiting(ctx context.Context, memberID string) (int64, error)
	SetRepurchase(ctx context.Context, memberID string, last, nextDue time.Time) error
	AppendWalletEntry(ctx context.Context, e *model.WalletEntry) error
	ListWalletEntries(ctx context.Context, memberID string) ([]model.WalletEntry, error)

	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
}

// RankStore persists the rank achievement audit log.
type RankStore interface {
	InsertRankAchievement(ctx context.Context, a *model.RankAchievement) error
	ListRankAchievements(ctx context.Context, memberID string) ([]model.RankAchievement, error)
}

// EventLog is the idempotency guard for inbound events.
type EventLog interface {
	MarkProcessed(ctx context.Context, e *model.ProcessedEvent) error
	EventExists(ctx context.Context, eventID string) (bool, error)
}

// ParkingLot keeps events that hit a blocked node until it is resolved.
type ParkingLot interface {
	// ParkEvent stores e, or moves an already parked event to e.NodeID.
	ParkEvent(ctx context.Context, e *model.ParkedEvent) error
	// ListParkedEvents returns the events parked on nodeID in arrival order.
	ListParkedEvents(ctx context.Context, nodeID string) ([]model.ParkedEvent, error)
	DeleteParkedEvent(ctx context.Context, eventID string) error
}

// Store is the whole persistence surface.
type Store interface {
	MemberStore
	TreeStore
	VolumeLedger
	BonusLedger
	WalletStore
	RankStore
	EventLog
	ParkingLot

	// Atomic runs fn as one unit of work: either every write made through
	// the Store passed to fn is kept, or none is.
	Atomic(ctx context.Context, fn func(tx Store) error) error
}
