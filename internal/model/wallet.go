package model

import (
	"time"
)

// Bucket is one of the two wallet balances.
type Bucket string

const (
	BucketEarnings Bucket = "earnings"
	BucketAwaiting Bucket = "awaiting"
)

// Wallet is the projection of a member's wallet journal.
type Wallet struct {
	MemberID          string     `gorm:"primaryKey;size:64" json:"member_id"`
	Earnings          int64      `gorm:"not null;default:0" json:"earnings"`
	Awaiting          int64      `gorm:"not null;default:0" json:"awaiting"`
	Currency          string     `gorm:"size:3;not null" json:"currency"`
	LastRepurchaseAt  *time.Time `json:"last_repurchase_at,omitempty"`
	NextRepurchaseDue *time.Time `json:"next_repurchase_due,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName specifies the table name
func (Wallet) TableName() string {
	return "wallets"
}

// EntryKind is the direction of a wallet journal entry.
type EntryKind string

const (
	EntryCredit  EntryKind = "credit"
	EntryDebit   EntryKind = "debit"
	EntryRelease EntryKind = "release"
)

// WalletEntry is an append-only wallet journal line. A release entry moves
// Amount from awaiting to earnings.
type WalletEntry struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	MemberID  string    `gorm:"index:idx_wallet_entry_member;size:64;not null" json:"member_id"`
	Bucket    Bucket    `gorm:"size:16;not null" json:"bucket"`
	Kind      EntryKind `gorm:"size:16;not null" json:"kind"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Reference string    `gorm:"index;size:191" json:"reference"`
	CreatedAt time.Time `gorm:"index:idx_wallet_entry_member" json:"created_at"`
}

// TableName specifies the table name
func (WalletEntry) TableName() string {
	return "wallet_entries"
}

// WithdrawalStatus tracks a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Withdrawal is a request to pay out part of the earnings balance.
type Withdrawal struct {
	RequestID   string           `gorm:"primaryKey;size:191" json:"request_id"`
	MemberID    string           `gorm:"index;size:64;not null" json:"member_id"`
	Amount      int64            `gorm:"not null" json:"amount"`
	Status      WithdrawalStatus `gorm:"size:16;not null" json:"status"`
	Reason      string           `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

// TableName specifies the table name
func (Withdrawal) TableName() string {
	return "withdrawals"
}
