// Package wallet manages the two-bucket member wallet: earnings, which can
// be withdrawn, and awaiting, which holds withheld bonus shares until the
// member keeps up repurchase compliance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/model"
	"settlement-service/internal/money"
	"settlement-service/internal/plan"
	"settlement-service/internal/store"
)

// Ledger applies credits, releases and debits. Every balance change is
// journaled as a WalletEntry in the same unit of work.
type Ledger struct {
	plan *plan.Plan
	log  *logrus.Logger
	now  func() time.Time
}

// NewLedger returns a Ledger. now is the clock used to decide whether a
// repurchase falls in the current compliance period; nil means time.Now.
func NewLedger(p *plan.Plan, log *logrus.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{plan: p, log: log, now: now}
}

// Open makes sure memberID has a wallet.
func (l *Ledger) Open(ctx context.Context, tx store.WalletStore, memberID string) error {
	if err := tx.EnsureWallet(ctx, memberID, l.plan.Currency); err != nil {
		return fmt.Errorf("failed to open wallet for %s: %w", memberID, err)
	}
	return nil
}

// Credit adds amount to one bucket and journals it under reference.
func (l *Ledger) Credit(ctx context.Context, tx store.WalletStore, memberID string, bucket model.Bucket, amount int64, reference string, at time.Time) error {
	if amount <= 0 {
		return nil
	}
	if err := l.Open(ctx, tx, memberID); err != nil {
		return err
	}
	if err := tx.CreditWallet(ctx, memberID, bucket, amount); err != nil {
		return fmt.Errorf("failed to credit %s of %s: %w", bucket, memberID, err)
	}
	return l.journal(ctx, tx, memberID, bucket, model.EntryCredit, amount, reference, at)
}

// CreditBonus posts a bonus record. Withheld bonus types put the plan's
// withhold share into awaiting and the rest into earnings.
func (l *Ledger) CreditBonus(ctx context.Context, tx store.WalletStore, b *model.BonusRecord) (earnings, awaiting int64, err error) {
	earnings = b.Amount
	if l.plan.Withheld(b.Type) {
		awaiting, earnings = money.Split(b.Amount, l.plan.WithholdRate)
	}

	reference := fmt.Sprintf("bonus:%s", b.ID)
	if err := l.Credit(ctx, tx, b.MemberID, model.BucketAwaiting, awaiting, reference, b.CreatedAt); err != nil {
		return 0, 0, err
	}
	if err := l.Credit(ctx, tx, b.MemberID, model.BucketEarnings, earnings, reference, b.CreatedAt); err != nil {
		return 0, 0, err
	}
	return earnings, awaiting, nil
}

// RecordRepurchase stores the member's compliance dates and, when the
// repurchase falls in the current compliance period, releases the whole
// awaiting balance to earnings. It returns the released amount.
func (l *Ledger) RecordRepurchase(ctx context.Context, tx store.WalletStore, memberID string, at time.Time, reference string) (int64, error) {
	if err := l.Open(ctx, tx, memberID); err != nil {
		return 0, err
	}

	w, err := tx.GetWallet(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("failed to load wallet of %s: %w", memberID, err)
	}
	last := at
	if w.LastRepurchaseAt != nil && w.LastRepurchaseAt.After(at) {
		last = *w.LastRepurchaseAt
	}
	if err := tx.SetRepurchase(ctx, memberID, last, l.NextDue(last)); err != nil {
		return 0, fmt.Errorf("failed to record repurchase of %s: %w", memberID, err)
	}

	if !l.plan.InPeriod(at, l.now()) {
		l.log.WithFields(logrus.Fields{
			"member_id":    memberID,
			"repurchased":  at,
			"period_start": l.periodStart(),
		}).Info("repurchase outside current period, awaiting balance kept")
		return 0, nil
	}

	released, err := tx.ReleaseAwaiting(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("failed to release awaiting of %s: %w", memberID, err)
	}
	if released == 0 {
		return 0, nil
	}
	if err := l.journal(ctx, tx, memberID, model.BucketAwaiting, model.EntryRelease, released, reference, at); err != nil {
		return 0, err
	}

	l.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"released":  released,
	}).Info("awaiting balance released")

	return released, nil
}

// Withdraw debits earnings. When earnings do not cover amount it returns an
// InsufficientFundsError and no balance changes.
func (l *Ledger) Withdraw(ctx context.Context, tx store.WalletStore, memberID string, amount int64, reference string, at time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdrawal amount must be positive", apperrors.ErrInvalidEvent)
	}
	if err := l.Open(ctx, tx, memberID); err != nil {
		return err
	}

	err := tx.DebitEarnings(ctx, memberID, amount)
	if errors.Is(err, store.ErrInsufficientFunds) {
		available := int64(0)
		if w, gerr := tx.GetWallet(ctx, memberID); gerr == nil {
			available = w.Earnings
		}
		return &apperrors.InsufficientFundsError{
			MemberID:  memberID,
			Requested: amount,
			Available: available,
			Currency:  l.plan.Currency,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to debit earnings of %s: %w", memberID, err)
	}
	return l.journal(ctx, tx, memberID, model.BucketEarnings, model.EntryDebit, amount, reference, at)
}

// Continuous reports whether a member kept repurchase compliance as of at:
// a repurchase or the join date falls in the period of at or the one before.
func (l *Ledger) Continuous(w *model.Wallet, joinedAt, at time.Time) bool {
	start, _ := l.plan.Period(at)
	prevStart, _ := l.plan.Period(start.Add(-time.Nanosecond))

	within := func(t time.Time) bool {
		return !t.Before(prevStart) && !t.After(at)
	}
	if within(joinedAt) {
		return true
	}
	return w != nil && w.LastRepurchaseAt != nil && within(*w.LastRepurchaseAt)
}

// NextDue is the end of the calendar month following the period of last.
func (l *Ledger) NextDue(last time.Time) time.Time {
	_, end := l.plan.Period(last)
	_, next := l.plan.Period(end)
	return next.Add(-time.Nanosecond)
}

func (l *Ledger) periodStart() time.Time {
	start, _ := l.plan.Period(l.now())
	return start
}

func (l *Ledger) journal(ctx context.Context, tx store.WalletStore, memberID string, bucket model.Bucket, kind model.EntryKind, amount int64, reference string, at time.Time) error {
	entry := &model.WalletEntry{
		ID:        uuid.New().String(),
		MemberID:  memberID,
		Bucket:    bucket,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: at,
	}
	if err := tx.AppendWalletEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to journal wallet entry: %w", err)
	}
	return nil
}
