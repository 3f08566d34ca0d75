package engine

import (
	"context"
	"errors"
	"fmt"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/events"
	"settlement-service/internal/keylock"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

// requestWithdrawal records the request as pending and, with
// AutoProcessWithdrawals, settles it in the same unit of work. A rejected
// request is committed as rejected and its InsufficientFundsError returned.
func (e *Engine) requestWithdrawal(ctx context.Context, ev *events.WithdrawalRequested) error {
	unlock := e.locks.Lock(keylock.Wallet(ev.MemberID))
	defer unlock()

	var rejected error
	err := e.atomic(ctx, func(tx store.Store, fx *effects) error {
		rejected = nil
		if err := markProcessed(ctx, tx, ev, e.opts.Clock()); err != nil {
			return err
		}
		if _, err := e.member(ctx, tx, ev.MemberID); err != nil {
			return err
		}

		w := &model.Withdrawal{
			RequestID: ev.RequestID,
			MemberID:  ev.MemberID,
			Amount:    ev.Amount,
			Status:    model.WithdrawalPending,
			CreatedAt: ev.OccurredAt(),
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &apperrors.DuplicateEventError{EventID: ev.ID()}
			}
			return fmt.Errorf("failed to record withdrawal: %w", err)
		}
		if !e.opts.AutoProcessWithdrawals {
			return nil
		}

		var err error
		rejected, err = e.settleWithdrawal(ctx, tx, fx, w)
		return err
	})
	if err != nil {
		return err
	}
	return rejected
}

// ProcessWithdrawal settles a pending withdrawal request. Completed
// requests are returned as they are; a request that fails for lack of
// earnings is marked rejected and reported as InsufficientFundsError, also
// on later calls.
func (e *Engine) ProcessWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	pending, err := e.store.GetWithdrawal(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("withdrawal %s: %w", requestID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal: %w", err)
	}

	unlock := e.locks.Lock(keylock.Wallet(pending.MemberID))
	defer unlock()

	var (
		result   *model.Withdrawal
		rejected error
	)
	err = e.atomic(ctx, func(tx store.Store, fx *effects) error {
		rejected = nil
		w, err := tx.GetWithdrawal(ctx, requestID)
		if err != nil {
			return fmt.Errorf("failed to load withdrawal: %w", err)
		}
		result = w

		switch w.Status {
		case model.WithdrawalCompleted:
			return nil
		case model.WithdrawalRejected:
			rejected = e.insufficient(ctx, tx, w)
			return nil
		}

		rejected, err = e.settleWithdrawal(ctx, tx, fx, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, rejected
}

// settleWithdrawal debits earnings for w and updates its status. The
// returned rejection is a logical outcome, not a unit of work failure.
func (e *Engine) settleWithdrawal(ctx context.Context, tx store.Store, fx *effects, w *model.Withdrawal) (rejected error, err error) {
	now := e.opts.Clock()
	debitErr := e.ledger.Withdraw(ctx, tx, w.MemberID, w.Amount, "withdrawal:"+w.RequestID, now)

	var insufficient *apperrors.InsufficientFundsError
	switch {
	case debitErr == nil:
		w.Status = model.WithdrawalCompleted
	case errors.As(debitErr, &insufficient):
		w.Status = model.WithdrawalRejected
		w.Reason = debitErr.Error()
		rejected = debitErr
	default:
		return nil, debitErr
	}
	w.ProcessedAt = &now
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	fx.withdrawal = w
	return rejected, nil
}

func (e *Engine) insufficient(ctx context.Context, tx store.Store, w *model.Withdrawal) error {
	available := int64(0)
	if wallet, err := tx.GetWallet(ctx, w.MemberID); err == nil {
		available = wallet.Earnings
	}
	return &apperrors.InsufficientFundsError{
		MemberID:  w.MemberID,
		Requested: w.Amount,
		Available: available,
		Currency:  e.plan.Currency,
	}
}
