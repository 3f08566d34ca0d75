package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

func (r *Repository) EnsureWallet(ctx context.Context, memberID, currency string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Wallet{MemberID: memberID, Currency: currency}).Error
}

func (r *Repository) GetWallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.first(ctx, &w, "member_id = ?", memberID); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) CreditWallet(ctx context.Context, memberID string, bucket model.Bucket, amount int64) error {
	column := "earnings"
	if bucket == model.BucketAwaiting {
		column = "awaiting"
	}
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("member_id = ?", memberID).
		Update(column, gorm.Expr(column+" + ?", amount)))
}

// DebitEarnings guards the balance in the WHERE clause so two concurrent
// debits can never overdraw it.
func (r *Repository) DebitEarnings(ctx context.Context, memberID string, amount int64) error {
	res := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("member_id = ? AND earnings >= ?", memberID, amount).
		Update("earnings", gorm.Expr("earnings - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	found, err := r.exists(ctx, &model.Wallet{}, "member_id = ?", memberID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	return store.ErrInsufficientFunds
}

// ReleaseAwaiting locks the wallet row, so it must run inside Atomic.
func (r *Repository) ReleaseAwaiting(ctx context.Context, memberID string) (int64, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("member_id = ?", memberID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if w.Awaiting == 0 {
		return 0, nil
	}

	err = r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"earnings": gorm.Expr("earnings + ?", w.Awaiting),
			"awaiting": gorm.Expr("awaiting - ?", w.Awaiting),
		}).Error
	if err != nil {
		return 0, err
	}
	return w.Awaiting, nil
}

func (r *Repository) SetRepurchase(ctx context.Context, memberID string, last, nextDue time.Time) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"last_repurchase_at":  last,
			"next_repurchase_due": nextDue,
		}))
}

func (r *Repository) AppendWalletEntry(ctx context.Context, e *model.WalletEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repository) ListWalletEntries(ctx context.Context, memberID string) ([]model.WalletEntry, error) {
	var entries []model.WalletEntry
	err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("created_at, id").
		Find(&entries).Error

	return entries, err
}

func (r *Repository) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return r.insertOnce(ctx, w)
}

func (r *Repository) GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := r.first(ctx, &w, "request_id = ?", requestID); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.Withdrawal{}).
		Where("request_id = ?", w.RequestID).
		Updates(map[string]interface{}{
			"status":       w.Status,
			"reason":       w.Reason,
			"processed_at": w.ProcessedAt,
		}))
}
