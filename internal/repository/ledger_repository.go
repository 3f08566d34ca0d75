package repository

import (
	"context"
	"time"

	"settlement-service/internal/model"
)

func (r *Repository) AppendVolumeEvent(ctx context.Context, ev *model.VolumeEvent) error {
	return r.insertOnce(ctx, ev)
}

func (r *Repository) SumPersonalPV(ctx context.Context, memberID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.VolumeEvent{}).
		Select("COALESCE(SUM(pv), 0)").
		Where("member_id = ?", memberID).
		Scan(&total).Error

	return total, err
}

func (r *Repository) InsertBonus(ctx context.Context, b *model.BonusRecord) error {
	return r.insertOnce(ctx, b)
}

// ListBonuses returns the member's bonuses in [from, to). A zero bound is
// open.
func (r *Repository) ListBonuses(ctx context.Context, memberID string, from, to time.Time) ([]model.BonusRecord, error) {
	query := r.db.WithContext(ctx).Where("member_id = ?", memberID)
	if !from.IsZero() {
		query = query.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("created_at < ?", to)
	}

	var bonuses []model.BonusRecord
	err := query.Order("created_at, id").Find(&bonuses).Error
	return bonuses, err
}

func (r *Repository) AppendPairing(ctx context.Context, e *model.PairingEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repository) PaidPairs(ctx context.Context, memberID, day string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.PairingEntry{}).
		Select("COALESCE(SUM(pairs), 0)").
		Where("member_id = ? AND day = ?", memberID, day).
		Scan(&total).Error

	return total, err
}

func (r *Repository) InsertRankAchievement(ctx context.Context, a *model.RankAchievement) error {
	return r.insertOnce(ctx, a)
}

func (r *Repository) ListRankAchievements(ctx context.Context, memberID string) ([]model.RankAchievement, error) {
	var achievements []model.RankAchievement
	err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("rank_level").
		Find(&achievements).Error

	return achievements, err
}
