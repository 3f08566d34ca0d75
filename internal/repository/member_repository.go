package repository

import (
	"context"

	"settlement-service/internal/model"
)

func (r *Repository) CreateMember(ctx context.Context, m *model.Member) error {
	return r.insertOnce(ctx, m)
}

func (r *Repository) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var m model.Member
	if err := r.first(ctx, &m, "id = ?", id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) HasMembers(ctx context.Context) (bool, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Member{}).
		Limit(1).
		Pluck("id", &ids).Error

	return len(ids) > 0, err
}

func (r *Repository) CountDirectReferrals(ctx context.Context, sponsorID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("sponsor_id = ?", sponsorID).
		Count(&count).Error

	return count, err
}

func (r *Repository) UpdateMemberPackage(ctx context.Context, id, packageID string) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ?", id).
		Update("package_id", packageID))
}

func (r *Repository) SetMemberActive(ctx context.Context, id string, active bool) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ?", id).
		Update("active", active))
}

// RaiseMemberRank only ever moves the rank up; a lower or equal rank leaves
// the row untouched.
func (r *Repository) RaiseMemberRank(ctx context.Context, id string, rank int) error {
	return r.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ? AND rank_level < ?", id, rank).
		Update("rank_level", rank).Error
}
