package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

func (r *Repository) CreateNode(ctx context.Context, n *model.TreeNode) error {
	return r.insertOnce(ctx, n)
}

func (r *Repository) GetNode(ctx context.Context, memberID string) (*model.TreeNode, error) {
	var n model.TreeNode
	if err := r.first(ctx, &n, "member_id = ?", memberID); err != nil {
		return nil, err
	}
	return &n, nil
}

// AttachChild is a compare-and-set on the empty slot. Zero rows affected
// means another registration got there first, or the parent is missing.
func (r *Repository) AttachChild(ctx context.Context, parentID string, side model.Leg, childID string) error {
	column := legColumn(side, "left_child_id", "right_child_id")
	res := r.db.WithContext(ctx).
		Model(&model.TreeNode{}).
		Where(fmt.Sprintf("member_id = ? AND %s = ''", column), parentID).
		Update(column, childID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	found, err := r.exists(ctx, &model.TreeNode{}, "member_id = ?", parentID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	return store.ErrSlotTaken
}

func (r *Repository) IncrementSubtreeCount(ctx context.Context, nodeID string, side model.Leg) error {
	column := legColumn(side, "left_count", "right_count")
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.TreeNode{}).
		Where("member_id = ?", nodeID).
		Update(column, gorm.Expr(column+" + ?", 1)))
}

func (r *Repository) AddLegVolume(ctx context.Context, nodeID string, side model.Leg, pv, bv int64) error {
	prefix := legColumn(side, "left", "right")
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.TreeNode{}).
		Where("member_id = ?", nodeID).
		Updates(map[string]interface{}{
			prefix + "_pv":            gorm.Expr(prefix+"_pv + ?", pv),
			prefix + "_bv":            gorm.Expr(prefix+"_bv + ?", bv),
			prefix + "_unconsumed_pv": gorm.Expr(prefix+"_unconsumed_pv + ?", pv),
		}))
}

func (r *Repository) ConsumePairVolume(ctx context.Context, nodeID string, pv int64) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.TreeNode{}).
		Where("member_id = ?", nodeID).
		Updates(map[string]interface{}{
			"left_unconsumed_pv":  gorm.Expr("left_unconsumed_pv - ?", pv),
			"right_unconsumed_pv": gorm.Expr("right_unconsumed_pv - ?", pv),
			"left_consumed_pv":    gorm.Expr("left_consumed_pv + ?", pv),
			"right_consumed_pv":   gorm.Expr("right_consumed_pv + ?", pv),
		}))
}

func (r *Repository) SetNodeBlocked(ctx context.Context, nodeID string, blocked bool, reason string) error {
	return mustAffect(r.db.WithContext(ctx).
		Model(&model.TreeNode{}).
		Where("member_id = ?", nodeID).
		Updates(map[string]interface{}{
			"blocked":      blocked,
			"block_reason": reason,
		}))
}

// ListPairableNodes pages with a keyset cursor on member_id.
func (r *Repository) ListPairableNodes(ctx context.Context, minPV int64, after string, limit int) ([]model.TreeNode, error) {
	var nodes []model.TreeNode
	err := r.db.WithContext(ctx).
		Where("member_id > ? AND left_unconsumed_pv >= ? AND right_unconsumed_pv >= ?", after, minPV, minPV).
		Order("member_id").
		Limit(limit).
		Find(&nodes).Error

	return nodes, err
}

func legColumn(side model.Leg, left, right string) string {
	if side == model.LegRight {
		return right
	}
	return left
}
