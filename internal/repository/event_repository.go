package repository

import (
	"context"

	"gorm.io/gorm/clause"

	"settlement-service/internal/model"
)

// MarkProcessed records an applied event id; a second insert of the same id
// returns store.ErrDuplicate.
func (r *Repository) MarkProcessed(ctx context.Context, e *model.ProcessedEvent) error {
	return r.insertOnce(ctx, e)
}

// EventExists checks if an event with given event_id already exists
func (r *Repository) EventExists(ctx context.Context, eventID string) (bool, error) {
	return r.exists(ctx, &model.ProcessedEvent{}, "event_id = ?", eventID)
}

// ParkEvent stores a blocked event. Parking it again moves it to the new
// node and keeps its place in the replay order.
func (r *Repository) ParkEvent(ctx context.Context, e *model.ParkedEvent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"node_id", "reason"}),
		}).
		Create(e).Error
}

func (r *Repository) ListParkedEvents(ctx context.Context, nodeID string) ([]model.ParkedEvent, error) {
	var parked []model.ParkedEvent
	err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("id ASC").
		Find(&parked).Error
	return parked, err
}

func (r *Repository) DeleteParkedEvent(ctx context.Context, eventID string) error {
	return mustAffect(r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&model.ParkedEvent{}))
}
