// Package volume posts PV/BV events to the ledger and propagates them up the
// binary tree into each ancestor's leg counters.
package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
	"settlement-service/internal/tree"
)

// Store is the subset of the store the aggregator writes to.
type Store interface {
	store.TreeStore
	store.VolumeLedger
}

// Aggregator propagates volume events.
type Aggregator struct {
	depth int
	log   *logrus.Logger
}

// NewAggregator returns an Aggregator walking at most depth levels up; zero
// walks to the root.
func NewAggregator(depth int, log *logrus.Logger) *Aggregator {
	return &Aggregator{depth: depth, log: log}
}

// Touched is an ancestor whose counters changed, with the side that grew.
type Touched = tree.Slot

// Post appends ev to the volume ledger and adds its PV/BV to every ancestor
// within the depth limit. A replayed event id is reported as a
// DuplicateEventError and changes nothing. Ancestors are verified before
// they are updated; a violation aborts with AggregationConsistencyError.
func (a *Aggregator) Post(ctx context.Context, tx Store, ev *model.VolumeEvent) ([]Touched, error) {
	if ev.PV < 0 || ev.BV < 0 {
		return nil, fmt.Errorf("%w: negative volume on event %s", apperrors.ErrInvalidEvent, ev.EventID)
	}

	if err := tx.AppendVolumeEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &apperrors.DuplicateEventError{EventID: ev.EventID}
		}
		return nil, fmt.Errorf("failed to append volume event: %w", err)
	}

	path, err := tree.Ancestors(ctx, tx, ev.MemberID, a.depth)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestors of %s: %w", ev.MemberID, err)
	}

	for _, step := range path {
		node, err := tx.GetNode(ctx, step.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load node %s: %w", step.ParentID, err)
		}
		if err := Check(node); err != nil {
			return nil, err
		}
		if err := tx.AddLegVolume(ctx, step.ParentID, step.Side, ev.PV, ev.BV); err != nil {
			return nil, fmt.Errorf("failed to add volume to %s: %w", step.ParentID, err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"event_id":  ev.EventID,
		"member_id": ev.MemberID,
		"pv":        ev.PV,
		"bv":        ev.BV,
		"ancestors": len(path),
	}).Debug("volume aggregated")

	return path, nil
}

// Check reports a blocked node or broken counters as an
// AggregationConsistencyError.
func Check(node *model.TreeNode) error {
	if node.Blocked {
		return &apperrors.AggregationConsistencyError{
			NodeID: node.MemberID,
			Reason: "node is blocked pending reconciliation: " + node.BlockReason,
		}
	}
	if err := node.Verify(); err != nil {
		return &apperrors.AggregationConsistencyError{NodeID: node.MemberID, Reason: err.Error()}
	}
	return nil
}
