package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/events"
	"settlement-service/internal/keylock"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
	"settlement-service/internal/tree"
)

// register places a new member. Placement is serialized per sponsor; the
// resolved slot is claimed with a compare-and-set under the parent node's
// lock, and resolution starts over if a concurrent placement won the slot.
func (e *Engine) register(ctx context.Context, ev *events.MemberRegistered) error {
	fail := func(format string, args ...interface{}) error {
		return &apperrors.PlacementError{
			MemberID:  ev.MemberID,
			SponsorID: ev.SponsorID,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	if _, ok := e.plan.Package(ev.PackageID); !ok {
		return fail("unknown package %s", ev.PackageID)
	}

	unlock := e.locks.Lock(keylock.Sponsor(ev.SponsorID))
	defer unlock()

	_, err := e.store.GetMember(ctx, ev.MemberID)
	switch {
	case err == nil:
		return fail("member %s is already registered", ev.MemberID)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to look up member: %w", err)
	}

	var slot tree.Slot
	if ev.SponsorID == "" {
		hasMembers, err := e.store.HasMembers(ctx)
		if err != nil {
			return fmt.Errorf("failed to check for root: %w", err)
		}
		if hasMembers {
			return fail("sponsor is required once the tree has a root")
		}
	}

	for attempt := 1; attempt <= e.opts.PlacementAttempts; attempt++ {
		if ev.SponsorID != "" {
			if slot, err = e.resolver.Resolve(ctx, e.store, ev.MemberID, ev.SponsorID, ev.RequestedLeg); err != nil {
				return err
			}
		}

		err = e.place(ctx, ev, slot)
		if !errors.Is(err, store.ErrSlotTaken) {
			return err
		}
		e.log.WithFields(logrus.Fields{
			"member_id": ev.MemberID,
			"parent_id": slot.ParentID,
			"side":      slot.Side,
			"attempt":   attempt,
		}).Warn("placement slot taken, resolving again")
	}
	return fail("no free slot after %d attempts", e.opts.PlacementAttempts)
}

func (e *Engine) place(ctx context.Context, ev *events.MemberRegistered, slot tree.Slot) error {
	if slot.ParentID != "" {
		unlock := e.locks.Lock(keylock.Node(slot.ParentID))
		defer unlock()
	}

	at := ev.OccurredAt()
	return e.atomic(ctx, func(tx store.Store, fx *effects) error {
		if err := markProcessed(ctx, tx, ev, e.opts.Clock()); err != nil {
			return err
		}

		member := &model.Member{
			ID:        ev.MemberID,
			SponsorID: ev.SponsorID,
			PackageID: ev.PackageID,
			JoinedAt:  at,
			Active:    true,
		}
		if err := tx.CreateMember(ctx, member); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &apperrors.PlacementError{MemberID: ev.MemberID, SponsorID: ev.SponsorID, Reason: "member is already registered"}
			}
			return fmt.Errorf("failed to create member: %w", err)
		}

		node, err := e.resolver.Place(ctx, tx, ev.MemberID, slot)
		if err != nil {
			return err
		}
		if err := e.ledger.Open(ctx, tx, ev.MemberID); err != nil {
			return err
		}

		// referral count and team size changed upline
		candidates := []string{ev.SponsorID}
		path, err := tree.Ancestors(ctx, tx, ev.MemberID, e.plan.AggregationDepth)
		if err != nil {
			return err
		}
		for _, step := range path {
			candidates = append(candidates, step.ParentID)
		}
		if err := e.promote(ctx, tx, fx, ev.ID(), at, candidates...); err != nil {
			return err
		}

		e.log.WithFields(logrus.Fields{
			"member_id":  ev.MemberID,
			"sponsor_id": ev.SponsorID,
			"parent_id":  node.ParentID,
			"side":       node.Side,
			"depth":      node.Depth,
		}).Info("member placed")
		return nil
	})
}
