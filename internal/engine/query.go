package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/events"
	"settlement-service/internal/keylock"
	"settlement-service/internal/model"
	"settlement-service/internal/rank"
	"settlement-service/internal/store"
)

// RankView is a member's current rank with its qualification figures and
// achievement history.
type RankView struct {
	MemberID     string                  `json:"member_id"`
	Level        int                     `json:"level"`
	Name         string                  `json:"name,omitempty"`
	Privileges   []string                `json:"privileges,omitempty"`
	Stats        rank.Stats              `json:"stats"`
	Achievements []model.RankAchievement `json:"achievements"`
}

// GetTreeNode returns the placement and volume counters of a member.
func (e *Engine) GetTreeNode(ctx context.Context, memberID string) (*model.TreeNode, error) {
	node, err := e.store.GetNode(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownMember, memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	return node, nil
}

// GetWallet returns the wallet balances. Reading never releases awaiting
// funds.
func (e *Engine) GetWallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	if _, err := e.member(ctx, e.store, memberID); err != nil {
		return nil, err
	}
	w, err := e.store.GetWallet(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Wallet{MemberID: memberID, Currency: e.plan.Currency}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return w, nil
}

// GetWalletEntries returns the member's ledger lines, oldest first.
func (e *Engine) GetWalletEntries(ctx context.Context, memberID string) ([]model.WalletEntry, error) {
	if _, err := e.member(ctx, e.store, memberID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListWalletEntries(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet entries: %w", err)
	}
	return entries, nil
}

// GetBonusHistory lists the bonuses a member received in [from, to). Zero
// bounds are open.
func (e *Engine) GetBonusHistory(ctx context.Context, memberID string, from, to time.Time) ([]model.BonusRecord, error) {
	if _, err := e.member(ctx, e.store, memberID); err != nil {
		return nil, err
	}
	records, err := e.store.ListBonuses(ctx, memberID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list bonuses: %w", err)
	}
	return records, nil
}

// GetRank returns the member's rank view.
func (e *Engine) GetRank(ctx context.Context, memberID string) (*RankView, error) {
	m, err := e.member(ctx, e.store, memberID)
	if err != nil {
		return nil, err
	}
	stats, err := e.ranks.Stats(ctx, e.store, m)
	if err != nil {
		return nil, err
	}
	achievements, err := e.store.ListRankAchievements(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rank achievements: %w", err)
	}

	view := &RankView{
		MemberID:     memberID,
		Level:        m.Rank,
		Stats:        stats,
		Achievements: achievements,
	}
	if r, ok := e.plan.Rank(m.Rank); ok {
		view.Name = r.Name
		view.Privileges = r.Privileges
	}
	return view, nil
}

// DeactivateMember stops a member from receiving bonuses and sponsoring new
// placements. Their tree node stays and keeps aggregating volume.
func (e *Engine) DeactivateMember(ctx context.Context, memberID string) error {
	err := e.store.Atomic(ctx, func(tx store.Store) error {
		return tx.SetMemberActive(ctx, memberID, false)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownMember, memberID)
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate member: %w", err)
	}

	e.log.WithField("member_id", memberID).Info("member deactivated")
	return nil
}

// ResolveNode lifts a consistency block once the node's counters have been
// reconciled by hand, then replays the events parked on the node in arrival
// order. Counters that still do not add up keep the block. It returns the
// number of parked events that were applied.
func (e *Engine) ResolveNode(ctx context.Context, memberID string) (int, error) {
	if err := e.unblock(ctx, memberID); err != nil {
		return 0, err
	}
	return e.replayParked(ctx, memberID)
}

func (e *Engine) unblock(ctx context.Context, memberID string) error {
	unlock := e.locks.Lock(keylock.Node(memberID))
	defer unlock()

	node, err := e.GetTreeNode(ctx, memberID)
	if err != nil {
		return err
	}
	if !node.Blocked {
		return nil
	}
	if err := node.Verify(); err != nil {
		return &apperrors.AggregationConsistencyError{NodeID: memberID, Reason: err.Error()}
	}
	if err := e.store.SetNodeBlocked(ctx, memberID, false, ""); err != nil {
		return fmt.Errorf("failed to unblock node: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"node_id": memberID,
		"reason":  node.BlockReason,
	}).Warn("node block resolved")
	return nil
}

// replayParked runs the node's parked events through Handle. An event that
// hits a block again stays parked; on this node that ends the replay.
func (e *Engine) replayParked(ctx context.Context, memberID string) (int, error) {
	parked, err := e.store.ListParkedEvents(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("failed to list parked events: %w", err)
	}

	applied := 0
	for _, p := range parked {
		entry := e.log.WithFields(logrus.Fields{
			"event_id": p.EventID,
			"node_id":  memberID,
		})

		ev, err := events.Decode(p.Payload)
		if err == nil {
			err = e.Handle(ctx, ev)
		}

		var pe *apperrors.ParkedError
		switch {
		case err == nil:
			applied++
		case apperrors.IsDuplicate(err):
		case errors.As(err, &pe):
			if pe.NodeID == memberID {
				return applied, nil
			}
			continue
		case apperrors.IsConsistency(err), apperrors.IsTransient(err), errors.Is(err, context.Canceled):
			return applied, err
		default:
			entry.WithError(err).Warn("parked event rejected on replay")
		}

		if err := e.store.DeleteParkedEvent(ctx, p.EventID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return applied, fmt.Errorf("failed to drop parked event: %w", err)
		}
	}

	if len(parked) > 0 {
		e.log.WithFields(logrus.Fields{
			"node_id":  memberID,
			"parked":   len(parked),
			"replayed": applied,
		}).Info("parked events replayed")
	}
	return applied, nil
}

// SweepNode pays the carried pairs of a node with no new volume. The sweep
// key of the plan day makes a repeated sweep of the same day a no-op.
func (e *Engine) SweepNode(ctx context.Context, memberID string, at time.Time) (*model.BonusRecord, error) {
	unlock := e.locks.Lock(keylock.Node(memberID))
	defer unlock()

	eventID := fmt.Sprintf("sweep:%s:%s", e.plan.Day(at), memberID)
	var paid *model.BonusRecord
	err := e.atomic(ctx, func(tx store.Store, fx *effects) error {
		paid = nil
		if err := e.pair(ctx, tx, fx, memberID, eventID, at); err != nil {
			return err
		}
		if len(fx.bonuses) > 0 {
			paid = &fx.bonuses[0]
		}
		return e.promote(ctx, tx, fx, eventID, at, memberID)
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}
