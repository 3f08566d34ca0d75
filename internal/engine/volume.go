package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/bonus"
	"settlement-service/internal/events"
	"settlement-service/internal/keylock"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
	"settlement-service/internal/tree"
	"settlement-service/internal/volume"
)

// volumeLocks returns the node keys of every ancestor the event's volume
// will reach. Parent links never change once placed, so the path can be
// read before locking.
func (e *Engine) volumeLocks(ctx context.Context, memberID string) ([]string, error) {
	path, err := tree.Ancestors(ctx, e.store, memberID, e.plan.AggregationDepth)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no tree node", apperrors.ErrUnknownMember, memberID)
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(path))
	for _, step := range path {
		keys = append(keys, keylock.Node(step.ParentID))
	}
	return keys, nil
}

func (e *Engine) withVolumeLocks(ctx context.Context, memberID string, fn func() error) error {
	keys, err := e.volumeLocks(ctx, memberID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(keys...)
	defer unlock()
	return fn()
}

func (e *Engine) purchase(ctx context.Context, ev *events.PackagePurchased) error {
	pkg, ok := e.plan.Package(ev.PackageID)
	if !ok {
		return fmt.Errorf("%w: unknown package %s", apperrors.ErrInvalidEvent, ev.PackageID)
	}
	value, pv, bv := orDefault(ev.Value, pkg.Value), orDefault(ev.PV, pkg.PV), orDefault(ev.BV, pkg.BV)

	return e.withVolumeLocks(ctx, ev.MemberID, func() error {
		return e.atomic(ctx, func(tx store.Store, fx *effects) error {
			if err := markProcessed(ctx, tx, ev, e.opts.Clock()); err != nil {
				return err
			}
			m, err := e.member(ctx, tx, ev.MemberID)
			if err != nil {
				return err
			}
			if cur, ok := e.plan.Package(m.PackageID); !ok || pkg.Tier >= cur.Tier {
				if err := tx.UpdateMemberPackage(ctx, m.ID, pkg.ID); err != nil {
					return fmt.Errorf("failed to update package: %w", err)
				}
			}

			return e.settleVolume(ctx, tx, fx, m, &model.VolumeEvent{
				EventID:    ev.ID(),
				MemberID:   m.ID,
				PV:         pv,
				BV:         bv,
				Source:     model.SourcePackagePurchase,
				OccurredAt: ev.OccurredAt(),
			}, bonus.Input{
				EventID:    ev.ID(),
				Kind:       ev.Kind(),
				MemberID:   m.ID,
				Amount:     value,
				PV:         pv,
				OccurredAt: ev.OccurredAt(),
			})
		})
	})
}

// upgrade pays roll-up on the value delta and posts the PV/BV delta of the
// two catalog packages as volume.
func (e *Engine) upgrade(ctx context.Context, ev *events.PackageUpgraded) error {
	from, ok := e.plan.Package(ev.OldPackageID)
	if !ok {
		return fmt.Errorf("%w: unknown package %s", apperrors.ErrInvalidEvent, ev.OldPackageID)
	}
	to, ok := e.plan.Package(ev.NewPackageID)
	if !ok {
		return fmt.Errorf("%w: unknown package %s", apperrors.ErrInvalidEvent, ev.NewPackageID)
	}
	if to.Tier <= from.Tier {
		return fmt.Errorf("%w: %s is not an upgrade of %s", apperrors.ErrInvalidEvent, to.ID, from.ID)
	}
	delta := orDefault(ev.DeltaValue, to.Value-from.Value)

	return e.withVolumeLocks(ctx, ev.MemberID, func() error {
		return e.atomic(ctx, func(tx store.Store, fx *effects) error {
			if err := markProcessed(ctx, tx, ev, e.opts.Clock()); err != nil {
				return err
			}
			m, err := e.member(ctx, tx, ev.MemberID)
			if err != nil {
				return err
			}
			if m.PackageID != from.ID {
				return fmt.Errorf("%w: member %s holds %s, not %s", apperrors.ErrInvalidEvent, m.ID, m.PackageID, from.ID)
			}
			if err := tx.UpdateMemberPackage(ctx, m.ID, to.ID); err != nil {
				return fmt.Errorf("failed to update package: %w", err)
			}

			return e.settleVolume(ctx, tx, fx, m, &model.VolumeEvent{
				EventID:    ev.ID(),
				MemberID:   m.ID,
				PV:         nonNegative(to.PV - from.PV),
				BV:         nonNegative(to.BV - from.BV),
				Source:     model.SourcePackageUpgrade,
				OccurredAt: ev.OccurredAt(),
			}, bonus.Input{
				EventID:    ev.ID(),
				Kind:       ev.Kind(),
				MemberID:   m.ID,
				Amount:     delta,
				OccurredAt: ev.OccurredAt(),
			})
		})
	})
}

// repurchase pays unilevel weighted by the purchaser's prior compliance,
// then records the new compliance and releases awaiting funds.
func (e *Engine) repurchase(ctx context.Context, ev *events.RepurchaseCompleted) error {
	return e.withVolumeLocks(ctx, ev.MemberID, func() error {
		return e.atomic(ctx, func(tx store.Store, fx *effects) error {
			if err := markProcessed(ctx, tx, ev, e.opts.Clock()); err != nil {
				return err
			}
			m, err := e.member(ctx, tx, ev.MemberID)
			if err != nil {
				return err
			}

			w, err := tx.GetWallet(ctx, m.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			continuous := e.ledger.Continuous(w, m.JoinedAt, ev.OccurredAt())

			err = e.settleVolume(ctx, tx, fx, m, &model.VolumeEvent{
				EventID:    ev.ID(),
				MemberID:   m.ID,
				PV:         ev.PV,
				BV:         ev.PV,
				Source:     model.SourceRepurchase,
				OccurredAt: ev.OccurredAt(),
			}, bonus.Input{
				EventID:    ev.ID(),
				Kind:       ev.Kind(),
				MemberID:   m.ID,
				PV:         ev.PV,
				Continuous: continuous,
				OccurredAt: ev.OccurredAt(),
			})
			if err != nil {
				return err
			}

			released, err := e.ledger.RecordRepurchase(ctx, tx, m.ID, ev.OccurredAt(), "repurchase:"+ev.ID())
			if err != nil {
				return err
			}
			fx.released += released
			return nil
		})
	})
}

// settleVolume is the shared pipeline of volume events: aggregate up the
// tree, pair every touched ancestor, pay the event's strategy bonuses and
// re-rank everyone whose figures moved.
func (e *Engine) settleVolume(ctx context.Context, tx store.Store, fx *effects, m *model.Member, vev *model.VolumeEvent, in bonus.Input) error {
	var touched []volume.Touched
	if vev.PV > 0 || vev.BV > 0 {
		var err error
		if touched, err = e.aggregator.Post(ctx, tx, vev); err != nil {
			return err
		}
	}

	candidates := []string{m.ID, m.SponsorID}
	for _, t := range touched {
		if err := e.pair(ctx, tx, fx, t.ParentID, vev.EventID, vev.OccurredAt); err != nil {
			return err
		}
		candidates = append(candidates, t.ParentID)
	}

	records, err := e.calculator.Compute(ctx, tx, in)
	if err != nil {
		return err
	}
	for i := range records {
		if err := e.payBonus(ctx, tx, fx, &records[i]); err != nil {
			return err
		}
	}

	return e.promote(ctx, tx, fx, vev.EventID, vev.OccurredAt, candidates...)
}

func (e *Engine) pair(ctx context.Context, tx store.Store, fx *effects, memberID, eventID string, at time.Time) error {
	rec, res, err := e.pairer.Pair(ctx, tx, memberID, eventID, at)
	if err != nil {
		return err
	}
	if res.Capped != nil {
		fx.deferred += res.Capped.Deferred
		e.log.WithError(res.Capped).WithField("member_id", memberID).Debug("pairs deferred")
	}
	if rec == nil {
		return nil
	}
	if _, _, err := e.ledger.CreditBonus(ctx, tx, rec); err != nil {
		return err
	}
	fx.bonuses = append(fx.bonuses, *rec)
	return nil
}

// payBonus writes a record once per (event, type, recipient) and credits
// it. A key that already exists is a no-op.
func (e *Engine) payBonus(ctx context.Context, tx store.Store, fx *effects, rec *model.BonusRecord) error {
	if err := tx.InsertBonus(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to insert %s bonus: %w", rec.Type, err)
	}
	if _, _, err := e.ledger.CreditBonus(ctx, tx, rec); err != nil {
		return err
	}
	fx.bonuses = append(fx.bonuses, *rec)
	return nil
}

func (e *Engine) promote(ctx context.Context, tx store.Store, fx *effects, eventID string, at time.Time, memberIDs ...string) error {
	seen := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		achieved, err := e.ranks.Evaluate(ctx, tx, id, eventID, at)
		if err != nil {
			return err
		}
		fx.promoted = append(fx.promoted, achieved...)
	}
	return nil
}

func orDefault(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
