// Package rank qualifies members against the rank ladder and pays the
// one-time rewards of every rank they pass.
package rank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store"
	"settlement-service/internal/wallet"
)

// Stats are the member figures the ladder predicates look at.
type Stats struct {
	PersonalPV      int64 `json:"personal_pv"`
	PackageTier     int   `json:"package_tier"`
	DirectReferrals int64 `json:"direct_referrals"`
	TeamSize        int64 `json:"team_size"`
}

// Qualifies reports whether s meets every minimum of r.
func Qualifies(r plan.Rank, s Stats) bool {
	return s.PersonalPV >= r.MinPersonalPV &&
		s.PackageTier >= r.MinPackageTier &&
		s.DirectReferrals >= r.MinDirectReferrals &&
		s.TeamSize >= r.MinTeamSize
}

// Qualify returns the highest ladder level s qualifies for, or 0.
func Qualify(ladder []plan.Rank, s Stats) int {
	best := 0
	for _, r := range ladder {
		if Qualifies(r, s) && r.Level > best {
			best = r.Level
		}
	}
	return best
}

// Store is what rank evaluation reads and writes.
type Store interface {
	store.MemberStore
	store.TreeReader
	store.VolumeLedger
	store.RankStore
	store.WalletStore
}

// Engine evaluates members and records promotions.
type Engine struct {
	plan   *plan.Plan
	ledger *wallet.Ledger
	log    *logrus.Logger
}

// NewEngine returns an Engine paying rewards through ledger.
func NewEngine(p *plan.Plan, ledger *wallet.Ledger, log *logrus.Logger) *Engine {
	return &Engine{plan: p, ledger: ledger, log: log}
}

// Stats gathers the qualification figures of m.
func (e *Engine) Stats(ctx context.Context, tx Store, m *model.Member) (Stats, error) {
	var s Stats
	var err error

	if s.PersonalPV, err = tx.SumPersonalPV(ctx, m.ID); err != nil {
		return Stats{}, fmt.Errorf("failed to sum personal PV: %w", err)
	}
	if s.DirectReferrals, err = tx.CountDirectReferrals(ctx, m.ID); err != nil {
		return Stats{}, fmt.Errorf("failed to count referrals: %w", err)
	}
	if pkg, ok := e.plan.Package(m.PackageID); ok {
		s.PackageTier = pkg.Tier
	}

	node, err := tx.GetNode(ctx, m.ID)
	switch {
	case err == nil:
		s.TeamSize = node.TeamSize()
	case errors.Is(err, store.ErrNotFound):
	default:
		return Stats{}, fmt.Errorf("failed to load node: %w", err)
	}
	return s, nil
}

// Evaluate promotes memberID to the highest rank it qualifies for. Ranks
// never go down. Each rank passed on the way gets an achievement record and
// its reward credited to earnings; a rank already recorded for the member is
// not paid twice. It returns the new achievements.
func (e *Engine) Evaluate(ctx context.Context, tx Store, memberID, eventID string, at time.Time) ([]model.RankAchievement, error) {
	m, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member %s: %w", memberID, err)
	}
	if !m.Active {
		return nil, nil
	}

	stats, err := e.Stats(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	target := Qualify(e.plan.Ranks, stats)
	if target <= m.Rank {
		return nil, nil
	}

	var achieved []model.RankAchievement
	for level := m.Rank + 1; level <= target; level++ {
		r, ok := e.plan.Rank(level)
		if !ok {
			continue
		}
		a := model.RankAchievement{
			ID:         uuid.New().String(),
			MemberID:   memberID,
			Rank:       r.Level,
			RankName:   r.Name,
			Reward:     r.Reward,
			EventID:    eventID,
			AchievedAt: at,
		}
		if err := tx.InsertRankAchievement(ctx, &a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return nil, fmt.Errorf("failed to record rank %d: %w", r.Level, err)
		}
		reference := fmt.Sprintf("rank:%s:%d", memberID, r.Level)
		if err := e.ledger.Credit(ctx, tx, memberID, model.BucketEarnings, r.Reward, reference, at); err != nil {
			return nil, err
		}
		achieved = append(achieved, a)
	}

	if err := tx.RaiseMemberRank(ctx, memberID, target); err != nil {
		return nil, fmt.Errorf("failed to raise rank of %s: %w", memberID, err)
	}

	e.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"from":      m.Rank,
		"to":        target,
		"event_id":  eventID,
	}).Info("member promoted")

	return achieved, nil
}
