// Package bonus computes the compensation plan payouts. Each bonus type is a
// strategy registered against the event kinds that trigger it; the pairing
// bonus is driven by the volume aggregator instead.
package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/events"
	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store"
)

// Members is the read access strategies have to the sponsor graph.
type Members interface {
	GetMember(ctx context.Context, id string) (*model.Member, error)
}

// Input is the triggering event reduced to what strategies need.
type Input struct {
	EventID  string
	Kind     events.Kind
	MemberID string
	// Amount is the currency base: purchase value or upgrade delta.
	Amount int64
	PV     int64
	// Continuous is true when the purchaser has kept up repurchase
	// compliance; it weights the unilevel bonus.
	Continuous bool
	OccurredAt time.Time
}

// Strategy computes the records one bonus type owes for an event. Compute
// must not write anything.
type Strategy struct {
	Type    model.BonusType
	Compute func(ctx context.Context, p *plan.Plan, members Members, in Input) ([]model.BonusRecord, error)
}

// Table maps event kinds to the strategies they trigger, in payout order.
type Table map[events.Kind][]Strategy

// DefaultTable is the plan's event to bonus wiring.
func DefaultTable() Table {
	return Table{
		events.KindPackagePurchased:    {DirectSponsor, IndirectSponsor},
		events.KindPackageUpgraded:     {Rollup},
		events.KindRepurchaseCompleted: {Unilevel},
	}
}

// Calculator runs the strategy table.
type Calculator struct {
	plan  *plan.Plan
	table Table
	log   *logrus.Logger
}

// NewCalculator returns a Calculator over table.
func NewCalculator(p *plan.Plan, table Table, log *logrus.Logger) *Calculator {
	return &Calculator{plan: p, table: table, log: log}
}

// Compute returns every record owed for in, with ids, currency and
// timestamps filled in. Zero amounts are dropped.
func (c *Calculator) Compute(ctx context.Context, members Members, in Input) ([]model.BonusRecord, error) {
	var out []model.BonusRecord
	for _, s := range c.table[in.Kind] {
		records, err := s.Compute(ctx, c.plan, members, in)
		if err != nil {
			return nil, fmt.Errorf("%s bonus: %w", s.Type, err)
		}
		for _, r := range records {
			if r.Amount <= 0 {
				continue
			}
			r.ID = uuid.New().String()
			r.Type = s.Type
			r.EventID = in.EventID
			r.SourceMemberID = in.MemberID
			r.Currency = c.plan.Currency
			r.CreatedAt = in.OccurredAt
			out = append(out, r)
		}
	}

	c.log.WithFields(logrus.Fields{
		"event_id": in.EventID,
		"kind":     in.Kind,
		"records":  len(out),
	}).Debug("bonuses computed")

	return out, nil
}

// SponsorChain returns up to depth sponsors of memberID, direct sponsor
// first. The walk follows referrals, not tree placement.
func SponsorChain(ctx context.Context, members Members, memberID string, depth int) ([]*model.Member, error) {
	if depth <= 0 {
		return nil, nil
	}
	m, err := members.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member %s: %w", memberID, err)
	}

	chain := make([]*model.Member, 0, depth)
	seen := map[string]bool{m.ID: true}
	for len(chain) < depth && m.SponsorID != "" {
		if seen[m.SponsorID] {
			return nil, fmt.Errorf("sponsor cycle through %s", m.SponsorID)
		}
		seen[m.SponsorID] = true

		sponsor, err := members.GetMember(ctx, m.SponsorID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("sponsor %s of %s is missing", m.SponsorID, m.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load sponsor %s: %w", m.SponsorID, err)
		}
		chain = append(chain, sponsor)
		m = sponsor
	}
	return chain, nil
}
