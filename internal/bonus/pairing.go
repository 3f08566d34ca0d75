package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store"
	"settlement-service/internal/volume"
)

// PairingResult describes one pairing evaluation of a node.
type PairingResult struct {
	Computable int64
	Paid       int64
	Deferred   int64
	ConsumedPV int64
	Amount     int64
	// Capped is set when pairs were held back by the daily cap.
	Capped *apperrors.CapExceededError
}

// EvaluatePairing computes the pairs a node can be paid given its
// unconsumed leg volume and the pairs already paid today. Pairs beyond the
// cap are deferred, not dropped: their volume stays unconsumed.
func EvaluatePairing(p *plan.Plan, left, right, paidToday int64) PairingResult {
	matched := left
	if right < matched {
		matched = right
	}
	if matched < 0 {
		matched = 0
	}
	computable := matched / p.VolumePerPair

	room := p.DailyPairCap - paidToday
	if room < 0 {
		room = 0
	}
	paid := computable
	if paid > room {
		paid = room
	}

	return PairingResult{
		Computable: computable,
		Paid:       paid,
		Deferred:   computable - paid,
		ConsumedPV: paid * p.VolumePerPair,
		Amount:     paid * p.BonusPerPair,
	}
}

// PairingStore is what the pairer reads and writes.
type PairingStore interface {
	store.TreeStore
	store.BonusLedger
	Members
}

// Pairer pays the business bonus of a node.
type Pairer struct {
	plan *plan.Plan
	log  *logrus.Logger
}

// NewPairer returns a Pairer.
func NewPairer(p *plan.Plan, log *logrus.Logger) *Pairer {
	return &Pairer{plan: p, log: log}
}

// Pair evaluates the node of memberID and, if pairs are payable, writes the
// business bonus record, consumes the matched volume from both legs and
// appends the pairing ledger entry. The caller must hold the node's lock.
// A nil record means nothing was paid: no pairs, an inactive member, or the
// (eventID, business, member) key was already used.
func (pr *Pairer) Pair(ctx context.Context, tx PairingStore, memberID, eventID string, at time.Time) (*model.BonusRecord, PairingResult, error) {
	node, err := tx.GetNode(ctx, memberID)
	if err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to load node %s: %w", memberID, err)
	}
	if err := volume.Check(node); err != nil {
		return nil, PairingResult{}, err
	}

	member, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to load member %s: %w", memberID, err)
	}

	day := pr.plan.Day(at)
	paidToday, err := tx.PaidPairs(ctx, memberID, day)
	if err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to load paid pairs: %w", err)
	}

	res := EvaluatePairing(pr.plan, node.LeftUnconsumedPV, node.RightUnconsumedPV, paidToday)
	if res.Deferred > 0 {
		res.Capped = &apperrors.CapExceededError{
			MemberID: memberID,
			Day:      day,
			Cap:      pr.plan.DailyPairCap,
			Deferred: res.Deferred,
		}
	}
	if res.Paid == 0 || !member.Active {
		if !member.Active && res.Paid > 0 {
			pr.log.WithFields(logrus.Fields{
				"member_id": memberID,
				"pairs":     res.Paid,
			}).Info("pairing skipped for inactive member, volume carried")
		}
		return nil, PairingResult{Computable: res.Computable, Deferred: res.Computable, Capped: res.Capped}, nil
	}

	rec := &model.BonusRecord{
		ID:             uuid.New().String(),
		EventID:        eventID,
		Type:           model.BonusBusiness,
		MemberID:       memberID,
		SourceMemberID: memberID,
		Amount:         res.Amount,
		Currency:       pr.plan.Currency,
		Pairs:          res.Paid,
		CreatedAt:      at,
	}
	if err := tx.InsertBonus(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, PairingResult{}, nil
		}
		return nil, PairingResult{}, fmt.Errorf("failed to insert business bonus: %w", err)
	}

	if err := tx.ConsumePairVolume(ctx, memberID, res.ConsumedPV); err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to consume pair volume: %w", err)
	}
	if err := tx.AppendPairing(ctx, &model.PairingEntry{
		MemberID:   memberID,
		Day:        day,
		Pairs:      res.Paid,
		ConsumedPV: res.ConsumedPV,
		EventID:    eventID,
	}); err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to append pairing entry: %w", err)
	}

	after, err := tx.GetNode(ctx, memberID)
	if err != nil {
		return nil, PairingResult{}, fmt.Errorf("failed to reload node %s: %w", memberID, err)
	}
	if err := volume.Check(after); err != nil {
		return nil, PairingResult{}, err
	}

	pr.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"event_id":  eventID,
		"day":       day,
		"pairs":     res.Paid,
		"deferred":  res.Deferred,
		"amount":    res.Amount,
	}).Debug("business bonus paid")

	return rec, res, nil
}
