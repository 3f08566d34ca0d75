// Package engine applies inbound events to the settlement state. One event
// is one unit of work: placement or volume posting, aggregation, bonuses,
// wallet credits and rank promotion either all commit or none do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/bonus"
	"settlement-service/internal/events"
	"settlement-service/internal/keylock"
	"settlement-service/internal/metrics"
	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/rank"
	"settlement-service/internal/store"
	"settlement-service/internal/tree"
	"settlement-service/internal/volume"
	"settlement-service/internal/wallet"
)

// Options tune engine policies.
type Options struct {
	// AutoProcessWithdrawals settles a WithdrawalRequested event right away
	// instead of leaving it pending for ProcessWithdrawal.
	AutoProcessWithdrawals bool
	// PlacementAttempts bounds retries when a resolved slot is taken by a
	// concurrent registration.
	PlacementAttempts int
	// Clock decides the current compliance period. Defaults to time.Now.
	Clock func() time.Time
}

// Engine is the settlement core.
type Engine struct {
	store   store.Store
	plan    *plan.Plan
	locks   *keylock.Locker
	metrics *metrics.Metrics
	log     *logrus.Logger
	opts    Options

	resolver   *tree.Resolver
	aggregator *volume.Aggregator
	calculator *bonus.Calculator
	pairer     *bonus.Pairer
	ledger     *wallet.Ledger
	ranks      *rank.Engine
}

// New wires an Engine over st.
func New(st store.Store, p *plan.Plan, m *metrics.Metrics, log *logrus.Logger, opts Options) *Engine {
	if opts.PlacementAttempts <= 0 {
		opts.PlacementAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ledger := wallet.NewLedger(p, log, opts.Clock)
	return &Engine{
		store:      st,
		plan:       p,
		locks:      keylock.New(),
		metrics:    m,
		log:        log,
		opts:       opts,
		resolver:   tree.NewResolver(p.AllowInactiveSponsor, log),
		aggregator: volume.NewAggregator(p.AggregationDepth, log),
		calculator: bonus.NewCalculator(p, bonus.DefaultTable(), log),
		pairer:     bonus.NewPairer(p, log),
		ledger:     ledger,
		ranks:      rank.NewEngine(p, ledger, log),
	}
}

// Plan returns the compensation plan in force.
func (e *Engine) Plan() *plan.Plan {
	return e.plan
}

// effects collects what a committed unit of work did, for metrics and logs
// emitted after commit.
type effects struct {
	bonuses  []model.BonusRecord
	deferred int64
	released int64
	promoted []model.RankAchievement
	// withdrawal is set when a withdrawal request was settled.
	withdrawal *model.Withdrawal
}

// Handle applies ev exactly once. A replayed event returns a
// DuplicateEventError and changes nothing.
func (e *Engine) Handle(ctx context.Context, ev events.Event) error {
	started := time.Now()
	err := e.handle(ctx, ev)
	e.metrics.ObserveEvent(string(ev.Kind()), outcomeLabel(err), started)

	var ce *apperrors.AggregationConsistencyError
	if errors.As(err, &ce) {
		err = e.park(ctx, ev, ce)
	}

	entry := e.log.WithFields(logrus.Fields{
		"event_id":  ev.ID(),
		"kind":      ev.Kind(),
		"member_id": ev.Member(),
	})
	switch {
	case err == nil:
		entry.Debug("event applied")
	case apperrors.IsDuplicate(err):
		entry.Info("duplicate event skipped")
	case apperrors.IsParked(err):
		entry.WithError(err).Error("consistency violation, event parked")
	case apperrors.IsConsistency(err):
		entry.WithError(err).Error("consistency violation, event not parked")
	default:
		entry.WithError(err).Warn("event rejected")
	}
	return err
}

func (e *Engine) handle(ctx context.Context, ev events.Event) error {
	exists, err := e.store.EventExists(ctx, ev.ID())
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if exists {
		return &apperrors.DuplicateEventError{EventID: ev.ID()}
	}

	switch ev := ev.(type) {
	case *events.MemberRegistered:
		return e.register(ctx, ev)
	case *events.PackagePurchased:
		return e.purchase(ctx, ev)
	case *events.PackageUpgraded:
		return e.upgrade(ctx, ev)
	case *events.RepurchaseCompleted:
		return e.repurchase(ctx, ev)
	case *events.WithdrawalRequested:
		return e.requestWithdrawal(ctx, ev)
	default:
		return fmt.Errorf("%w: unsupported event kind %s", apperrors.ErrInvalidEvent, ev.Kind())
	}
}

// atomic runs fn as one unit of work and publishes its effects after
// commit. A consistency violation rolls the unit back and then blocks the
// offending node in its own write.
func (e *Engine) atomic(ctx context.Context, fn func(tx store.Store, fx *effects) error) error {
	fx := &effects{}
	err := e.store.Atomic(ctx, func(tx store.Store) error {
		*fx = effects{}
		return fn(tx, fx)
	})
	if err != nil {
		var ce *apperrors.AggregationConsistencyError
		if errors.As(err, &ce) {
			e.block(ctx, ce)
		}
		return err
	}

	for _, b := range fx.bonuses {
		e.metrics.BonusAmount.WithLabelValues(string(b.Type)).Add(float64(b.Amount))
	}
	e.metrics.DeferredPairs.Add(float64(fx.deferred))
	e.metrics.Released.Add(float64(fx.released))
	for _, a := range fx.promoted {
		e.log.WithFields(logrus.Fields{
			"member_id": a.MemberID,
			"rank":      a.RankName,
			"reward":    a.Reward,
		}).Info("rank achieved")
	}
	if w := fx.withdrawal; w != nil {
		e.metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
		e.log.WithFields(logrus.Fields{
			"request_id": w.RequestID,
			"member_id":  w.MemberID,
			"amount":     w.Amount,
			"status":     w.Status,
		}).Info("withdrawal settled")
	}
	return nil
}

func (e *Engine) block(ctx context.Context, ce *apperrors.AggregationConsistencyError) {
	node, err := e.store.GetNode(ctx, ce.NodeID)
	if err != nil || node.Blocked {
		return
	}
	if err := e.store.SetNodeBlocked(ctx, ce.NodeID, true, ce.Reason); err != nil {
		e.log.WithError(err).WithField("node_id", ce.NodeID).Error("failed to block node")
		return
	}
	e.metrics.BlockedNodes.Inc()
}

// park sets ev aside on the blocked node so ResolveNode can replay it. When
// the event cannot be stored the plain consistency error is returned and the
// caller must keep the delivery.
func (e *Engine) park(ctx context.Context, ev events.Event, ce *apperrors.AggregationConsistencyError) error {
	payload, err := events.Encode(ev)
	if err == nil {
		err = e.store.ParkEvent(ctx, &model.ParkedEvent{
			EventID:  ev.ID(),
			NodeID:   ce.NodeID,
			Kind:     string(ev.Kind()),
			Payload:  payload,
			Reason:   ce.Reason,
			ParkedAt: e.opts.Clock(),
		})
	}
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"event_id": ev.ID(),
			"node_id":  ce.NodeID,
		}).Error("failed to park event")
		return ce
	}
	return &apperrors.ParkedError{EventID: ev.ID(), NodeID: ce.NodeID, Err: ce}
}

// markProcessed claims the event id inside the unit of work, so two racing
// deliveries of the same event cannot both commit.
func markProcessed(ctx context.Context, tx store.Store, ev events.Event, at time.Time) error {
	err := tx.MarkProcessed(ctx, &model.ProcessedEvent{
		EventID:     ev.ID(),
		Kind:        string(ev.Kind()),
		MemberID:    ev.Member(),
		ProcessedAt: at,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return &apperrors.DuplicateEventError{EventID: ev.ID()}
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (e *Engine) member(ctx context.Context, rd store.MemberStore, id string) (*model.Member, error) {
	m, err := rd.GetMember(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownMember, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member %s: %w", id, err)
	}
	return m, nil
}

func outcomeLabel(err error) string {
	var insufficient *apperrors.InsufficientFundsError
	var placement *apperrors.PlacementError
	switch {
	case err == nil:
		return "applied"
	case apperrors.IsDuplicate(err):
		return "duplicate"
	case apperrors.IsConsistency(err):
		return "blocked"
	case errors.As(err, &insufficient):
		return "insufficient_funds"
	case errors.As(err, &placement):
		return "placement_failed"
	case apperrors.IsTransient(err):
		return "transient"
	default:
		return "rejected"
	}
}
