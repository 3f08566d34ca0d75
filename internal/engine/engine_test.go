package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/events"
	"settlement-service/internal/metrics"
	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store/memory"
)

var (
	now     = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	eventAt = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T, p *plan.Plan, opts Options) (*Engine, *memory.Store) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	if p == nil {
		p = plan.Default()
	}
	opts.Clock = func() time.Time { return now }

	st := memory.New()
	return New(st, p, metrics.New(prometheus.NewRegistry()), log, opts), st
}

func register(t *testing.T, e *Engine, id, sponsor string, leg model.Leg) {
	t.Helper()
	require.NoError(t, e.Handle(context.Background(), &events.MemberRegistered{
		MemberID:     id,
		SponsorID:    sponsor,
		RequestedLeg: leg,
		PackageID:    "starter",
		Timestamp:    eventAt,
	}))
}

func purchase(eventID, memberID string, pv int64) *events.PackagePurchased {
	return &events.PackagePurchased{
		EventID:   eventID,
		MemberID:  memberID,
		PackageID: "starter",
		PV:        pv,
		BV:        pv,
		Timestamp: eventAt,
	}
}

func bonusesOf(t *testing.T, e *Engine, memberID string, typ model.BonusType) []model.BonusRecord {
	t.Helper()
	all, err := e.GetBonusHistory(context.Background(), memberID, time.Time{}, time.Time{})
	require.NoError(t, err)
	var out []model.BonusRecord
	for _, b := range all {
		if b.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

func pairingPlan() *plan.Plan {
	p := plan.Default()
	p.VolumePerPair = 10
	p.BonusPerPair = 500
	p.DailyPairCap = 3
	return p
}

func TestPairingCapScenario(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, pairingPlan(), Options{})

	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	register(t, e, "C", "A", model.LegRight)

	require.NoError(t, e.Handle(ctx, purchase("buy-b", "B", 40)))
	assert.Empty(t, bonusesOf(t, e, "A", model.BonusBusiness))

	require.NoError(t, e.Handle(ctx, purchase("buy-c", "C", 40)))

	business := bonusesOf(t, e, "A", model.BonusBusiness)
	require.Len(t, business, 1)
	assert.Equal(t, int64(1500), business[0].Amount)
	assert.Equal(t, int64(3), business[0].Pairs)
	assert.Equal(t, "buy-c", business[0].EventID)

	node, err := e.GetTreeNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), node.LeftUnconsumedPV)
	assert.Equal(t, int64(10), node.RightUnconsumedPV)
	assert.Equal(t, int64(40), node.LeftPV)
	assert.Equal(t, int64(40), node.RightPV)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.DeferredPairs))

	// the carried pair is paid by the next day's sweep, once
	nextDay := eventAt.Add(24 * time.Hour)
	rec, err := e.SweepNode(ctx, "A", nextDay)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(500), rec.Amount)

	rec, err = e.SweepNode(ctx, "A", nextDay)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, bonusesOf(t, e, "A", model.BonusBusiness), 2)
}

func TestReplayedEventIsNoOp(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, pairingPlan(), Options{})

	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	register(t, e, "C", "A", model.LegRight)
	require.NoError(t, e.Handle(ctx, purchase("buy-b", "B", 40)))
	require.NoError(t, e.Handle(ctx, purchase("buy-c", "C", 40)))

	walletBefore, err := e.GetWallet(ctx, "A")
	require.NoError(t, err)
	bonusesBefore := len(st.Bonuses())
	volumesBefore := len(st.VolumeEvents())

	err = e.Handle(ctx, purchase("buy-c", "C", 40))
	assert.True(t, apperrors.IsDuplicate(err))

	err = e.Handle(ctx, &events.MemberRegistered{MemberID: "B", SponsorID: "A", PackageID: "starter"})
	assert.True(t, apperrors.IsDuplicate(err))

	walletAfter, err := e.GetWallet(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, walletBefore.Earnings, walletAfter.Earnings)
	assert.Len(t, st.Bonuses(), bonusesBefore)
	assert.Len(t, st.VolumeEvents(), volumesBefore)
}

func TestSpilloverPlacement(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil, Options{})

	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	register(t, e, "C", "A", model.LegLeft)
	register(t, e, "D", "A", model.LegAuto)
	register(t, e, "E", "A", model.LegRight)

	tests := []struct {
		member string
		parent string
		side   model.Leg
	}{
		{"B", "A", model.LegLeft},
		{"C", "B", model.LegLeft},
		{"D", "A", model.LegRight},
		{"E", "D", model.LegLeft},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			node, err := e.GetTreeNode(ctx, tt.member)
			require.NoError(t, err)
			assert.Equal(t, tt.parent, node.ParentID)
			assert.Equal(t, tt.side, node.Side)
		})
	}

	root, err := e.GetTreeNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), root.LeftCount)
	assert.Equal(t, int64(2), root.RightCount)
}

func TestPlacementFailures(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil, Options{})
	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	require.NoError(t, e.DeactivateMember(ctx, "B"))

	tests := []struct {
		name string
		ev   *events.MemberRegistered
	}{
		{"unknown sponsor", &events.MemberRegistered{MemberID: "X", SponsorID: "nobody", PackageID: "starter"}},
		{"inactive sponsor", &events.MemberRegistered{MemberID: "X", SponsorID: "B", PackageID: "starter"}},
		{"second root", &events.MemberRegistered{MemberID: "X", PackageID: "starter"}},
		{"already registered", &events.MemberRegistered{EventID: "again", MemberID: "B", SponsorID: "A", PackageID: "starter"}},
		{"unknown package", &events.MemberRegistered{MemberID: "X", SponsorID: "A", PackageID: "gold-bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Handle(ctx, tt.ev)
			var placement *apperrors.PlacementError
			require.True(t, errors.As(err, &placement), "got %v", err)
			assert.Contains(t, err.Error(), "placement failed:")
		})
	}

	_, err := e.GetTreeNode(ctx, "X")
	assert.ErrorIs(t, err, apperrors.ErrUnknownMember)
}

func TestWithdrawals(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil, Options{AutoProcessWithdrawals: true})
	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	require.NoError(t, e.Handle(ctx, &events.PackagePurchased{EventID: "buy-b", MemberID: "B", PackageID: "starter", Timestamp: eventAt}))

	w, err := e.GetWallet(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(3000), w.Earnings)

	err = e.Handle(ctx, &events.WithdrawalRequested{RequestID: "w1", MemberID: "A", Amount: 5000, Timestamp: eventAt})
	var insufficient *apperrors.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(3000), insufficient.Available)

	rejected, err := e.ProcessWithdrawal(ctx, "w1")
	assert.True(t, errors.As(err, &insufficient))
	assert.Equal(t, model.WithdrawalRejected, rejected.Status)

	require.NoError(t, e.Handle(ctx, &events.WithdrawalRequested{RequestID: "w2", MemberID: "A", Amount: 2000, Timestamp: eventAt}))
	done, err := e.ProcessWithdrawal(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalCompleted, done.Status)

	w, err = e.GetWallet(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Earnings)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Withdrawals.WithLabelValues("completed")))
}

func TestManualWithdrawalStaysPending(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, nil, Options{})
	register(t, e, "A", "", "")
	require.NoError(t, e.ledger.Credit(ctx, st, "A", model.BucketEarnings, 800, "seed", eventAt))

	require.NoError(t, e.Handle(ctx, &events.WithdrawalRequested{RequestID: "w1", MemberID: "A", Amount: 500, Timestamp: eventAt}))
	pending, err := st.GetWithdrawal(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPending, pending.Status)

	done, err := e.ProcessWithdrawal(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalCompleted, done.Status)

	w, err := e.GetWallet(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(300), w.Earnings)
}

func TestReleaseGating(t *testing.T) {
	tests := []struct {
		name         string
		repurchaseAt time.Time
		wantAwaiting int64
		wantEarnings int64
	}{
		{"repurchase in current period", time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC), 0, 1000},
		{"missed window", time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC), 200, 800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, _ := newTestEngine(t, nil, Options{})
			register(t, e, "R", "", "")
			register(t, e, "A", "R", model.LegLeft)
			register(t, e, "B", "A", model.LegLeft)
			require.NoError(t, e.Handle(ctx, &events.PackagePurchased{EventID: "buy-b", MemberID: "B", PackageID: "starter", Timestamp: eventAt}))

			w, err := e.GetWallet(ctx, "R")
			require.NoError(t, err)
			require.Equal(t, int64(200), w.Awaiting)

			require.NoError(t, e.Handle(ctx, &events.RepurchaseCompleted{EventID: "rp-r", MemberID: "R", PV: 50, Timestamp: tt.repurchaseAt}))

			w, err = e.GetWallet(ctx, "R")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAwaiting, w.Awaiting)
			assert.Equal(t, tt.wantEarnings, w.Earnings)
		})
	}
}

func TestRankNeverDecreasesAndPaysOnce(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, nil, Options{})
	register(t, e, "A", "", "")
	require.NoError(t, e.Handle(ctx, &events.RepurchaseCompleted{EventID: "rp-1", MemberID: "A", PV: 100, Timestamp: eventAt}))

	view, err := e.GetRank(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Level)
	assert.Equal(t, "Bronze", view.Name)
	require.Len(t, view.Achievements, 1)

	require.NoError(t, e.DeactivateMember(ctx, "A"))
	require.NoError(t, e.Handle(ctx, &events.RepurchaseCompleted{EventID: "rp-2", MemberID: "A", PV: 10, Timestamp: eventAt}))

	view, err = e.GetRank(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Level)

	achievements, err := st.ListRankAchievements(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, achievements, 1)
}

func TestConsistencyViolationParksUntilResolved(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, nil, Options{})
	register(t, e, "A", "", "")
	register(t, e, "B", "A", model.LegLeft)
	register(t, e, "C", "A", model.LegRight)

	// corrupt A: consumed volume that was never posted
	require.NoError(t, st.ConsumePairVolume(ctx, "A", 5))

	err := e.Handle(ctx, purchase("buy-b", "B", 40))
	require.True(t, apperrors.IsParked(err), "got %v", err)
	require.True(t, apperrors.IsConsistency(err))

	node, err := e.GetTreeNode(ctx, "A")
	require.NoError(t, err)
	assert.True(t, node.Blocked)
	assert.Zero(t, node.LeftPV)

	exists, err := st.EventExists(ctx, "buy-b")
	require.NoError(t, err)
	assert.False(t, exists)

	w, err := e.GetWallet(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, w.Earnings)

	err = e.Handle(ctx, purchase("buy-c", "C", 40))
	assert.True(t, apperrors.IsParked(err))

	parked, err := st.ListParkedEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.Equal(t, "buy-b", parked[0].EventID)
	assert.Equal(t, "buy-c", parked[1].EventID)

	replayed, err := e.ResolveNode(ctx, "A")
	assert.True(t, apperrors.IsConsistency(err))
	assert.Zero(t, replayed)

	require.NoError(t, st.ConsumePairVolume(ctx, "A", -5))
	replayed, err = e.ResolveNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	node, err = e.GetTreeNode(ctx, "A")
	require.NoError(t, err)
	assert.False(t, node.Blocked)
	assert.Equal(t, int64(40), node.LeftPV)
	assert.Equal(t, int64(40), node.RightPV)

	for _, id := range []string{"buy-b", "buy-c"} {
		exists, err := st.EventExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	parked, err = st.ListParkedEvents(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, parked)

	// a redelivery of a replayed event is a plain duplicate
	assert.True(t, apperrors.IsDuplicate(e.Handle(ctx, purchase("buy-b", "B", 40))))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.BlockedNodes))
}

func TestUpgradePostsDeltaAndPaysRollup(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, nil, Options{})
	register(t, e, "R", "", "")
	register(t, e, "A", "R", model.LegLeft)
	register(t, e, "B", "A", model.LegLeft)

	require.NoError(t, e.Handle(ctx, &events.PackageUpgraded{
		EventID: "up-b", MemberID: "B", OldPackageID: "starter", NewPackageID: "business", Timestamp: eventAt,
	}))

	rollup := bonusesOf(t, e, "A", model.BonusRollup)
	require.Len(t, rollup, 1)
	assert.Equal(t, int64(2000), rollup[0].Amount)
	assert.Equal(t, int64(1000), bonusesOf(t, e, "R", model.BonusRollup)[0].Amount)

	pv, err := st.SumPersonalPV(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(200), pv)

	err = e.Handle(ctx, &events.PackageUpgraded{
		EventID: "up-b-again", MemberID: "B", OldPackageID: "starter", NewPackageID: "business", Timestamp: eventAt,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)
}
