package bonus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store/memory"
)

func pairingPlan() *plan.Plan {
	p := plan.Default()
	p.VolumePerPair = 10
	p.BonusPerPair = 500
	p.DailyPairCap = 3
	return p
}

func TestEvaluatePairing(t *testing.T) {
	p := pairingPlan()

	tests := []struct {
		name                  string
		left, right, paid     int64
		wantPaid, wantDefer   int64
		wantAmount, wantSpent int64
	}{
		{"cap reached", 40, 40, 0, 3, 1, 1500, 30},
		{"weaker leg limits", 40, 25, 0, 2, 0, 1000, 20},
		{"partial pair", 9, 100, 0, 0, 0, 0, 0},
		{"already capped today", 40, 40, 3, 0, 4, 0, 0},
		{"room for one", 40, 40, 2, 1, 3, 500, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := EvaluatePairing(p, tt.left, tt.right, tt.paid)
			assert.Equal(t, tt.wantPaid, res.Paid)
			assert.Equal(t, tt.wantDefer, res.Deferred)
			assert.Equal(t, tt.wantAmount, res.Amount)
			assert.Equal(t, tt.wantSpent, res.ConsumedPV)
			assert.LessOrEqual(t, (tt.paid+res.Paid)*p.BonusPerPair, p.DailyPairCap*p.BonusPerPair)
		})
	}
}

func pairingStore(t *testing.T, left, right int64) *memory.Store {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.CreateMember(ctx, &model.Member{ID: "A", Active: true}))
	require.NoError(t, st.CreateNode(ctx, &model.TreeNode{MemberID: "A"}))
	require.NoError(t, st.AddLegVolume(ctx, "A", model.LegLeft, left, 0))
	require.NoError(t, st.AddLegVolume(ctx, "A", model.LegRight, right, 0))
	return st
}

func TestPairCapsAndRollsForward(t *testing.T) {
	ctx := context.Background()
	st := pairingStore(t, 40, 40)
	pr := NewPairer(pairingPlan(), quietLogger())
	day1 := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	rec, res, err := pr.Pair(ctx, st, "A", "evt-c", day1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1500), rec.Amount)
	assert.Equal(t, int64(3), rec.Pairs)
	assert.Equal(t, model.BonusBusiness, rec.Type)
	require.NotNil(t, res.Capped)
	assert.Equal(t, int64(1), res.Capped.Deferred)

	node, err := st.GetNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), node.LeftUnconsumedPV)
	assert.Equal(t, int64(10), node.RightUnconsumedPV)
	assert.Equal(t, int64(30), node.LeftConsumedPV)
	assert.NoError(t, node.Verify())

	// same day: cap already used
	rec, res, err = pr.Pair(ctx, st, "A", "evt-d", day1.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NotNil(t, res.Capped)

	// next day the carried pair is paid
	rec, _, err = pr.Pair(ctx, st, "A", "evt-e", day1.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(500), rec.Amount)

	paid, err := st.PaidPairs(ctx, "A", "2024-05-02")
	require.NoError(t, err)
	assert.Equal(t, int64(1), paid)
}

func TestPairIsNoOpForReplayedEvent(t *testing.T) {
	ctx := context.Background()
	st := pairingStore(t, 20, 20)
	pr := NewPairer(pairingPlan(), quietLogger())
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rec, _, err := pr.Pair(ctx, st, "A", "evt-1", at)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, st.AddLegVolume(ctx, "A", model.LegLeft, 10, 0))
	require.NoError(t, st.AddLegVolume(ctx, "A", model.LegRight, 10, 0))

	rec, _, err = pr.Pair(ctx, st, "A", "evt-1", at)
	require.NoError(t, err)
	assert.Nil(t, rec)

	node, err := st.GetNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), node.LeftUnconsumedPV)
}

func TestPairCarriesVolumeOfInactiveMember(t *testing.T) {
	ctx := context.Background()
	st := pairingStore(t, 20, 20)
	require.NoError(t, st.SetMemberActive(ctx, "A", false))
	pr := NewPairer(pairingPlan(), quietLogger())

	rec, res, err := pr.Pair(ctx, st, "A", "evt-1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, res.Paid)

	node, err := st.GetNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(20), node.LeftUnconsumedPV)
}
