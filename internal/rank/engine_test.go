package rank

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/store/memory"
	"settlement-service/internal/wallet"
)

func TestQualify(t *testing.T) {
	ladder := plan.Default().Ranks

	tests := []struct {
		name     string
		stats    Stats
		expected int
	}{
		{"nothing", Stats{}, 0},
		{"bronze", Stats{PersonalPV: 100, PackageTier: 1}, 1},
		{"silver", Stats{PersonalPV: 200, PackageTier: 1, DirectReferrals: 2, TeamSize: 6}, 2},
		{"gold blocked by tier", Stats{PersonalPV: 500, PackageTier: 1, DirectReferrals: 4, TeamSize: 30}, 2},
		{"gold", Stats{PersonalPV: 500, PackageTier: 2, DirectReferrals: 4, TeamSize: 30}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Qualify(ladder, tt.stats))
		})
	}
}

func newEngine() *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	p := plan.Default()
	return NewEngine(p, wallet.NewLedger(p, log, nil), log)
}

// goldCandidate sets up a business package member with four referrals, a
// team of 30 and 500 personal PV.
func goldCandidate(t *testing.T) *memory.Store {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.CreateMember(ctx, &model.Member{ID: "m", PackageID: "business", Active: true}))
	for i := 0; i < 4; i++ {
		require.NoError(t, st.CreateMember(ctx, &model.Member{ID: fmt.Sprintf("r%d", i), SponsorID: "m", Active: true}))
	}
	require.NoError(t, st.CreateNode(ctx, &model.TreeNode{MemberID: "m", LeftCount: 20, RightCount: 10}))
	require.NoError(t, st.AppendVolumeEvent(ctx, &model.VolumeEvent{EventID: "v1", MemberID: "m", PV: 500, Source: model.SourcePackagePurchase}))
	return st
}

func TestEvaluatePaysEveryPassedRank(t *testing.T) {
	ctx := context.Background()
	st := goldCandidate(t)
	e := newEngine()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	achieved, err := e.Evaluate(ctx, st, "m", "evt-1", at)
	require.NoError(t, err)
	require.Len(t, achieved, 3)
	assert.Equal(t, "Bronze", achieved[0].RankName)
	assert.Equal(t, "Gold", achieved[2].RankName)

	m, err := st.GetMember(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Rank)

	w, err := st.GetWallet(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(60000), w.Earnings)
	assert.Zero(t, w.Awaiting)

	achieved, err = e.Evaluate(ctx, st, "m", "evt-2", at)
	require.NoError(t, err)
	assert.Empty(t, achieved)

	w, err = st.GetWallet(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(60000), w.Earnings)
}

func TestEvaluateNeverDemotes(t *testing.T) {
	ctx := context.Background()
	st := goldCandidate(t)
	require.NoError(t, st.RaiseMemberRank(ctx, "m", 4))

	achieved, err := newEngine().Evaluate(ctx, st, "m", "evt-1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, achieved)

	m, err := st.GetMember(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Rank)
}

func TestEvaluateSkipsInactiveMember(t *testing.T) {
	ctx := context.Background()
	st := goldCandidate(t)
	require.NoError(t, st.SetMemberActive(ctx, "m", false))

	achieved, err := newEngine().Evaluate(ctx, st, "m", "evt-1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, achieved)
}

func TestStatsWithoutNode(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := &model.Member{ID: "solo", PackageID: "starter", Active: true}
	require.NoError(t, st.CreateMember(ctx, m))

	s, err := newEngine().Stats(ctx, st, m)
	require.NoError(t, err)
	assert.Equal(t, Stats{PackageTier: 1}, s)
}
