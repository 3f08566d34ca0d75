package volume

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/model"
	"settlement-service/internal/store/memory"
	"settlement-service/internal/tree"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// buildTree places root with a, b on the left/right and c under a.
func buildTree(t *testing.T) *memory.Store {
	ctx := context.Background()
	st := memory.New()
	r := tree.NewResolver(false, quietLogger())

	_, err := r.Place(ctx, st, "root", tree.Slot{})
	require.NoError(t, err)
	for _, p := range []struct {
		id   string
		slot tree.Slot
	}{
		{"a", tree.Slot{ParentID: "root", Side: model.LegLeft}},
		{"b", tree.Slot{ParentID: "root", Side: model.LegRight}},
		{"c", tree.Slot{ParentID: "a", Side: model.LegRight}},
	} {
		_, err := r.Place(ctx, st, p.id, p.slot)
		require.NoError(t, err)
	}
	return st
}

func volumeEvent(id, member string, pv int64) *model.VolumeEvent {
	return &model.VolumeEvent{
		EventID:    id,
		MemberID:   member,
		PV:         pv,
		BV:         pv / 2,
		Source:     model.SourcePackagePurchase,
		OccurredAt: time.Now(),
	}
}

func TestPostPropagatesToEveryAncestor(t *testing.T) {
	ctx := context.Background()
	st := buildTree(t)
	agg := NewAggregator(0, quietLogger())

	touched, err := agg.Post(ctx, st, volumeEvent("e1", "c", 40))
	require.NoError(t, err)
	assert.Equal(t, []Touched{
		{ParentID: "a", Side: model.LegRight},
		{ParentID: "root", Side: model.LegLeft},
	}, touched)

	a, err := st.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), a.RightPV)
	assert.Equal(t, int64(20), a.RightBV)
	assert.Equal(t, int64(40), a.RightUnconsumedPV)
	assert.Zero(t, a.LeftPV)

	root, err := st.GetNode(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, int64(40), root.LeftPV)
	assert.Equal(t, int64(40), root.LeftUnconsumedPV)
	assert.NoError(t, root.Verify())
}

func TestPostIsIdempotentPerEventID(t *testing.T) {
	ctx := context.Background()
	st := buildTree(t)
	agg := NewAggregator(0, quietLogger())

	_, err := agg.Post(ctx, st, volumeEvent("e1", "b", 25))
	require.NoError(t, err)

	_, err = agg.Post(ctx, st, volumeEvent("e1", "b", 25))
	assert.True(t, apperrors.IsDuplicate(err))

	root, err := st.GetNode(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, int64(25), root.RightPV)
	assert.Len(t, st.VolumeEvents(), 1)
}

func TestPostHonoursDepthCap(t *testing.T) {
	ctx := context.Background()
	st := buildTree(t)
	agg := NewAggregator(1, quietLogger())

	touched, err := agg.Post(ctx, st, volumeEvent("e1", "c", 10))
	require.NoError(t, err)
	assert.Len(t, touched, 1)

	root, err := st.GetNode(ctx, "root")
	require.NoError(t, err)
	assert.Zero(t, root.LeftPV)
}

func TestPostStopsOnBrokenCounters(t *testing.T) {
	ctx := context.Background()
	st := buildTree(t)
	agg := NewAggregator(0, quietLogger())

	// consuming volume that was never posted drives the counters negative
	require.NoError(t, st.ConsumePairVolume(ctx, "root", 10))

	_, err := agg.Post(ctx, st, volumeEvent("e1", "a", 10))
	var ce *apperrors.AggregationConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "root", ce.NodeID)
	assert.Contains(t, ce.Reason, "negative")
}

func TestPostRefusesBlockedNode(t *testing.T) {
	ctx := context.Background()
	st := buildTree(t)
	agg := NewAggregator(0, quietLogger())
	require.NoError(t, st.SetNodeBlocked(ctx, "a", true, "manual hold"))

	_, err := agg.Post(ctx, st, volumeEvent("e1", "c", 10))
	assert.True(t, apperrors.IsConsistency(err))

	// b's path does not cross a
	_, err = agg.Post(ctx, st, volumeEvent("e2", "b", 10))
	assert.NoError(t, err)
}
