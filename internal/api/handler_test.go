package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/engine"
	"settlement-service/internal/metrics"
	"settlement-service/internal/model"
	"settlement-service/internal/plan"
	"settlement-service/internal/processor"
	"settlement-service/internal/store"
	"settlement-service/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := quietLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := memory.New()
	eng := engine.New(st, plan.Default(), m, log, engine.Options{
		AutoProcessWithdrawals: true,
		Clock:                  func() time.Time { return time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC) },
	})
	pool := processor.NewPool(eng, 2, 8, log)
	pool.Start(ctx)

	return NewRouter(NewHandler(eng, pool, log), m, reg, log), st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func envelope(kind, eventID, payload string) string {
	return fmt.Sprintf(`{"type":%q,"event_id":%q,"occurred_at":"2024-05-10T09:00:00Z","payload":%s}`, kind, eventID, payload)
}

func TestEventsAndQueries(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/events", envelope("member_registered", "reg-a", `{"member_id":"a","package_id":"starter"}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/events", envelope("member_registered", "reg-a", `{"member_id":"a","package_id":"starter"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)

	w = do(t, srv, http.MethodPost, "/events", envelope("member_registered", "reg-b", `{"member_id":"b","sponsor_id":"a","requested_leg":"left","package_id":"starter"}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/events", envelope("package_purchased", "buy-b", `{"member_id":"b","package_id":"starter"}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	t.Run("wallet", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/members/a/wallet", "")
		require.Equal(t, http.StatusOK, w.Code)

		var wallet model.Wallet
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
		assert.Equal(t, int64(3000), wallet.Earnings)
	})

	t.Run("wallet entries", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/members/a/wallet/entries", "")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Entries []model.WalletEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		var earned int64
		for _, e := range body.Entries {
			assert.Equal(t, "a", e.MemberID)
			if e.Bucket == model.BucketEarnings && e.Kind == model.EntryCredit {
				earned += e.Amount
			}
		}
		assert.Equal(t, int64(3000), earned)

		w = do(t, srv, http.MethodGet, "/members/ghost/wallet/entries", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bonuses", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/members/a/bonuses?from=2024-05-01&to=2024-06-01", "")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Bonuses []model.BonusRecord `json:"bonuses"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Bonuses, 1)
		assert.Equal(t, model.BonusDirectSponsor, body.Bonuses[0].Type)

		w = do(t, srv, http.MethodGet, "/members/a/bonuses?from=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("node and rank", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/members/a/node", "")
		require.Equal(t, http.StatusOK, w.Code)
		var node model.TreeNode
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
		assert.Equal(t, "b", node.LeftChildID)

		w = do(t, srv, http.MethodGet, "/members/a/rank", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown member", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/members/ghost/wallet", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("withdrawal over earnings", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/events", envelope("withdrawal_requested", "w1", `{"member_id":"a","amount":5000}`))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		w = do(t, srv, http.MethodPost, "/withdrawals/w1/process", "")
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient funds")
		assert.Contains(t, w.Body.String(), `"available":3000`)
	})

	t.Run("withdrawal within earnings", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/events", envelope("withdrawal_requested", "w2", `{"member_id":"a","amount":1000}`))
		require.Equal(t, http.StatusAccepted, w.Code)

		w = do(t, srv, http.MethodPost, "/withdrawals/w2/process", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"completed"`)
	})

	t.Run("malformed event", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/events", `{"type":"package_purchased"`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("placement failure", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/events", envelope("member_registered", "reg-x", `{"member_id":"x","sponsor_id":"nobody","package_id":"starter"}`))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "placement failed")
	})

	t.Run("deactivate", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/members/b/deactivate", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("health and metrics", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)

		w := do(t, srv, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "settlement_http_requests_total")
		assert.Contains(t, w.Body.String(), "settlement_engine_events_processed_total")
	})
}

func TestParkedEventAppliedOnResolve(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	for _, body := range []string{
		envelope("member_registered", "reg-a", `{"member_id":"a","package_id":"starter"}`),
		envelope("member_registered", "reg-b", `{"member_id":"b","sponsor_id":"a","requested_leg":"left","package_id":"starter"}`),
	} {
		w := do(t, srv, http.MethodPost, "/events", body)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	require.NoError(t, st.ConsumePairVolume(ctx, "a", 5))

	w := do(t, srv, http.MethodPost, "/events", envelope("repurchase_completed", "rp-b", `{"member_id":"b","pv":30}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"parked":true`)

	w = do(t, srv, http.MethodPost, "/nodes/a/resolve", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, st.ConsumePairVolume(ctx, "a", -5))
	w = do(t, srv, http.MethodPost, "/nodes/a/resolve", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"replayed":1`)

	w = do(t, srv, http.MethodGet, "/members/a/node", "")
	require.Equal(t, http.StatusOK, w.Code)
	var node model.TreeNode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
	assert.False(t, node.Blocked)
	assert.Equal(t, int64(30), node.LeftPV)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown member", fmt.Errorf("wrap: %w", apperrors.ErrUnknownMember), http.StatusNotFound},
		{"missing record", store.ErrNotFound, http.StatusNotFound},
		{"invalid event", apperrors.ErrInvalidEvent, http.StatusUnprocessableEntity},
		{"consistency", &apperrors.AggregationConsistencyError{NodeID: "a", Reason: "negative"}, http.StatusConflict},
		{"deadlock", errors.New("Error 1213: Deadlock found"), http.StatusServiceUnavailable},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}
