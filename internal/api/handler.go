// Package api exposes the settlement queries and operator actions over
// HTTP, and accepts events from producers that do not use the broker.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/engine"
	"settlement-service/internal/events"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

// Service is the engine surface used by the handlers.
type Service interface {
	GetTreeNode(ctx context.Context, memberID string) (*model.TreeNode, error)
	GetWallet(ctx context.Context, memberID string) (*model.Wallet, error)
	GetWalletEntries(ctx context.Context, memberID string) ([]model.WalletEntry, error)
	GetBonusHistory(ctx context.Context, memberID string, from, to time.Time) ([]model.BonusRecord, error)
	GetRank(ctx context.Context, memberID string) (*engine.RankView, error)
	ProcessWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error)
	DeactivateMember(ctx context.Context, memberID string) error
	ResolveNode(ctx context.Context, memberID string) (int, error)
}

// Dispatcher hands an event to the processor and waits for its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) error
}

type Handler struct {
	svc        Service
	dispatcher Dispatcher
	log        *logrus.Logger
}

func NewHandler(svc Service, dispatcher Dispatcher, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, dispatcher: dispatcher, log: log}
}

func (h *Handler) GetNode(c *gin.Context) {
	node, err := h.svc.GetTreeNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.svc.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) GetWalletEntries(c *gin.Context) {
	entries, err := h.svc.GetWalletEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member_id": c.Param("id"), "entries": entries})
}

// GetBonuses lists bonuses in [from, to). Bounds are RFC 3339 timestamps or
// plain dates; both are optional.
func (h *Handler) GetBonuses(c *gin.Context) {
	from, err := parseBound(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := parseBound(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}

	bonuses, err := h.svc.GetBonusHistory(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonuses": bonuses})
}

func (h *Handler) GetRank(c *gin.Context) {
	view, err := h.svc.GetRank(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	w, err := h.svc.ProcessWithdrawal(c.Request.Context(), c.Param("id"))
	var insufficient *apperrors.InsufficientFundsError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "insufficient funds",
			"available":  insufficient.Available,
			"requested":  insufficient.Requested,
			"withdrawal": w,
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.svc.DeactivateMember(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resolve lifts a node block and reports how many parked events it applied.
func (h *Handler) Resolve(c *gin.Context) {
	replayed, err := h.svc.ResolveNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": c.Param("id"), "replayed": replayed})
}

// PostEvent applies one event synchronously. A replayed event id answers
// 200 with duplicate set, so producers can retry blindly. An event stopped by
// a blocked node is accepted with parked set and applied on resolve.
func (h *Handler) PostEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := events.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.dispatcher.Dispatch(c.Request.Context(), ev)
	if apperrors.IsDuplicate(err) {
		c.JSON(http.StatusOK, gin.H{"event_id": ev.ID(), "duplicate": true})
		return
	}
	var parked *apperrors.ParkedError
	if errors.As(err, &parked) {
		c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID(), "parked": true, "node_id": parked.NodeID})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID()})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	var (
		placement    *apperrors.PlacementError
		insufficient *apperrors.InsufficientFundsError
	)
	switch {
	case errors.Is(err, apperrors.ErrUnknownMember), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &placement), errors.As(err, &insufficient), errors.Is(err, apperrors.ErrInvalidEvent):
		return http.StatusUnprocessableEntity
	case apperrors.IsConsistency(err):
		return http.StatusConflict
	case apperrors.IsTransient(err), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseBound(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
