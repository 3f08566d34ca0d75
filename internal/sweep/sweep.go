package sweep

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/metrics"
	"settlement-service/internal/model"
)

const (
	sweepTimeout = 2 * time.Minute
)

// NodeLister pages through nodes with pairable volume on both legs.
type NodeLister interface {
	ListPairableNodes(ctx context.Context, minPV int64, after string, limit int) ([]model.TreeNode, error)
}

// Pairer settles the pairing of one node.
type Pairer interface {
	SweepNode(ctx context.Context, memberID string, at time.Time) (*model.BonusRecord, error)
}

// Sweeper pays pairs that were deferred by an earlier day's cap. Volume
// carried past the cap only pays out when new volume reaches the node, so a
// periodic pass gives it a chance on the next pairing day.
type Sweeper struct {
	nodes     NodeLister
	pairer    Pairer
	minPV     int64
	batchSize int
	metrics   *metrics.Metrics
	log       *logrus.Logger
	now       func() time.Time
}

func New(nodes NodeLister, pairer Pairer, minPV int64, batchSize int, m *metrics.Metrics, log *logrus.Logger, now func() time.Time) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		nodes:     nodes,
		pairer:    pairer,
		minPV:     minPV,
		batchSize: batchSize,
		metrics:   m,
		log:       log,
		now:       now,
	}
}

// Run sweeps once right away and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping pairing sweep")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce walks every pairable node in member id order and returns how many
// of them were paid. Failures on one node are logged and the walk goes on.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	at := s.now()
	var scanned, paid int
	cursor := ""

	for {
		nodes, err := s.nodes.ListPairableNodes(ctx, s.minPV, cursor, s.batchSize)
		if err != nil {
			s.log.WithError(err).Error("failed to fetch pairable nodes batch")
			break
		}

		if len(nodes) == 0 {
			break
		}

		for _, n := range nodes {
			scanned++
			if n.Blocked {
				continue
			}

			rec, err := s.pairer.SweepNode(ctx, n.MemberID, at)
			if err != nil {
				entry := s.log.WithError(err).WithField("member_id", n.MemberID)
				if apperrors.IsConsistency(err) {
					entry.Error("node blocked during sweep")
				} else {
					entry.Warn("sweep failed for node")
				}
				continue
			}
			if rec != nil {
				paid++
				s.metrics.SweepNodes.Inc()
			}
		}

		cursor = nodes[len(nodes)-1].MemberID

		if len(nodes) < s.batchSize {
			break
		}

		select {
		case <-ctx.Done():
			s.log.Info("pairing sweep cancelled")
			return paid
		default:
		}
	}

	s.log.WithFields(logrus.Fields{
		"scanned": scanned,
		"paid":    paid,
	}).Info("pairing sweep completed")

	return paid
}
