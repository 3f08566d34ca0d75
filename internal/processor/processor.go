package processor

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/events"
)

const (
	eventTimeout = 10 * time.Second
	maxRetries   = 3
)

var ErrStopped = errors.New("processor pool stopped")

// Handler applies one event.
type Handler interface {
	Handle(ctx context.Context, ev events.Event) error
}

// Delivery is the acknowledgement side of a queued message;
// amqp091.Delivery satisfies it.
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Job is an event plus the callback told how it ended.
type Job struct {
	Event events.Event
	Done  func(err error)
}

// Pool shards events by member id over a fixed set of workers. Each shard is
// a FIFO queue drained by one worker, so events of one member are applied in
// arrival order while different members proceed in parallel.
type Pool struct {
	handler Handler
	shards  []chan Job
	log     *logrus.Logger

	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewPool returns a pool of workers shards with queueSize slots each.
func NewPool(handler Handler, workers, queueSize int, log *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	shards := make([]chan Job, workers)
	for i := range shards {
		shards[i] = make(chan Job, queueSize)
	}
	return &Pool{
		handler: handler,
		shards:  shards,
		log:     log,
		stopped: make(chan struct{}),
	}
}

// Start launches the workers. They stop when ctx is done; jobs still queued
// are left unacknowledged for the broker to redeliver.
func (p *Pool) Start(ctx context.Context) {
	p.log.Infof("Starting processor pool with %d workers", len(p.shards))

	for i := range p.shards {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	go func() {
		<-ctx.Done()
		close(p.stopped)
	}()
}

// Wait blocks until every worker returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit queues job on the shard of its member.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	shard := p.shards[Shard(job.Event.Member(), len(p.shards))]
	select {
	case shard <- job:
		return nil
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch submits ev and waits for its outcome.
func (p *Pool) Dispatch(ctx context.Context, ev events.Event) error {
	result := make(chan error, 1)
	if err := p.Submit(ctx, Job{Event: ev, Done: func(err error) { result <- err }}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shard maps a member id to a worker index.
func Shard(memberID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(memberID))
	return int(h.Sum32() % uint32(n))
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.log.WithField("worker_id", id).Debug("worker stopped")
			return
		case job := <-p.shards[id]:
			err := p.handle(ctx, id, job.Event)
			if job.Done != nil {
				job.Done(err)
			}
		}
	}
}

// handle retries transient failures with the same event id.
func (p *Pool) handle(ctx context.Context, workerID int, ev events.Event) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = p.apply(ctx, ev)
		if err == nil || !apperrors.IsTransient(err) {
			return err
		}

		p.log.Warnf("Worker %d: transient error on event %s (attempt %d/%d). Retrying...", workerID, ev.ID(), i+1, maxRetries)
		select {
		case <-time.After(time.Millisecond * time.Duration(100*(i+1))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.log.Errorf("Worker %d fatal error after retries: %v", workerID, err)
	return err
}

func (p *Pool) apply(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	return p.handler.Handle(ctx, ev)
}

// Settle acknowledges a delivery according to the outcome of its event.
// Applied, duplicate and parked events are acked. Transient failures that
// outlived the retries are requeued, as is a consistency violation whose
// event could not be parked. Logical failures are rejected without requeue.
func Settle(d Delivery, err error, log *logrus.Logger) {
	switch {
	case err == nil, apperrors.IsDuplicate(err), apperrors.IsParked(err):
		_ = d.Ack(false)
	case apperrors.IsTransient(err), apperrors.IsConsistency(err),
		errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		_ = d.Nack(false, true)
	default:
		log.WithError(err).Warn("event rejected, not requeued")
		_ = d.Nack(false, false)
	}
}
