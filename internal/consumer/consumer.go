package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
	"settlement-service/internal/events"
	"settlement-service/internal/processor"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	submitTimeout        = 30 * time.Second
)

// Submitter queues decoded events for processing.
type Submitter interface {
	Submit(ctx context.Context, job processor.Job) error
}

// Consumer reads settlement events from RabbitMQ. A single reader keeps
// deliveries in queue order; the processor pool fans them out by member.
type Consumer struct {
	cfg  config.RabbitConfig
	log  *logrus.Logger
	pool Submitter

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.RabbitConfig, log *logrus.Logger, pool Submitter) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		cfg:    cfg,
		log:    log,
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return c, nil
}

func (c *Consumer) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.VHost)

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"host":  c.cfg.Host,
		"queue": c.cfg.Queue,
	}).Info("connected to RabbitMQ")

	// Monitor connection for errors
	go c.monitorConnection()

	return nil
}

func (c *Consumer) monitorConnection() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error))

	select {
	case err := <-notifyClose:
		if err != nil {
			c.log.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			c.reconnect()
		}
	case <-c.ctx.Done():
		return
	}
}

func (c *Consumer) reconnect() {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if err := c.connect(); err == nil {
			c.log.Info("successfully reconnected to RabbitMQ")
			// Restart consuming in a new goroutine
			go func() {
				if err := c.Start(c.ctx); err != nil && c.ctx.Err() == nil {
					c.log.WithError(err).Error("failed to restart consumer after reconnect")
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	c.log.Error("max reconnection attempts reached, giving up")
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.WithField("queue", c.cfg.Queue).Info("starting consumer")

	c.wg.Add(1)
	go c.read(ctx, msgs)

	<-ctx.Done()
	c.log.Info("stopping consumer")
	c.wg.Wait()

	return nil
}

func (c *Consumer) read(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("reader stopped")
			return

		case msg, ok := <-msgs:
			if !ok {
				c.log.Warn("message channel closed")
				return
			}

			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	Dispatch(ctx, c.pool, msg.Body, msg, c.log)
}

// Dispatch decodes body and submits it to pool; d is settled once the event
// is handled. Malformed messages are rejected without requeue.
func Dispatch(ctx context.Context, pool Submitter, body []byte, d processor.Delivery, log *logrus.Logger) {
	ev, err := events.Decode(body)
	if err != nil {
		log.WithFields(logrus.Fields{
			"error": err,
			"body":  string(body),
		}).Error("failed to decode message")

		// Reject and don't requeue malformed messages
		_ = d.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	job := processor.Job{
		Event: ev,
		Done:  func(err error) { processor.Settle(d, err, log) },
	}
	if err := pool.Submit(ctx, job); err != nil {
		log.WithError(err).WithField("event_id", ev.ID()).Warn("failed to queue event")
		_ = d.Nack(false, true) // Requeue
		return
	}

	log.WithFields(logrus.Fields{
		"event_id":  ev.ID(),
		"kind":      ev.Kind(),
		"member_id": ev.Member(),
	}).Debug("message sent to processor")
}

func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.log.Info("consumer closed")
}
