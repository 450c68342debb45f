// Package broker connects the fast path to the batch writer through a
// durable RabbitMQ queue.
//
// Publishing waits for the broker's publisher confirm, so a returned nil
// means the deduction event is durable. The consuming side decodes each
// delivery and hands it, with its delivery tag, to the in-process handoff
// channel; the batch writer later settles the tag through Ack or Nack.
//
// All calls on the AMQP channel handle go through one mutex owned by the
// bridge: publishers, the delivery loop and the writer share it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

const (
	DefaultQueue          = "stock_deduct_queue"
	DefaultPrefetch       = 200
	DefaultConfirmTimeout = 5 * time.Second
	defaultConsumerTag    = "stock-sync-writer"
)

// ErrConfirmTimeout is returned together with domain.ErrPublishUnconfirmed
// when no confirm arrives in time.
var ErrConfirmTimeout = errors.New("publisher confirm timed out")

// Channel is the subset of *amqp.Channel used by the bridge.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Close() error
}

type Config struct {
	Queue          string
	Prefetch       int
	ConfirmTimeout time.Duration
	ConsumerTag    string
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = defaultConsumerTag
	}

	return c
}

type RabbitMQBridge struct {
	mu     sync.Mutex
	ch     Channel
	conn   *amqp.Connection
	cfg    Config
	logger *zap.Logger
}

var (
	_ port.DeductionPublisher = (*RabbitMQBridge)(nil)
	_ port.Acknowledger       = (*RabbitMQBridge)(nil)
)

// Dial opens a connection and a dedicated channel, then runs Setup.
func Dial(url string, cfg Config, logger *zap.Logger) (*RabbitMQBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w: %w", domain.ErrBrokerUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w: %w", domain.ErrBrokerUnavailable, err)
	}

	bridge := NewRabbitMQBridge(ch, cfg, logger)
	bridge.conn = conn

	if err := bridge.Setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return bridge, nil
}

func NewRabbitMQBridge(ch Channel, cfg Config, logger *zap.Logger) *RabbitMQBridge {
	return &RabbitMQBridge{
		ch:     ch,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "rabbitmq_bridge")),
	}
}

// Setup declares the durable queue, sets the prefetch credit and enables
// publisher confirms.
func (b *RabbitMQBridge) Setup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w: %w", b.cfg.Queue, domain.ErrBrokerUnavailable, err)
	}

	if err := b.ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w: %w", domain.ErrBrokerUnavailable, err)
	}

	if err := b.ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w: %w", domain.ErrBrokerUnavailable, err)
	}

	return nil
}

// Publish sends the request as a persistent message and blocks until the
// broker confirms it or ConfirmTimeout elapses. A send error or a broker
// nack is a definite failure. A missing confirm is reported with
// domain.ErrPublishUnconfirmed since the broker may hold the message.
func (b *RabbitMQBridge) Publish(ctx context.Context, req domain.DeductionRequest) error {
	body, err := encodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w: %w", req.TransactionID, domain.ErrBrokerPublish, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.TransactionID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	b.mu.Lock()
	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, "", b.cfg.Queue, false, false, msg)
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("publish failed", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		return fmt.Errorf("publish %s: %w: %w", req.TransactionID, domain.ErrBrokerPublish, err)
	}

	// nil when the channel is not in confirm mode
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		b.logger.Error("publish confirm not received", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		return fmt.Errorf("publish %s: %w: %w: %w: %w", req.TransactionID, domain.ErrBrokerPublish, domain.ErrPublishUnconfirmed, ErrConfirmTimeout, err)
	}

	if !acked {
		b.logger.Error("publish nacked by broker", zap.String("transaction_id", req.TransactionID))
		return fmt.Errorf("publish %s: %w: nacked by broker", req.TransactionID, domain.ErrBrokerPublish)
	}

	return nil
}

// Consume forwards deliveries to sink until ctx is cancelled. A closed
// delivery stream means the connection was lost and is returned as
// domain.ErrBrokerUnavailable.
func (b *RabbitMQBridge) Consume(ctx context.Context, sink port.DeductionSink) error {
	b.mu.Lock()
	deliveries, err := b.ch.Consume(b.cfg.Queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("consume %s: %w: %w", b.cfg.Queue, domain.ErrBrokerUnavailable, err)
	}

	b.logger.Info("consumer started", zap.String("queue", b.cfg.Queue), zap.Int("prefetch", b.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			b.cancelConsumer()
			b.logger.Info("consumer stopped")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream closed: %w", domain.ErrBrokerUnavailable)
			}

			if err := b.handleDelivery(d, sink); err != nil {
				return err
			}
		}
	}
}

func (b *RabbitMQBridge) handleDelivery(d amqp.Delivery, sink port.DeductionSink) error {
	req, err := decodeRequest(d.Body)
	if err != nil {
		b.logger.Error("rejecting malformed message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return b.Reject(d.DeliveryTag, false)
	}

	req.DeliveryTag = d.DeliveryTag
	req.Redelivered = d.Redelivered

	if err := sink.Enqueue(req); err != nil {
		b.logger.Warn("handoff refused delivery, requeueing",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.String("transaction_id", req.TransactionID),
			zap.Error(err),
		)
		return b.Nack(d.DeliveryTag, true)
	}

	return nil
}

func (b *RabbitMQBridge) cancelConsumer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Cancel(b.cfg.ConsumerTag, false); err != nil {
		b.logger.Warn("cancel consumer", zap.Error(err))
	}
}

func (b *RabbitMQBridge) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %d: %w: %w", tag, domain.ErrBrokerUnavailable, err)
	}

	return nil
}

func (b *RabbitMQBridge) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("nack %d: %w: %w", tag, domain.ErrBrokerUnavailable, err)
	}

	return nil
}

func (b *RabbitMQBridge) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Reject(tag, requeue); err != nil {
		return fmt.Errorf("reject %d: %w: %w", tag, domain.ErrBrokerUnavailable, err)
	}

	return nil
}

// Close closes the channel and, for bridges created by Dial, the
// connection. Unacknowledged deliveries return to the queue.
func (b *RabbitMQBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	return errors.Join(errs...)
}
