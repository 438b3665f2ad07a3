package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/config"
	"github.com/marminbh/hook-svc/internal/models"
)

// Broker is the subset of rabbitmq.Connection the consumer uses
type Broker interface {
	DeclareQueue(name string) error
	SetQoS(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
	Publish(ctx context.Context, queue string, body []byte) error
	IsHealthy() bool
}

// Handler processes one decoded envelope
type Handler interface {
	Handle(ctx context.Context, envelope models.IntakeEnvelope) error
}

// Consumer reads intake envelopes from RabbitMQ. Messages are ACKed once
// handled, parked when they can never be handled and requeued on
// infrastructure errors.
type Consumer struct {
	broker       Broker
	handler      Handler
	queue        string
	parkedQueue  string
	prefetch     int
	requeueDelay time.Duration
	restartDelay time.Duration
	logger       *zap.Logger
	consumerTag  string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func NewConsumer(cfg config.IntakeConfig, broker Broker, handler Handler, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		broker:       broker,
		handler:      handler,
		queue:        cfg.Queue,
		parkedQueue:  cfg.Queue + ".parked",
		prefetch:     cfg.PrefetchCount,
		requeueDelay: time.Second,
		restartDelay: 2 * time.Second,
		logger:       logger,
		consumerTag:  fmt.Sprintf("hook-intake-%d", time.Now().Unix()),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start declares the intake queues and begins consuming
func (c *Consumer) Start() error {
	if c.queue == "" {
		return fmt.Errorf("intake queue is required")
	}
	for _, name := range []string{c.queue, c.parkedQueue} {
		if err := c.broker.DeclareQueue(name); err != nil {
			return err
		}
	}

	messages, err := c.subscribe()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.processMessages(messages)

	c.logger.Info("Intake consumer started",
		zap.String("queue", c.queue),
		zap.String("consumer_tag", c.consumerTag),
		zap.Int("prefetch_count", c.prefetch),
	)
	return nil
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	if err := c.broker.SetQoS(c.prefetch); err != nil {
		return nil, err
	}
	messages, err := c.broker.Consume(c.queue, c.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from queue %s: %w", c.queue, err)
	}
	return messages, nil
}

// Stop cancels the consumer and waits for the message in hand to finish
func (c *Consumer) Stop() error {
	c.mu.Lock()
	wasStarted := c.started
	c.started = false
	c.mu.Unlock()

	c.logger.Info("Stopping intake consumer", zap.String("consumer_tag", c.consumerTag))
	c.cancel()

	if wasStarted && c.broker.IsHealthy() {
		if err := c.broker.CancelConsumer(c.consumerTag); err != nil {
			c.logger.Error("Failed to cancel consumer",
				zap.String("consumer_tag", c.consumerTag),
				zap.Error(err),
			)
		}
	}
	c.wg.Wait()
	c.logger.Info("Intake consumer stopped")
	return nil
}

func (c *Consumer) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Consumer) processMessages(messages <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-messages:
			if ok {
				c.ProcessMessage(c.ctx, msg)
				continue
			}

			c.logger.Warn("Message channel closed, waiting for reconnection...",
				zap.String("queue", c.queue),
			)
			messages = c.resubscribe()
			if messages == nil {
				return
			}
		}
	}
}

// resubscribe waits for the broker to come back and consumes again. It returns
// nil once the consumer is stopped.
func (c *Consumer) resubscribe() <-chan amqp.Delivery {
	for c.running() {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(c.restartDelay):
		}

		if !c.broker.IsHealthy() {
			continue
		}
		messages, err := c.subscribe()
		if err != nil {
			c.logger.Error("Failed to restart consuming, will retry",
				zap.String("queue", c.queue),
				zap.Error(err),
			)
			continue
		}
		c.logger.Info("Restarted consumer after channel close", zap.String("queue", c.queue))
		return messages
	}
	return nil
}

// ProcessMessage decodes and handles one delivery and settles it
func (c *Consumer) ProcessMessage(ctx context.Context, msg amqp.Delivery) {
	fields := []zap.Field{
		zap.String("queue", c.queue),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
	}

	envelope, err := decodeEnvelope(msg.Body)
	if err != nil {
		c.logger.Error("Failed to decode intake message", append(fields, zap.Error(err))...)
		c.park(ctx, msg, fields)
		return
	}
	fields = append(fields, zap.String("type", envelope.Type))

	if err := c.handler.Handle(ctx, envelope); err != nil {
		if Permanent(err) {
			c.logger.Warn("Rejecting intake message", append(fields, zap.Error(err))...)
			c.park(ctx, msg, fields)
			return
		}

		c.logger.Error("Failed to process intake message, requeueing", append(fields, zap.Error(err))...)
		select {
		case <-ctx.Done():
		case <-time.After(c.requeueDelay):
		}
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", append(fields, zap.Error(err))...)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Debug("Intake message processed", fields...)
}

// park moves a message that can never succeed to the parked queue
func (c *Consumer) park(ctx context.Context, msg amqp.Delivery, fields []zap.Field) {
	if err := c.broker.Publish(ctx, c.parkedQueue, msg.Body); err != nil {
		c.logger.Error("Failed to park message, dropping it", append(fields, zap.Error(err))...)
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("Failed to nack message", append(fields, zap.Error(err))...)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack parked message", append(fields, zap.Error(err))...)
	}
}

// decodeEnvelope accepts a JSON envelope, either raw or base64 encoded
func decodeEnvelope(body []byte) (models.IntakeEnvelope, error) {
	var envelope models.IntakeEnvelope

	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
		if err != nil {
			return envelope, fmt.Errorf("failed to decode base64 message: %w", err)
		}
		trimmed = decoded
	}

	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return envelope, fmt.Errorf("failed to unmarshal intake envelope: %w", err)
	}
	return envelope, nil
}
