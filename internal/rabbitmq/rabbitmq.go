// Package rabbitmq wraps a single AMQP connection and channel that recover
// automatically when the broker drops them.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/config"
)

const (
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
	maxInitialAttempts = 10
)

// Connection manages the RabbitMQ connection and channel
type Connection struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	config   *config.RabbitMQConfig
	logger   *zap.Logger
	stopChan chan struct{}
	mu       sync.RWMutex

	reconnecting bool
	reconnectMu  sync.Mutex

	// declared queues are re-declared after a reconnect
	queues   []string
	queuesMu sync.Mutex
}

func NewConnection(rabbitMQConfig *config.RabbitMQConfig, logger *zap.Logger) *Connection {
	return &Connection{
		config:   rabbitMQConfig,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker, retrying with exponential backoff, and starts the
// reconnect monitor
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.dialWithBackoff(ctx, maxInitialAttempts); err != nil {
		return err
	}
	go c.monitorConnection()
	return nil
}

// dialWithBackoff retries connect until it succeeds, attempts run out (0 means
// forever), ctx ends or the connection is closed
func (c *Connection) dialWithBackoff(ctx context.Context, attempts int) error {
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info("Connected to RabbitMQ", zap.Int("attempt", attempt))
			return nil
		}
		if attempts > 0 && attempt >= attempts {
			return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
		}

		c.logger.Warn("RabbitMQ connection failed, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return fmt.Errorf("connection closed")
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	if c.channel != nil && !c.channel.IsClosed() {
		c.channel.Close()
	}

	amqpConfig := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Vhost:     c.config.VHost,
		Properties: amqp.Table{
			"connection_name": "hook-svc",
		},
	}

	var err error
	c.conn, err = amqp.DialConfig(c.config.ConnectionURL(), amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.queuesMu.Lock()
	queues := append([]string(nil), c.queues...)
	c.queuesMu.Unlock()
	for _, name := range queues {
		if _, err := c.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to re-declare queue %s: %w", name, err)
		}
	}

	c.logger.Info("Successfully connected to RabbitMQ",
		zap.String("host", c.config.Host),
		zap.String("vhost", c.config.VHost),
		zap.Duration("heartbeat", amqpConfig.Heartbeat),
	)
	return nil
}

func (c *Connection) monitorConnection() {
	for {
		c.mu.RLock()
		if c.conn == nil || c.channel == nil {
			c.mu.RUnlock()
			c.logger.Error("Connection or channel not initialized, cannot monitor connection")
			return
		}
		connClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
		channelClose := c.channel.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.RUnlock()

		var reason *amqp.Error
		select {
		case <-c.stopChan:
			return
		case reason = <-connClose:
		case reason = <-channelClose:
		}
		if reason == nil {
			// graceful close
			return
		}

		c.logger.Error("RabbitMQ connection lost, attempting to reconnect",
			zap.Error(reason),
			zap.String("reason", reason.Reason),
		)
		c.reconnect()
	}
}

func (c *Connection) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	if err := c.dialWithBackoff(context.Background(), 0); err != nil {
		c.logger.Info("Stopped reconnecting to RabbitMQ", zap.Error(err))
	}
}

// Close stops the reconnect monitor and closes the channel and connection
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("RabbitMQ connection closed")
	}
}

func (c *Connection) liveChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() || c.conn == nil || c.conn.IsClosed() {
		return nil, fmt.Errorf("RabbitMQ channel is not initialized or closed")
	}
	return c.channel, nil
}

// DeclareQueue declares a durable queue and remembers it for reconnects
func (c *Connection) DeclareQueue(name string) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()
	for _, q := range c.queues {
		if q == name {
			return nil
		}
	}
	c.queues = append(c.queues, name)
	return nil
}

// Publish sends a persistent message to a queue through the default exchange,
// retrying while the connection recovers
func (c *Connection) Publish(ctx context.Context, queue string, body []byte) error {
	const maxRetries = 3
	retryDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ch, err := c.liveChannel()
		if err == nil {
			err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			})
			if err == nil {
				return nil
			}
		}
		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Publish failed, retrying...",
				zap.String("queue", queue),
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}
	}
	return fmt.Errorf("failed to publish to %s after %d attempts: %w", queue, maxRetries, lastErr)
}

// Consume registers a manual-ack consumer on a queue
func (c *Connection) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.liveChannel()
	if err != nil {
		return nil, err
	}

	messages, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return messages, nil
}

// CancelConsumer stops deliveries to a consumer tag
func (c *Connection) CancelConsumer(consumerTag string) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}
	return ch.Cancel(consumerTag, false)
}

// SetQoS sets the prefetch count for the channel
func (c *Connection) SetQoS(prefetchCount int) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

// IsHealthy checks if the connection and channel are open
func (c *Connection) IsHealthy() bool {
	_, err := c.liveChannel()
	return err == nil
}
