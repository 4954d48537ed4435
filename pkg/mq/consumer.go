package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"taskremind/pkg/metrics"
	"taskremind/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

const defaultHandlerTimeout = 30 * time.Second

type Consumer struct {
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	queue          amqp091.Queue
	topic          string
	group          string
	handler        MessageHandler
	handlerTimeout time.Duration
	logger         *zap.Logger
}

// NewConsumer creates a consumer-group member for a topic. The queue name is
// derived from topic and group so that every instance of the same group shares
// one queue (each message is handled by exactly one member), while different
// groups each get the full stream. The topic's DLQ is declared up front so
// dead-lettered messages are never lost to a missing binding.
func NewConsumer(url, topic, group string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := DeclareDLQExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, topic); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	queueName := fmt.Sprintf("%s.%s.q", topic, group)
	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		topic,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:           conn,
		channel:        ch,
		queue:          q,
		topic:          topic,
		group:          group,
		handlerTimeout: defaultHandlerTimeout,
		logger:         logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetHandlerTimeout bounds the per-message processing deadline. A handler that
// exceeds it is treated as failed and the message is redelivered.
func (c *Consumer) SetHandlerTimeout(d time.Duration) {
	if d > 0 {
		c.handlerTimeout = d
	}
}

// Stop cancels the consumer tag so in-flight deliveries drain, then closes the
// channel and connection.
func (c *Consumer) Stop() {
	if c.channel != nil {
		_ = c.channel.Cancel(c.group, false)
	}
	c.Close()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks and should be
// called in a goroutine. Every delivery is either acked or nacked: handler
// error or panic means nack with requeue, so the broker redelivers until the
// handler either succeeds or routes the message to the DLQ itself.
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.group, // consumer tag
		false,   // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("topic", c.topic),
		zap.String("queue", c.queue.Name),
	)

	for msg := range deliveries {
		c.handleDelivery(msg)
	}

	return nil
}

func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.handlerTimeout)
	defer cancel()
	ctx = c.contextWithTrace(ctx, msg)

	log := c.logger.With(
		zap.String("topic", c.topic),
		zap.String("queue", c.queue.Name),
	)

	log.Debug("Received message",
		zap.Int("message_size", len(msg.Body)),
		zap.String("partition_key", msg.MessageId),
	)

	// A panicking handler must not take the consumer down, and the message
	// must still be nacked so the broker retries it.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		log.Error("Handler error", zap.Error(err))
		metrics.RecordMQConsume(c.topic, c.queue.Name, "error", time.Since(start))
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}

	metrics.RecordMQConsume(c.topic, c.queue.Name, "ok", time.Since(start))
	log.Debug("Message processed successfully")
}

func (c *Consumer) contextWithTrace(ctx context.Context, msg amqp091.Delivery) context.Context {
	if v, ok := msg.Headers[trace.HeaderName()]; ok {
		if traceID, ok := v.(string); ok && traceID != "" {
			return trace.WithContext(ctx, traceID)
		}
	}
	return trace.WithContext(ctx, trace.GenerateTraceID())
}
