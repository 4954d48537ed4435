package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DLQExchangeName = "events.dlq"
)

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares the dead letter queue for a topic. Messages land
// here after a handler exhausts its retry budget and are held for manual
// inspection; a dropped reminder or recurrence is a correctness bug, a parked
// one is not.
func DeclareDLQQueue(ch *amqp091.Channel, topic string) (amqp091.Queue, error) {
	queueName := fmt.Sprintf("%s.dlq", topic)

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		topic,
		DLQExchangeName,
		false,
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

// PublishToDLQ publishes an exhausted or malformed message to the dead letter
// queue, keeping the original payload and recording why it failed.
func (p *Publisher) PublishToDLQ(topic string, payload []byte, originalError string) error {
	headers := amqp091.Table{
		"x-original-error": originalError,
	}

	return p.channel.Publish(
		DLQExchangeName,
		topic,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
}
