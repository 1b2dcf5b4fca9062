package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used to declare queues and publish.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Connect dials RabbitMQ and opens a channel.
func Connect(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// Declare declares a durable queue with its x-max-priority argument.
func Declare(ch Channel, queue string) error {
	args := make(amqp.Table)
	if p := MaxPriority(queue); p > 0 {
		args["x-max-priority"] = p
	}
	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,  // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// Publisher sends import tasks through the default exchange.
type Publisher struct {
	ch Channel
}

// NewPublisher declares every queue on ch.
func NewPublisher(ch Channel) (*Publisher, error) {
	for _, q := range []string{HighQueue, NormalQueue, LargeQueue} {
		if err := Declare(ch, q); err != nil {
			return nil, err
		}
	}
	return &Publisher{ch: ch}, nil
}

// Publish sends task to queue as a persistent message identified by the
// upload id.
func (p *Publisher) Publish(ctx context.Context, queue string, task ImportTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	err = p.ch.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(MaxPriority(queue)),
			MessageId:    task.UploadID,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish task %s to %s: %w", task.UploadID, queue, err)
	}
	return nil
}
