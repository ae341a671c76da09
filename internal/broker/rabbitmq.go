package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeRooms carries room-addressed events between nodes so a chat's
	// room spans every process holding one of its connections.
	ExchangeRooms = "chat.rooms"
	// ExchangePush receives events destined for offline-notification
	// consumers, fed by the outbox push handler.
	ExchangePush = "chat.push"
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeRooms, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare rooms exchange: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body any) error {
	return c.publishTo(ctx, ExchangeRooms, routingKey, body)
}

func (c *RabbitMQClient) PublishPush(ctx context.Context, routingKey string, body any) error {
	return c.publishTo(ctx, ExchangePush, routingKey, body)
}

func (c *RabbitMQClient) publishTo(ctx context.Context, exchange, routingKey string, body any) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	return c.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
}

// ConsumeRoomRelay binds a transient per-node queue to every room routing
// key. Each node relays the events it receives into its local rooms.
func (c *RabbitMQClient) ConsumeRoomRelay() (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"",    // name (auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare relay queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,        // queue name
		"room.#",      // routing key
		ExchangeRooms, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind relay queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
