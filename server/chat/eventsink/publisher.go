package eventsink

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chatcore/server/common/infra/mq"
)

const Exchange = "chat.events"

type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// DialAMQP connects to the broker and declares the events exchange.
func DialAMQP(url string) (*AMQPPublisher, error) {
	conn, err := mq.NewConnection(url, "chatd-eventsink")
	if err != nil {
		return nil, err
	}
	p, err := NewAMQPPublisher(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := mq.DeclareTopicExchange(ch, Exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
