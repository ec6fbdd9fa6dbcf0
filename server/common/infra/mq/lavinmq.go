package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NewConnection dials the broker and tags the connection with name so it is
// identifiable in the management UI.
func NewConnection(url, name string) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{},
	}
	if name != "" {
		cfg.Properties.SetClientConnectionName(name)
	}
	return amqp.DialConfig(url, cfg)
}

// DeclareTopicExchange declares a durable topic exchange on ch.
func DeclareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}
