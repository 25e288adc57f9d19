package relay

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the slice of an AMQP channel the publisher needs. Tests
// inject a fake; production uses a lazily-dialed amqp091 channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker channel with exchange, queue, and binding declared.
type Dialer func() (Channel, error)

// BrokerConfig describes the broker endpoint and topology.
type BrokerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	Exchange     string
	ExchangeType string // default: direct
	Queue        string
	RoutingKey   string

	// PriorityLevels declares x-max-priority on the queue (default: 10).
	PriorityLevels int
}

func (c *BrokerConfig) withDefaults() BrokerConfig {
	out := *c
	if out.Port <= 0 {
		out.Port = 5672
	}
	if out.VHost == "" {
		out.VHost = "/"
	}
	if out.ExchangeType == "" {
		out.ExchangeType = "direct"
	}
	if out.PriorityLevels <= 0 {
		out.PriorityLevels = 10
	}
	return out
}

// URL renders the AMQP connection URL.
func (c *BrokerConfig) URL() string {
	cfg := c.withDefaults()
	vhost := cfg.VHost
	if !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", cfg.Username, cfg.Password, cfg.Host, cfg.Port, vhost)
}

// amqpChannel couples a channel to its connection so closing the channel
// also releases the connection.
type amqpChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *amqpChannel) Close() error {
	chErr := c.Channel.Close()
	connErr := c.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// amqpDialer returns a Dialer that connects and declares the durable
// exchange/queue pair with the configured priority levels.
func amqpDialer(cfg BrokerConfig) Dialer {
	cfg = cfg.withDefaults()
	return func() (Channel, error) {
		conn, err := amqp.Dial((&cfg).URL())
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}

		if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
		}

		args := amqp.Table{"x-max-priority": int32(cfg.PriorityLevels)}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
		}

		if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
		}

		return &amqpChannel{Channel: ch, conn: conn}, nil
	}
}
