package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// AMQPPublisher publishes events as persistent JSON messages and waits for
// the broker to confirm each one.
type AMQPPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

// AMQPOptions configures NewAMQPPublisher.
type AMQPOptions struct {
	URL string
	// Exchange is declared as a durable topic exchange when set. When empty
	// the default exchange is used and a durable queue named RoutingKey is
	// declared instead.
	Exchange   string
	RoutingKey string
	Retries    int
	RetryDelay time.Duration
}

// NewAMQPPublisher connects, retrying while the broker comes up.
func NewAMQPPublisher(opts AMQPOptions, logger *slog.Logger) (*AMQPPublisher, error) {
	if opts.Retries <= 0 {
		opts.Retries = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	logger = logger.With(slog.String("component", "amqp"))

	conn, err := connectWithRetry(opts.URL, opts.Retries, opts.RetryDelay, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if opts.Exchange != "" {
		err = ch.ExchangeDeclare(opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(opts.RoutingKey, true, false, false, false, nil)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare destination: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	return &AMQPPublisher{
		conn:       conn,
		channel:    ch,
		exchange:   opts.Exchange,
		routingKey: opts.RoutingKey,
		logger:     logger,
	}, nil
}

func connectWithRetry(url string, retries int, delay time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	var err error
	for i := 0; i < retries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("connected to rabbitmq")
			return conn, nil
		}
		logger.Warn("rabbitmq not reachable", slog.Int("attempt", i+1), slog.String("error", err.Error()))
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", retries, err)
}

// publishing builds the broker message for an event.
func publishing(event *model.ScanRequest) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Type:         event.Topic,
		AppId:        event.Originator,
		Body:         body,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event *model.ScanRequest) error {
	msg, err := publishing(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, p.routingKey, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("publish event: broker nacked")
	}
	p.logger.Debug("event published", slog.String("topic", event.Topic))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	return p.conn.Close()
}
