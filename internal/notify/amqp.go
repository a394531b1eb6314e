// Package notify delivers auth events to RabbitMQ or the log.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
	"warden.id/internal/obs"
)

const DefaultExchange = "warden.events"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher writes events to a durable topic exchange. The routing key is the event type,
// so mail workers bind "mail.#" and alerting binds "security.#".
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	exchange string
	timeout  time.Duration
}

var _ auth.Notifier = (*Publisher)(nil)

// Dial connects to url and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares the exchange on an open channel.
func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, timeout: 5 * time.Second}, nil
}

func (p *Publisher) Publish(ctx context.Context, e auth.Event) error {
	msg, err := buildMessage(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, msg)
	p.mu.Unlock()
	if err != nil {
		obs.ObserveEvent(string(e.Type), "error")
		obs.Logger().Error("publish event failed",
			zap.String("type", string(e.Type)),
			zap.String("exchange", p.exchange),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	obs.ObserveEvent(string(e.Type), "ok")
	return nil
}

// Close releases the channel and the connection it was dialed with.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

func buildMessage(e auth.Event) (amqp.Publishing, error) {
	if e.Type == "" {
		return amqp.Publishing{}, fmt.Errorf("%w: event type is required", auth.ErrInvalidInput)
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	headers := amqp.Table{"event_type": string(e.Type)}
	if e.UserID != "" {
		headers["user_id"] = e.UserID
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ids.New(),
		Timestamp:    e.At,
		AppId:        "warden",
		Type:         string(e.Type),
		Headers:      headers,
		Body:         body,
	}, nil
}
