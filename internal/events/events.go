// Package events publishes import notifications to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyTripImported is the routing key of TripImported messages.
const RoutingKeyTripImported = "trip.imported"

// publishTimeout bounds a single publish.
const publishTimeout = 5 * time.Second

// TripImported is emitted after positions of a trip have been stored.
type TripImported struct {
	EventID    string    `json:"eventId"`
	TripID     int64     `json:"tripId"`
	TrackerID  int64     `json:"trackerId"`
	Positions  int       `json:"positions"`
	Backfilled bool      `json:"backfilled"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	ImportedAt time.Time `json:"importedAt"`
}

// Publisher sends TripImported events.
type Publisher interface {
	PublishTripImported(ctx context.Context, ev TripImported) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishTripImported(context.Context, TripImported) error { return nil }

func (NopPublisher) Close() error { return nil }

// AMQPPublisher publishes JSON events on a durable topic exchange.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange %q: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

// PublishTripImported fills EventID when empty and publishes ev persistently.
func (p *AMQPPublisher) PublishTripImported(ctx context.Context, ev TripImported) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("events: publisher closed")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, p.exchange, RoutingKeyTripImported, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("events: publish trip %d: %w", ev.TripID, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	_ = p.ch.Close()
	err := p.conn.Close()
	p.ch, p.conn = nil, nil
	return err
}
