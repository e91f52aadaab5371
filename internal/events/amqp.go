package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Channel is the subset of *amqp.Channel the forwarder publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder relays bus events to a durable topic exchange.
// The event type is the routing key.
type AMQPForwarder struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	cb       *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

func NewAMQPForwarder(ch Channel, exchange string, logger *zerolog.Logger) *AMQPForwarder {
	l := logger.With().Str("component", "amqp_forwarder").Logger()
	return &AMQPForwarder{
		ch:       ch,
		exchange: exchange,
		timeout:  2 * time.Second,
		logger:   l,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "amqp-publish",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		}),
	}
}

// Attach subscribes the forwarder to every reservation event on bus.
func (f *AMQPForwarder) Attach(bus *EventBus) {
	bus.Subscribe(f.Handle, AllTypes...)
}

// Handle publishes one event. Open-breaker rejections are returned without
// touching the broker.
func (f *AMQPForwarder) Handle(event *Event) error {
	_, err := f.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		return nil, f.ch.PublishWithContext(ctx, f.exchange, event.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.CreatedAt.UTC(),
			Type:         event.Type,
			Body:         event.Payload,
		})
	})
	if err != nil {
		f.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to forward event")
		return fmt.Errorf("forward %s: %w", event.Type, err)
	}
	return nil
}

func (f *AMQPForwarder) State() gobreaker.State {
	return f.cb.State()
}

// Broker owns the AMQP connection and channel used by the forwarder.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialBroker connects and declares the durable topic exchange.
func DialBroker(url, exchange string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	return &Broker{conn: conn, ch: ch}, nil
}

func (b *Broker) Channel() Channel {
	return b.ch
}

func (b *Broker) Close() error {
	_ = b.ch.Close()
	return b.conn.Close()
}
