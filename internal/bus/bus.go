// Package bus implements the Bus Client (component K): an AMQP 0-9-1
// connection to the `topic-poseidon-internal` topic exchange, a
// `poseidon_main` queue bound to `algos.#` / `action.#`, an optional
// second push-event binding, and a bounded in-process delivery queue
// with drop-oldest backpressure (spec.md §5). Publishing reuses the
// same channel for operator-visibility messages under `action.<verb>`,
// ported from the original `SDNConnect.publish_action`.
package bus

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName = "topic-poseidon-internal"
	queueName    = "poseidon_main"
)

// Delivery is one consumed message, decoupled from the amqp091 type so
// callers (the dispatcher) do not need to import it.
type Delivery struct {
	RoutingKey string
	Payload    []byte
}

// Config describes how to reach the primary exchange and, optionally,
// a second host/exchange carrying switch push events (the FA_RABBIT_*
// settings of spec.md §6).
type Config struct {
	URI       string
	QueueSize int
	PushEvent PushEventConfig
}

// PushEventConfig configures the optional second subscription.
type PushEventConfig struct {
	Enabled    bool
	URI        string
	Exchange   string
	RoutingKey string
}

// Bus owns the AMQP connection/channel and the bounded delivery queue
// that the Main loop drains at 1 Hz.
type Bus struct {
	logger log.Logger

	conn    *amqp.Connection
	channel *amqp.Channel

	pushConn    *amqp.Connection
	pushChannel *amqp.Channel

	mu       sync.Mutex
	q        *ring
	dropped  func()
	notEmpty chan struct{}
}

// Dial connects to the primary broker, declares the topology described
// in spec.md §6, and — if cfg.PushEvent.Enabled — opens a second
// connection and binds the configured push-event routing key. onDrop,
// if non-nil, is called once per dropped message for metrics.
func Dial(cfg Config, logger log.Logger, onDrop func()) (*Bus, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	b := &Bus{
		logger:   logger,
		q:        newRing(cfg.QueueSize),
		dropped:  onDrop,
		notEmpty: make(chan struct{}, 1),
	}

	conn, err := amqp.Dial(cfg.URI)
	if err != nil {
		return nil, errors.Wrap(err, "dialing bus")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "opening bus channel")
	}
	if err := ch.ExchangeDeclare(exchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "declaring topic exchange")
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "declaring queue")
	}
	for _, key := range []string{"algos.#", "action.#"} {
		if err := ch.QueueBind(q.Name, key, exchangeName, false, nil); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "binding queue to %s", key)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "starting consumer")
	}
	b.conn, b.channel = conn, ch
	go b.drain(deliveries)

	if cfg.PushEvent.Enabled {
		if err := b.dialPushEvents(cfg.PushEvent); err != nil {
			level.Warn(logger).Log("msg", "push-event subscription unavailable", "err", err)
		}
	}
	return b, nil
}

func (b *Bus) dialPushEvents(cfg PushEventConfig) error {
	uri := cfg.URI
	conn, err := amqp.Dial(uri)
	if err != nil {
		return errors.Wrap(err, "dialing push-event bus")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "opening push-event channel")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = exchangeName
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return errors.Wrap(err, "declaring push-event exchange")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "declaring push-event queue")
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, exchange, false, nil); err != nil {
		conn.Close()
		return errors.Wrap(err, "binding push-event queue")
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "starting push-event consumer")
	}
	b.pushConn, b.pushChannel = conn, ch
	go b.drain(deliveries)
	return nil
}

func (b *Bus) drain(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		b.enqueue(Delivery{RoutingKey: d.RoutingKey, Payload: d.Body})
		d.Ack(false)
	}
}

func (b *Bus) enqueue(d Delivery) {
	b.mu.Lock()
	_, didDrop := b.q.add(d)
	b.mu.Unlock()

	if didDrop {
		level.Warn(b.logger).Log("msg", "event queue full, dropped oldest message")
		if b.dropped != nil {
			b.dropped()
		}
	}
	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
}

// Depth returns the number of deliveries currently queued, for the
// poseidon_event_queue_depth gauge.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.length()
}

// Drain removes and returns every delivery currently queued, for the
// Main loop's 1 Hz event-batch consumption.
func (b *Bus) Drain() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Delivery
	for {
		d, ok := b.q.remove()
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out
}

// Wait blocks until a delivery is available or ctx is done, for a Main
// loop that prefers waking on arrival over pure polling.
func (b *Bus) Wait(ctx context.Context) {
	select {
	case <-b.notEmpty:
	case <-ctx.Done():
	}
}

// Publish sends a operator-visibility message under action.<verb>, per
// spec.md §6 ("Published messages ... are routed under action.<verb>").
func (b *Bus) Publish(ctx context.Context, verb string, body []byte) error {
	if b.channel == nil {
		return errors.New("bus not connected")
	}
	return b.channel.PublishWithContext(ctx, exchangeName, "action."+verb, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close shuts down both connections, per spec.md §5 cancellation rule
// ("close the bus connection").
func (b *Bus) Close() error {
	var firstErr error
	if b.pushChannel != nil {
		b.pushChannel.Close()
	}
	if b.pushConn != nil {
		if err := b.pushConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
