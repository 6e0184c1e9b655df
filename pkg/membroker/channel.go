package membroker

import (
	"sync"

	"github.com/streadway/amqp"
)

// Channel is one session-scoped handle on the broker, mirroring the slice of
// the amqp.Channel surface the platform uses. Declarations and messages
// outlive the channel; consumers registered through it stop when it closes.
type Channel struct {
	broker *Broker

	mu     sync.Mutex
	tags   []string
	closed bool
}

// NewChannel opens a channel on the broker.
func (b *Broker) NewChannel() *Channel {
	return &Channel{broker: b}
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return ErrClosed
	}
	return ch.broker.declareExchange(name, kind)
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, ErrClosed
	}
	return ch.broker.declareQueue(name, args)
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return ErrClosed
	}
	return ch.broker.bindQueue(name, key, exchange)
}

func (ch *Channel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return ErrClosed
	}
	return ch.broker.publish(exchange, key, msg)
}

func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrClosed
	}
	ch.tags = append(ch.tags, consumerTag)
	ch.mu.Unlock()

	return ch.broker.consume(queue, consumerTag)
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	return ch.broker.cancel(consumerTag)
}

// Qos is accepted and ignored - the in-process broker delivers through
// buffered channels and has no prefetch window to enforce.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

// Close cancels every consumer registered through this channel. Idempotent.
func (ch *Channel) Close() error {

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	tags := ch.tags
	ch.tags = nil
	ch.mu.Unlock()

	for _, tag := range tags {
		_ = ch.broker.cancel(tag)
	}

	return nil
}
