// Package membroker is an in-process message broker with AMQP semantics:
// topic and direct exchanges, durable queue declarations with dead-letter
// arguments, per-queue FIFO delivery and manual acknowledgement. It exists so
// the broker layer can be exercised end to end without a RabbitMQ instance -
// tests and local development dial it through the same DialFunc seam as the
// real broker.
package membroker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

var (
	// ErrClosed is returned by operations on a closed broker or channel.
	ErrClosed = errors.New("membroker: closed")

	// ErrNotFound is returned when a publish or consume references an
	// undeclared queue or exchange.
	ErrNotFound = errors.New("membroker: not found")
)

// message is one routed publishing resting in a queue.
type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type exchange struct {
	name     string
	kind     string
	bindings []*binding
}

type binding struct {
	queueName string
	key       string
}

type consumer struct {
	tag        string
	deliveries chan amqp.Delivery
	once       sync.Once
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.deliveries) })
}

type queue struct {
	name string
	args amqp.Table

	buffer    []*message
	consumers []*consumer
	next      int // round-robin cursor
}

// Broker holds the declared topology and all queued messages. Safe for
// concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	sessions  []*session
	tagSeq    uint64
	closed    bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

func (b *Broker) declareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind {
			return fmt.Errorf("membroker: exchange %q redeclared as %q, was %q", name, kind, existing.kind)
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (b *Broker) declareQueue(name string, args amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.Queue{}, ErrClosed
	}

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, args: args}
	}

	q := b.queues[name]
	return amqp.Queue{Name: name, Messages: len(q.buffer), Consumers: len(q.consumers)}, nil
}

func (b *Broker) bindQueue(queueName, key, exchangeName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("membroker: bind to undeclared exchange %q: %w", exchangeName, ErrNotFound)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("membroker: bind undeclared queue %q: %w", queueName, ErrNotFound)
	}

	for _, existing := range ex.bindings {
		if existing.queueName == queueName && existing.key == key {
			return nil
		}
	}

	ex.bindings = append(ex.bindings, &binding{queueName: queueName, key: key})
	return nil
}

// publish routes one publishing. The empty exchange name is the default
// exchange: the routing key addresses a queue directly.
func (b *Broker) publish(exchangeName, routingKey string, publishing amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	msg := func() *message {
		return &message{exchange: exchangeName, routingKey: routingKey, publishing: publishing}
	}

	if exchangeName == "" {
		q, ok := b.queues[routingKey]
		if !ok {
			return fmt.Errorf("membroker: default-exchange publish to undeclared queue %q: %w", routingKey, ErrNotFound)
		}
		b.enqueue(q, msg())
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("membroker: publish to undeclared exchange %q: %w", exchangeName, ErrNotFound)
	}

	for _, bind := range ex.bindings {
		var matched bool
		switch ex.kind {
		case "topic":
			matched = topicMatch(bind.key, routingKey)
		case "fanout":
			matched = true
		default: // direct
			matched = bind.key == routingKey
		}

		if !matched {
			continue
		}
		if q, ok := b.queues[bind.queueName]; ok {
			b.enqueue(q, msg())
		}
	}

	// Unroutable messages vanish, same as an AMQP publish without the
	// mandatory flag.
	return nil
}

// enqueue appends and dispatches. Caller holds b.mu.
func (b *Broker) enqueue(q *queue, msg *message) {
	q.buffer = append(q.buffer, msg)
	b.dispatch(q)
}

// dispatch hands buffered messages to consumers round-robin. Caller holds
// b.mu.
func (b *Broker) dispatch(q *queue) {

	for len(q.buffer) > 0 && len(q.consumers) > 0 {
		msg := q.buffer[0]

		con := q.consumers[q.next%len(q.consumers)]
		q.next++

		b.tagSeq++
		delivery := b.toDelivery(q, con, msg, b.tagSeq)

		select {
		case con.deliveries <- delivery:
			q.buffer = q.buffer[1:]
		default:
			// Consumer backlog full; leave the message buffered.
			return
		}
	}
}

func (b *Broker) toDelivery(q *queue, con *consumer, msg *message, tag uint64) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  &acknowledger{broker: b, queueName: q.name, msg: msg},
		DeliveryTag:   tag,
		ConsumerTag:   con.tag,
		Exchange:      msg.exchange,
		RoutingKey:    msg.routingKey,
		Redelivered:   msg.redelivered,
		ContentType:   msg.publishing.ContentType,
		Headers:       msg.publishing.Headers,
		DeliveryMode:  msg.publishing.DeliveryMode,
		MessageId:     msg.publishing.MessageId,
		CorrelationId: msg.publishing.CorrelationId,
		Type:          msg.publishing.Type,
		AppId:         msg.publishing.AppId,
		Timestamp:     msg.publishing.Timestamp,
		Body:          msg.publishing.Body,
	}
}

func (b *Broker) consume(queueName, tag string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("membroker: consume from undeclared queue %q: %w", queueName, ErrNotFound)
	}

	con := &consumer{tag: tag, deliveries: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, con)

	b.dispatch(q)

	return con.deliveries, nil
}

func (b *Broker) cancel(tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.queues {
		for i, con := range q.consumers {
			if con.tag != tag {
				continue
			}
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			q.next = 0
			con.stop()
			return nil
		}
	}

	return nil
}

// requeue puts a nacked message back at the front of its queue.
func (b *Broker) requeue(queueName string, msg *message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok || b.closed {
		return
	}

	msg.redelivered = true
	q.buffer = append([]*message{msg}, q.buffer...)
	b.dispatch(q)
}

// deadLetter routes a rejected message to the queue's configured dead-letter
// exchange, recording an x-death entry the way the real broker does. Without a
// configured dead-letter exchange the message is dropped.
func (b *Broker) deadLetter(queueName string, msg *message) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}

	dlExchange, _ := q.args["x-dead-letter-exchange"].(string)
	dlRoutingKey, _ := q.args["x-dead-letter-routing-key"].(string)
	b.mu.Unlock()

	if dlExchange == "" {
		return
	}
	if dlRoutingKey == "" {
		dlRoutingKey = msg.routingKey
	}

	publishing := msg.publishing
	headers := amqp.Table{}
	for key, value := range publishing.Headers {
		headers[key] = value
	}

	deaths, _ := headers["x-death"].([]interface{})
	headers["x-death"] = append([]interface{}{amqp.Table{
		"queue":    queueName,
		"reason":   "rejected",
		"exchange": msg.exchange,
		"time":     time.Now().UTC(),
		"count":    int64(1),
	}}, deaths...)
	publishing.Headers = headers

	_ = b.publish(dlExchange, dlRoutingKey, publishing)
}

// QueueLength reports how many messages rest unconsumed in a queue. Test
// helper.
func (b *Broker) QueueLength(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.buffer)
}

// Close stops every consumer and session and rejects further operations.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var consumers []*consumer
	for _, q := range b.queues {
		consumers = append(consumers, q.consumers...)
		q.consumers = nil
	}
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	for _, con := range consumers {
		con.stop()
	}
	for _, s := range sessions {
		s.stop(nil)
	}
}

// acknowledger implements amqp.Acknowledger for one delivered message.
type acknowledger struct {
	broker    *Broker
	queueName string
	msg       *message

	mu      sync.Mutex
	settled bool
}

func (a *acknowledger) settle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settled {
		return false
	}
	a.settled = true
	return true
}

func (a *acknowledger) Ack(_ uint64, _ bool) error {
	if !a.settle() {
		return errors.New("membroker: delivery already settled")
	}
	return nil
}

func (a *acknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	if !a.settle() {
		return errors.New("membroker: delivery already settled")
	}

	if requeue {
		a.broker.requeue(a.queueName, a.msg)
	} else {
		a.broker.deadLetter(a.queueName, a.msg)
	}
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}
