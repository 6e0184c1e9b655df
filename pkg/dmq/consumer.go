package dmq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// MessageHandler processes one decoded event. The error return drives the
// acknowledgement state machine: nil acknowledges, a SerializationError or
// ValidationError dead-letters immediately, anything else retries within the
// budget and dead-letters after.
type MessageHandler func(ctx context.Context, data map[string]interface{}, envelope *Envelope) error

// MessageFilter inspects a parsed envelope before the handler runs. Returning
// false acknowledges the message without invoking the handler - the message
// was legitimately routed here but is not this consumer's concern.
type MessageFilter func(envelope *Envelope) bool

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	ConsumerTag string
	Filter      MessageFilter
}

type subscription struct {
	queueName string
	tag       string
	handler   MessageHandler
	filter    MessageFilter
}

// Consumer runs the receive side of a service: per-queue subscriptions, each
// with envelope parsing, deduplication, optional filtering and the
// classify-then-ack/nack/retry state machine around the domain handler.
// Construct one per process and inject it - no package-level singleton exists.
type Consumer struct {
	manager      *ConnectionManager
	dedup        DedupStore
	codec        *BodyCodec
	errorHandler *ErrorHandler
	retry        *RetryScheduler
	config       *ConsumerConfig
	lg           *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription // keyed by queue name

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewConsumer builds a consumer. The dedup store is required; the body codec
// may be nil when bodies are plain JSON.
func NewConsumer(manager *ConnectionManager, dedup DedupStore, codec *BodyCodec, config *ConsumerConfig, lg *zap.Logger) *Consumer {

	if lg == nil {
		lg = zap.NewNop()
	}
	if config == nil {
		config = &ConsumerConfig{}
	}

	retryConfig := config.Retry.withDefaults()

	return &Consumer{
		manager:       manager,
		dedup:         dedup,
		codec:         codec,
		errorHandler:  NewErrorHandler(retryConfig.MaxAttempts),
		retry:         NewRetryScheduler(manager, retryConfig, lg),
		config:        config,
		lg:            lg,
		subscriptions: make(map[string]*subscription),
		done:          make(chan struct{}),
	}
}

// Subscribe registers handler for queueName and starts consuming. One active
// subscription per queue per consumer; a second registration returns
// ErrAlreadySubscribed. Returns the consumer tag for Unsubscribe.
func (con *Consumer) Subscribe(queueName string, handler MessageHandler, opts ...SubscribeOptions) (string, error) {

	var options SubscribeOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	tag := options.ConsumerTag
	if tag == "" {
		tag = queueName + "-" + uuid.New().String()
	}

	con.mu.Lock()
	if con.isShutdown() {
		con.mu.Unlock()
		return "", ErrShutdown
	}
	if _, exists := con.subscriptions[queueName]; exists {
		con.mu.Unlock()
		return "", ErrAlreadySubscribed
	}

	sub := &subscription{
		queueName: queueName,
		tag:       tag,
		handler:   handler,
		filter:    options.Filter,
	}
	con.subscriptions[queueName] = sub
	con.mu.Unlock()

	deliveries, err := con.manager.Consume(queueName, tag, con.config.PrefetchCount)
	if err != nil {
		con.mu.Lock()
		delete(con.subscriptions, queueName)
		con.mu.Unlock()
		return "", err
	}

	con.wg.Add(1)
	go con.consumeLoop(sub, deliveries)

	con.lg.Info("subscribed",
		zap.String("queue", queueName),
		zap.String("consumerTag", tag))

	return tag, nil
}

// Unsubscribe cancels the subscription identified by consumer tag. In-flight
// handler invocations run to completion.
func (con *Consumer) Unsubscribe(tag string) error {

	con.mu.Lock()
	var sub *subscription
	for _, candidate := range con.subscriptions {
		if candidate.tag == tag {
			sub = candidate
			break
		}
	}
	if sub == nil {
		con.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(con.subscriptions, sub.queueName)
	con.mu.Unlock()

	return con.manager.Cancel(tag)
}

// consumeLoop drains one delivery stream. A closed stream during normal
// operation means the connection dropped; the loop re-registers against the
// re-established channel with backoff until shutdown or explicit Unsubscribe.
func (con *Consumer) consumeLoop(sub *subscription, deliveries <-chan amqp.Delivery) {
	defer con.wg.Done()

	for {
		for delivery := range deliveries {
			con.process(sub, &delivery)
		}

		if con.isShutdown() || !con.subscribed(sub.queueName) {
			return
		}

		fresh, ok := con.resubscribe(sub)
		if !ok {
			return
		}
		deliveries = fresh
	}
}

func (con *Consumer) resubscribe(sub *subscription) (<-chan amqp.Delivery, bool) {

	backoff := newExponentialBackoff(con.config.Retry)

	for {
		select {
		case <-con.done:
			return nil, false
		case <-time.After(backoff.Next()):
		}

		if !con.subscribed(sub.queueName) {
			return nil, false
		}

		deliveries, err := con.manager.Consume(sub.queueName, sub.tag, con.config.PrefetchCount)
		if err != nil {
			con.lg.Warn("resubscribe failed",
				zap.String("queue", sub.queueName),
				zap.Error(err))
			continue
		}

		con.lg.Info("resubscribed", zap.String("queue", sub.queueName))
		return deliveries, true
	}
}

// process runs the full per-message pipeline: decode, parse, dedup, filter,
// handle, then acknowledge according to the outcome.
func (con *Consumer) process(sub *subscription, delivery *amqp.Delivery) {

	ctx := context.Background()

	body := delivery.Body
	if con.codec.Enabled() {
		decoded, err := con.codec.Decode(body)
		if err != nil {
			con.deadLetter(sub, delivery, &SerializationError{Queue: sub.queueName, Err: err})
			return
		}
		body = decoded
	}

	envelope, err := UnmarshalEnvelope(sub.queueName, body)
	if err != nil {
		con.deadLetter(sub, delivery, err)
		return
	}

	duplicate, dedupErr := con.dedup.Processed(ctx, envelope.ID)
	if dedupErr != nil {
		// Fail open: losing the dedup store must not stall the queue. The
		// handler stays responsible for idempotent side effects.
		con.lg.Warn("dedup lookup failed",
			zap.String("queue", sub.queueName),
			zap.String("messageId", envelope.ID),
			zap.Error(dedupErr))
	}
	if duplicate {
		con.lg.Debug("duplicate skipped",
			zap.String("queue", sub.queueName),
			zap.String("messageId", envelope.ID))
		con.ack(sub, delivery)
		return
	}

	if sub.filter != nil && !sub.filter(envelope) {
		con.ack(sub, delivery)
		return
	}

	attempt := RedeliveryCount(delivery) + 1
	handlerErr := sub.handler(ctx, envelope.Data, envelope)

	if handlerErr == nil {
		if markErr := con.dedup.MarkProcessed(ctx, envelope.ID); markErr != nil {
			con.lg.Warn("dedup mark failed",
				zap.String("messageId", envelope.ID),
				zap.Error(markErr))
		}
		con.ack(sub, delivery)
		return
	}

	decision := con.errorHandler.Classify(handlerErr, attempt)

	con.lg.Warn("handler failed",
		zap.String("queue", sub.queueName),
		zap.String("messageId", envelope.ID),
		zap.Uint32("attempt", attempt),
		zap.String("decision", decision.String()),
		zap.Error(handlerErr))

	switch decision {
	case DecisionRetry:
		con.scheduleRetry(sub, delivery, attempt)
	case DecisionDeadLetter:
		con.deadLetter(sub, delivery, handlerErr)
	case DecisionDrop:
		con.ack(sub, delivery)
	}
}

// scheduleRetry acknowledges the original delivery and republishes a copy to
// the origin queue after backoff, carrying the incremented redelivery count.
// Scheduling happens before the ack so a scheduler failure falls back to a
// broker-side requeue instead of losing the message.
func (con *Consumer) scheduleRetry(sub *subscription, delivery *amqp.Delivery, attempt uint32) {

	if err := con.retry.Schedule(delivery, sub.queueName, attempt); err != nil {
		con.lg.Error("retry scheduling failed, requeueing",
			zap.String("queue", sub.queueName),
			zap.String("messageId", delivery.MessageId),
			zap.Error(err))
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			con.lg.Error("nack failed", zap.String("queue", sub.queueName), zap.Error(nackErr))
		}
		return
	}

	con.ack(sub, delivery)
}

// deadLetter rejects without requeue so the broker routes the message to the
// queue's configured dead-letter exchange. Queues without a dead-letter
// exchange drop the message here, which is the configured intent for
// telemetry queues.
func (con *Consumer) deadLetter(sub *subscription, delivery *amqp.Delivery, cause error) {

	con.lg.Warn("message dead-lettered",
		zap.String("queue", sub.queueName),
		zap.String("messageId", delivery.MessageId),
		zap.Error(cause))

	if err := delivery.Nack(false, false); err != nil {
		con.lg.Error("nack failed", zap.String("queue", sub.queueName), zap.Error(err))
	}
}

func (con *Consumer) ack(sub *subscription, delivery *amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		con.lg.Error("ack failed",
			zap.String("queue", sub.queueName),
			zap.String("messageId", delivery.MessageId),
			zap.Error(err))
	}
}

func (con *Consumer) subscribed(queueName string) bool {
	con.mu.Lock()
	defer con.mu.Unlock()
	_, ok := con.subscriptions[queueName]
	return ok
}

func (con *Consumer) isShutdown() bool {
	select {
	case <-con.done:
		return true
	default:
		return false
	}
}

// Close cancels every subscription, stops the retry scheduler and waits for
// in-flight handlers to finish. Idempotent.
func (con *Consumer) Close() {
	con.closeOnce.Do(func() {
		close(con.done)

		con.mu.Lock()
		tags := make([]string, 0, len(con.subscriptions))
		for _, sub := range con.subscriptions {
			tags = append(tags, sub.tag)
		}
		con.subscriptions = make(map[string]*subscription)
		con.mu.Unlock()

		for _, tag := range tags {
			if err := con.manager.Cancel(tag); err != nil {
				con.lg.Debug("cancel on close", zap.String("consumerTag", tag), zap.Error(err))
			}
		}

		con.wg.Wait()
		con.retry.Close()
	})
}
