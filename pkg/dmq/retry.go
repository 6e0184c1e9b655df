package dmq

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// exponentialBackoff produces growing delays with optional jitter.
type exponentialBackoff struct {
	mu         sync.Mutex
	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

func newExponentialBackoff(config *RetryConfig) *exponentialBackoff {
	config = config.withDefaults()
	return &exponentialBackoff{
		initial:    time.Duration(config.InitialBackoff) * time.Millisecond,
		max:        time.Duration(config.MaxBackoff) * time.Millisecond,
		multiplier: config.Multiplier,
		jitter:     config.Jitter,
	}
}

func (b *exponentialBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current <= 0 {
		b.current = b.initial
	} else {
		b.current = time.Duration(float64(b.current) * b.multiplier)
		if b.current > b.max {
			b.current = b.max
		}
	}

	interval := b.current
	if b.jitter > 0 {
		span := float64(interval) * b.jitter
		interval += time.Duration((rand.Float64()*2 - 1) * span)
		if interval < 0 {
			interval = b.initial
		}
	}

	return interval
}

func (b *exponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
}

// backoffFor computes the delay before redelivery attempt n (1-based).
func backoffFor(config *RetryConfig, attempt uint32) time.Duration {

	config = config.withDefaults()

	initial := time.Duration(config.InitialBackoff) * time.Millisecond
	max := time.Duration(config.MaxBackoff) * time.Millisecond

	delay := time.Duration(float64(initial) * math.Pow(config.Multiplier, float64(attempt)-1))
	if delay > max || delay <= 0 {
		delay = max
	}

	if config.Jitter > 0 {
		span := float64(delay) * config.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * span)
		if delay < 0 {
			delay = initial
		}
	}

	return delay
}

// redelivery is one scheduled retry waiting for its backoff to elapse.
type redelivery struct {
	queueName  string
	publishing amqp.Publishing
	readyAt    time.Time
	attempt    uint32
	stop       bool
}

// RetryScheduler redelivers failed messages after exponential backoff. The
// original delivery is acknowledged and a copy with an incremented
// x-redelivery-count header is republished to the origin queue through the
// default exchange, so the attempt count survives broker round-trips.
type RetryScheduler struct {
	manager *ConnectionManager
	config  *RetryConfig
	lg      *zap.Logger

	pending *queue.Queue
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewRetryScheduler builds a scheduler and starts its dispatch loop.
func NewRetryScheduler(manager *ConnectionManager, config *RetryConfig, lg *zap.Logger) *RetryScheduler {

	if lg == nil {
		lg = zap.NewNop()
	}

	rs := &RetryScheduler{
		manager: manager,
		config:  config.withDefaults(),
		lg:      lg,
		pending: queue.New(64),
	}

	rs.wg.Add(1)
	go rs.dispatch()

	return rs
}

// Schedule enqueues a redelivery of the given delivery to its origin queue.
// attempt is the attempt that just failed (1-based); the copy carries it as
// the redelivery count, so the next consumption reads attempt+1.
func (rs *RetryScheduler) Schedule(delivery *amqp.Delivery, queueName string, attempt uint32) error {

	headers := amqp.Table{}
	for key, value := range delivery.Headers {
		headers[key] = value
	}
	headers[HeaderRedeliveryCount] = int32(attempt)

	publishing := amqp.Publishing{
		ContentType:   delivery.ContentType,
		Body:          delivery.Body,
		Headers:       headers,
		DeliveryMode:  delivery.DeliveryMode,
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		Type:          delivery.Type,
		Timestamp:     delivery.Timestamp,
		AppId:         delivery.AppId,
	}

	item := &redelivery{
		queueName:  queueName,
		publishing: publishing,
		readyAt:    time.Now().Add(backoffFor(rs.config, attempt)),
		attempt:    attempt,
	}

	return rs.pending.Put(item)
}

func (rs *RetryScheduler) dispatch() {
	defer rs.wg.Done()

	for {
		items, err := rs.pending.Get(1)
		if err != nil {
			return
		}

		item, ok := items[0].(*redelivery)
		if !ok || item.stop {
			return
		}

		if wait := time.Until(item.readyAt); wait > 0 {
			time.Sleep(wait)
		}

		// Default exchange: routing key is the queue name.
		if err := rs.manager.Publish("", item.queueName, false, item.publishing); err != nil {
			rs.lg.Error("redelivery publish failed",
				zap.String("queue", item.queueName),
				zap.String("messageId", item.publishing.MessageId),
				zap.Uint32("attempt", item.attempt),
				zap.Error(err))
			continue
		}

		rs.lg.Debug("message redelivered",
			zap.String("queue", item.queueName),
			zap.String("messageId", item.publishing.MessageId),
			zap.Uint32("attempt", item.attempt))
	}
}

// Close stops the dispatch loop. Pending redeliveries not yet dispatched are
// dropped; the messages themselves were already acknowledged, so this is a
// shutdown-time loss window the caller accepts by closing early.
func (rs *RetryScheduler) Close() {
	rs.closeOnce.Do(func() {
		_ = rs.pending.Put(&redelivery{stop: true})
		rs.wg.Wait()
	})
}
