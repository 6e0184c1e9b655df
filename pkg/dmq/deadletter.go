package dmq

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// DeadLetterRecord is an operator-facing view of one dead-lettered message.
// The raw body is kept verbatim - dead letters are frequently unparseable,
// which is why they are here.
type DeadLetterRecord struct {
	MessageID     string
	RoutingKey    string
	OriginQueue   string
	OriginReason  string
	SourceService string
	EventType     string
	Body          []byte
	Headers       amqp.Table
	ReceivedAt    time.Time
}

// DeadLetterInspector drains the catch-all dead-letter queue into records for
// operator tooling. It acknowledges every delivery and never republishes -
// reprocessing a dead letter is a deliberate manual action, not an automatic
// one.
type DeadLetterInspector struct {
	manager *ConnectionManager
	lg      *zap.Logger

	records chan *DeadLetterRecord

	mu      sync.Mutex
	tag     string
	started bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewDeadLetterInspector builds an inspector over the platform dead-letter
// queue.
func NewDeadLetterInspector(manager *ConnectionManager, lg *zap.Logger) *DeadLetterInspector {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &DeadLetterInspector{
		manager: manager,
		lg:      lg,
		records: make(chan *DeadLetterRecord, 100),
	}
}

// Records yields dead-letter records as they arrive. Closed by Close.
func (di *DeadLetterInspector) Records() <-chan *DeadLetterRecord {
	return di.records
}

// Start begins consuming dead.letters. Idempotent per inspector.
func (di *DeadLetterInspector) Start() error {

	di.mu.Lock()
	defer di.mu.Unlock()

	if di.started {
		return nil
	}

	tag := DeadLettersQueue + "-inspector-" + uuid.New().String()

	deliveries, err := di.manager.Consume(DeadLettersQueue, tag, 10)
	if err != nil {
		return err
	}

	di.tag = tag
	di.started = true

	di.wg.Add(1)
	go di.drain(deliveries)

	return nil
}

func (di *DeadLetterInspector) drain(deliveries <-chan amqp.Delivery) {
	defer di.wg.Done()

	for delivery := range deliveries {
		record := recordFromDelivery(&delivery)

		di.lg.Warn("dead letter received",
			zap.String("messageId", record.MessageID),
			zap.String("routingKey", record.RoutingKey),
			zap.String("originQueue", record.OriginQueue),
			zap.String("reason", record.OriginReason))

		select {
		case di.records <- record:
		default:
			di.lg.Warn("dead letter record dropped, inspector backlog full",
				zap.String("messageId", record.MessageID))
		}

		if err := delivery.Ack(false); err != nil {
			di.lg.Error("dead letter ack failed", zap.Error(err))
		}
	}
}

// recordFromDelivery extracts the broker's x-death bookkeeping alongside the
// platform headers.
func recordFromDelivery(delivery *amqp.Delivery) *DeadLetterRecord {

	record := &DeadLetterRecord{
		MessageID:  delivery.MessageId,
		RoutingKey: delivery.RoutingKey,
		EventType:  delivery.Type,
		Body:       delivery.Body,
		Headers:    delivery.Headers,
		ReceivedAt: time.Now().UTC(),
	}

	if source, ok := delivery.Headers[HeaderSourceService].(string); ok {
		record.SourceService = source
	}

	deaths, ok := delivery.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return record
	}

	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return record
	}

	if queue, ok := death["queue"].(string); ok {
		record.OriginQueue = queue
	}
	if reason, ok := death["reason"].(string); ok {
		record.OriginReason = reason
	}

	return record
}

// Close stops consuming and closes the record stream. Idempotent.
func (di *DeadLetterInspector) Close() {
	di.closeOnce.Do(func() {
		di.mu.Lock()
		tag := di.tag
		started := di.started
		di.mu.Unlock()

		if started {
			if err := di.manager.Cancel(tag); err != nil {
				di.lg.Debug("dead letter cancel on close", zap.Error(err))
			}
			di.wg.Wait()
		}

		close(di.records)
	})
}
