package dmq

import (
	"go.uber.org/zap"
)

// PublishReceipt reports the outcome of a single publish for monitoring.
type PublishReceipt struct {
	MessageID  string
	Exchange   string
	RoutingKey string
	Success    bool
	Error      error
}

// Producer translates domain events into enriched envelopes and publishes
// them through the ConnectionManager. One Producer per service process,
// explicitly constructed and injected.
type Producer struct {
	manager     *ConnectionManager
	codec       *BodyCodec
	serviceName string
	lg          *zap.Logger

	receipts chan *PublishReceipt
}

// NewProducer builds a producer publishing on behalf of serviceName. The body
// codec may be nil for plain JSON bodies.
func NewProducer(manager *ConnectionManager, codec *BodyCodec, serviceName string, lg *zap.Logger) *Producer {

	if lg == nil {
		lg = zap.NewNop()
	}

	return &Producer{
		manager:     manager,
		codec:       codec,
		serviceName: serviceName,
		lg:          lg,
		receipts:    make(chan *PublishReceipt, 1000),
	}
}

// Receipts yields publish outcomes. Optional to consume - emission never
// blocks publishing.
func (p *Producer) Receipts() <-chan *PublishReceipt {
	return p.receipts
}

// PublishEvent enriches data into an envelope (id, timestamp, event type,
// source) and publishes it durably to the exchange with the routing key.
// Returns the envelope id. Transport failures propagate without retry - the
// retry policy belongs to the caller.
func (p *Producer) PublishEvent(exchange, routingKey, eventType string, data map[string]interface{}, opts ...PublishOptions) (string, error) {

	var options PublishOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	envelope := NewEnvelope(eventType, p.serviceName, data)
	if options.CorrelationID != "" {
		envelope.CorrelationID = options.CorrelationID
	}

	return envelope.ID, p.publishEnvelope(exchange, routingKey, envelope, options)
}

// PublishEnvelope publishes a pre-built envelope unchanged. The envelope id is
// never reassigned - redelivery of an id must not change its content.
func (p *Producer) PublishEnvelope(exchange, routingKey string, envelope *Envelope, opts ...PublishOptions) error {

	var options PublishOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	return p.publishEnvelope(exchange, routingKey, envelope, options)
}

func (p *Producer) publishEnvelope(exchange, routingKey string, envelope *Envelope, options PublishOptions) error {

	body, err := envelope.Marshal()
	if err != nil {
		p.emitReceipt(envelope.ID, exchange, routingKey, err)
		return err
	}

	if p.codec.Enabled() {
		body, err = p.codec.Encode(body)
		if err != nil {
			p.emitReceipt(envelope.ID, exchange, routingKey, err)
			return err
		}
	}

	publishing := envelope.ToPublishing(body, p.manager.config.ApplicationName, options)

	err = p.manager.Publish(exchange, routingKey, options.Mandatory, publishing)
	p.emitReceipt(envelope.ID, exchange, routingKey, err)

	if err != nil {
		p.lg.Error("publish failed",
			zap.String("exchange", exchange),
			zap.String("routingKey", routingKey),
			zap.String("messageId", envelope.ID),
			zap.Error(err))
		return err
	}

	p.lg.Debug("event published",
		zap.String("exchange", exchange),
		zap.String("routingKey", routingKey),
		zap.String("eventType", envelope.EventType),
		zap.String("messageId", envelope.ID))

	return nil
}

func (p *Producer) emitReceipt(messageID, exchange, routingKey string, err error) {

	receipt := &PublishReceipt{
		MessageID:  messageID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Success:    err == nil,
		Error:      err,
	}

	select {
	case p.receipts <- receipt:
	default:
		// Receipts are advisory; an unread backlog never blocks publishing.
	}
}
