package dmq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/streadway/amqp"
)

// Headers carried alongside the JSON envelope on the wire.
const (
	HeaderDeduplicationID = "x-deduplication-id"
	HeaderSourceService   = "x-source-service"
	HeaderRedeliveryCount = "x-redelivery-count"
)

const contentTypeJSON = "application/json"

// Envelope is the unit of transport: an enriched wrapper around a domain event
// payload. ID is immutable once assigned - redelivery of the same ID carries
// the same semantic content.
type Envelope struct {
	ID            string                 `json:"id"`
	Timestamp     string                 `json:"timestamp"`
	EventType     string                 `json:"eventType"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// NewEnvelope builds an enriched envelope around event data. The ID prefers a
// caller-supplied business identifier (transactionId in the event data), then
// a pre-assigned "id" field, then a random UUID. The timestamp is stamped in
// RFC3339 UTC.
func NewEnvelope(eventType, source string, data map[string]interface{}) *Envelope {

	return &Envelope{
		ID:        deduplicationID(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		EventType: eventType,
		Source:    source,
		Data:      data,
	}
}

func deduplicationID(data map[string]interface{}) string {
	for _, key := range []string{"transactionId", "id"} {
		if value, ok := data[key]; ok {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return uuid.New().String()
}

// Marshal renders the envelope as UTF-8 JSON bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	var json = jsoniter.ConfigFastest
	return json.Marshal(e)
}

// UnmarshalEnvelope parses wire bytes into an Envelope. Malformed bytes or an
// envelope without an ID or event type yield a SerializationError - content
// like that will never become parseable and belongs on the dead-letter path.
func UnmarshalEnvelope(queue string, body []byte) (*Envelope, error) {

	envelope := &Envelope{}
	var json = jsoniter.ConfigFastest
	if err := json.Unmarshal(body, envelope); err != nil {
		return nil, &SerializationError{Queue: queue, Err: err}
	}

	if envelope.ID == "" {
		return nil, &SerializationError{Queue: queue, Err: fmt.Errorf("envelope has no id")}
	}
	if envelope.EventType == "" {
		return nil, &SerializationError{Queue: queue, Err: fmt.Errorf("envelope has no eventType")}
	}

	return envelope, nil
}

// PublishOptions tune a single publish. The zero value publishes persistent
// JSON, which is the platform default.
type PublishOptions struct {
	Transient     bool
	Mandatory     bool
	CorrelationID string
	Headers       amqp.Table
}

// ToPublishing converts the envelope and its serialized body into the
// amqp.Publishing wire form: application/json content, persistent by default,
// messageId and x-deduplication-id both carrying the envelope ID.
func (e *Envelope) ToPublishing(body []byte, appID string, opts PublishOptions) amqp.Publishing {

	headers := amqp.Table{}
	for key, value := range opts.Headers {
		headers[key] = value
	}
	headers[HeaderDeduplicationID] = e.ID
	if e.Source != "" {
		headers[HeaderSourceService] = e.Source
	}

	deliveryMode := amqp.Persistent
	if opts.Transient {
		deliveryMode = amqp.Transient
	}

	correlationID := e.CorrelationID
	if opts.CorrelationID != "" {
		correlationID = opts.CorrelationID
	}

	return amqp.Publishing{
		ContentType:   contentTypeJSON,
		Body:          body,
		Headers:       headers,
		DeliveryMode:  deliveryMode,
		MessageId:     e.ID,
		CorrelationId: correlationID,
		Type:          e.EventType,
		Timestamp:     time.Now().UTC(),
		AppId:         appID,
	}
}

// RedeliveryCount reads the x-redelivery-count header from a delivery,
// defaulting to zero for first deliveries.
func RedeliveryCount(delivery *amqp.Delivery) uint32 {
	if delivery.Headers == nil {
		return 0
	}

	switch v := delivery.Headers[HeaderRedeliveryCount].(type) {
	case int32:
		return uint32(v)
	case int64:
		return uint32(v)
	case int:
		return uint32(v)
	case uint32:
		return v
	default:
		return 0
	}
}
