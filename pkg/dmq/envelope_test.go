package dmq

import (
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopePrefersTransactionID(t *testing.T) {
	envelope := NewEnvelope(DonationCreatedKey, DonationService, map[string]interface{}{
		"transactionId": "tx-123",
		"id":            "don-1",
		"amount":        25.0,
	})

	assert.Equal(t, "tx-123", envelope.ID)
	assert.Equal(t, DonationCreatedKey, envelope.EventType)
	assert.Equal(t, DonationService, envelope.Source)
}

func TestNewEnvelopeFallsBackToID(t *testing.T) {
	envelope := NewEnvelope(CampaignCreatedKey, CampaignService, map[string]interface{}{
		"id":    "camp-7",
		"title": "Clean water",
	})

	assert.Equal(t, "camp-7", envelope.ID)
}

func TestNewEnvelopeGeneratesUUIDWithoutBusinessID(t *testing.T) {
	first := NewEnvelope(NotificationEmailKey, NotificationService, map[string]interface{}{"to": "a@example.com"})
	second := NewEnvelope(NotificationEmailKey, NotificationService, map[string]interface{}{"to": "a@example.com"})

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestNewEnvelopeTimestampIsRFC3339UTC(t *testing.T) {
	envelope := NewEnvelope(DonationCreatedKey, DonationService, map[string]interface{}{})

	parsed, err := time.Parse(time.RFC3339, envelope.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, 5*time.Second)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := NewEnvelope(DonationCreatedKey, DonationService, map[string]interface{}{
		"transactionId": "tx-9",
		"campaignId":    "camp-1",
		"amount":        50.0,
	})
	envelope.CorrelationID = "corr-1"

	body, err := envelope.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(DonationNewQueue, body)
	require.NoError(t, err)

	assert.Equal(t, envelope.ID, decoded.ID)
	assert.Equal(t, envelope.Timestamp, decoded.Timestamp)
	assert.Equal(t, envelope.EventType, decoded.EventType)
	assert.Equal(t, envelope.Source, decoded.Source)
	assert.Equal(t, envelope.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, "camp-1", decoded.Data["campaignId"])
	assert.Equal(t, 50.0, decoded.Data["amount"])
}

func TestUnmarshalEnvelopeMalformedBody(t *testing.T) {
	_, err := UnmarshalEnvelope(DonationNewQueue, []byte("this is not json"))
	require.Error(t, err)

	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, DonationNewQueue, serr.Queue)
}

func TestUnmarshalEnvelopeMissingFields(t *testing.T) {
	var serr *SerializationError

	_, err := UnmarshalEnvelope(DonationNewQueue, []byte(`{"eventType":"donation.created","data":{}}`))
	require.ErrorAs(t, err, &serr)

	_, err = UnmarshalEnvelope(DonationNewQueue, []byte(`{"id":"tx-1","data":{}}`))
	require.ErrorAs(t, err, &serr)
}

func TestToPublishingDefaults(t *testing.T) {
	envelope := NewEnvelope(DonationCreatedKey, DonationService, map[string]interface{}{"transactionId": "tx-5"})
	body, err := envelope.Marshal()
	require.NoError(t, err)

	publishing := envelope.ToPublishing(body, "donation-service", PublishOptions{})

	assert.Equal(t, "application/json", publishing.ContentType)
	assert.Equal(t, amqp.Persistent, publishing.DeliveryMode)
	assert.Equal(t, "tx-5", publishing.MessageId)
	assert.Equal(t, DonationCreatedKey, publishing.Type)
	assert.Equal(t, "tx-5", publishing.Headers[HeaderDeduplicationID])
	assert.Equal(t, DonationService, publishing.Headers[HeaderSourceService])
}

func TestToPublishingTransientAndHeaders(t *testing.T) {
	envelope := NewEnvelope("heartbeat.donation-service", DonationService, map[string]interface{}{})

	publishing := envelope.ToPublishing([]byte("{}"), "donation-service", PublishOptions{
		Transient:     true,
		CorrelationID: "corr-2",
		Headers:       amqp.Table{"x-custom": "value"},
	})

	assert.Equal(t, amqp.Transient, publishing.DeliveryMode)
	assert.Equal(t, "corr-2", publishing.CorrelationId)
	assert.Equal(t, "value", publishing.Headers["x-custom"])
	assert.Equal(t, envelope.ID, publishing.Headers[HeaderDeduplicationID])
}

func TestRedeliveryCount(t *testing.T) {
	assert.Equal(t, uint32(0), RedeliveryCount(&amqp.Delivery{}))
	assert.Equal(t, uint32(0), RedeliveryCount(&amqp.Delivery{Headers: amqp.Table{}}))
	assert.Equal(t, uint32(3), RedeliveryCount(&amqp.Delivery{Headers: amqp.Table{HeaderRedeliveryCount: int32(3)}}))
	assert.Equal(t, uint32(4), RedeliveryCount(&amqp.Delivery{Headers: amqp.Table{HeaderRedeliveryCount: int64(4)}}))
	assert.Equal(t, uint32(5), RedeliveryCount(&amqp.Delivery{Headers: amqp.Table{HeaderRedeliveryCount: 5}}))
	assert.Equal(t, uint32(0), RedeliveryCount(&amqp.Delivery{Headers: amqp.Table{HeaderRedeliveryCount: "junk"}}))
}
