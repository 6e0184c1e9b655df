package membroker

import (
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declareTestTopology(t *testing.T, ch *Channel) {
	t.Helper()

	require.NoError(t, ch.ExchangeDeclare("donation_exchange", "topic", true, false, false, false, nil))
	require.NoError(t, ch.ExchangeDeclare("dl_exchange", "direct", true, false, false, false, nil))

	_, err := ch.QueueDeclare("donation.new", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "dl_exchange",
		"x-dead-letter-routing-key": "donation.created.dead",
	})
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("donation.new", "donation.created", "donation_exchange", false, nil))

	_, err = ch.QueueDeclare("dead.letters", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("dead.letters", "donation.created.dead", "dl_exchange", false, nil))
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()

	select {
	case delivery := <-deliveries:
		return delivery
	case <-time.After(time.Second):
		t.Fatal("no delivery arrived")
		return amqp.Delivery{}
	}
}

func TestTopicRoutingDeliversToBoundQueue(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("donation_exchange", "donation.created", false, false, amqp.Publishing{
		MessageId: "tx-1",
		Body:      []byte(`{}`),
	}))

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	delivery := receive(t, deliveries)
	assert.Equal(t, "tx-1", delivery.MessageId)
	assert.Equal(t, "donation_exchange", delivery.Exchange)
	assert.Equal(t, "donation.created", delivery.RoutingKey)
	require.NoError(t, delivery.Ack(false))
}

func TestTopicRoutingFansOutToAllMatches(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	require.NoError(t, ch.ExchangeDeclare("campaign_exchange", "topic", true, false, false, false, nil))

	for _, queueName := range []string{"notification.campaign.events", "campaign.audit"} {
		_, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind(queueName, "campaign.#", "campaign_exchange", false, nil))
	}

	require.NoError(t, ch.Publish("campaign_exchange", "campaign.goal.reached", false, false, amqp.Publishing{
		MessageId: "camp-1",
	}))

	assert.Equal(t, 1, broker.QueueLength("notification.campaign.events"))
	assert.Equal(t, 1, broker.QueueLength("campaign.audit"))
}

func TestUnroutableMessageVanishes(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("donation_exchange", "donation.unbound", false, false, amqp.Publishing{}))
	assert.Equal(t, 0, broker.QueueLength("donation.new"))
}

func TestDefaultExchangePublishesToQueueByName(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("", "donation.new", false, false, amqp.Publishing{MessageId: "tx-2"}))
	assert.Equal(t, 1, broker.QueueLength("donation.new"))

	require.Error(t, ch.Publish("", "no.such.queue", false, false, amqp.Publishing{}))
}

func TestNackWithoutRequeueDeadLetters(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("donation_exchange", "donation.created", false, false, amqp.Publishing{
		MessageId: "tx-3",
		Headers:   amqp.Table{"x-source-service": "donation-service"},
	}))

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	delivery := receive(t, deliveries)
	require.NoError(t, delivery.Nack(false, false))

	assert.Equal(t, 1, broker.QueueLength("dead.letters"))

	deadDeliveries, err := ch.Consume("dead.letters", "tag-dl", false, false, false, false, nil)
	require.NoError(t, err)

	dead := receive(t, deadDeliveries)
	assert.Equal(t, "tx-3", dead.MessageId)
	assert.Equal(t, "donation.created.dead", dead.RoutingKey)
	assert.Equal(t, "donation-service", dead.Headers["x-source-service"])

	deaths, ok := dead.Headers["x-death"].([]interface{})
	require.True(t, ok)
	require.Len(t, deaths, 1)
	death, ok := deaths[0].(amqp.Table)
	require.True(t, ok)
	assert.Equal(t, "donation.new", death["queue"])
	assert.Equal(t, "rejected", death["reason"])
}

func TestNackWithRequeueRedelivers(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("donation_exchange", "donation.created", false, false, amqp.Publishing{
		MessageId: "tx-4",
	}))

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(false, true))

	second := receive(t, deliveries)
	assert.Equal(t, "tx-4", second.MessageId)
	assert.True(t, second.Redelivered)
	require.NoError(t, second.Ack(false))
}

func TestRejectWithoutDeadLetterConfigDrops(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	require.NoError(t, ch.ExchangeDeclare("heartbeat_exchange", "topic", true, false, false, false, nil))
	_, err := ch.QueueDeclare("heartbeat.monitor", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("heartbeat.monitor", "heartbeat.#", "heartbeat_exchange", false, nil))

	require.NoError(t, ch.Publish("heartbeat_exchange", "heartbeat.donation-service", false, false, amqp.Publishing{}))

	deliveries, err := ch.Consume("heartbeat.monitor", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	delivery := receive(t, deliveries)
	require.NoError(t, delivery.Nack(false, false))

	assert.Equal(t, 0, broker.QueueLength("heartbeat.monitor"))
}

func TestDoubleSettleIsRejected(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	require.NoError(t, ch.Publish("", "donation.new", false, false, amqp.Publishing{MessageId: "tx-5"}))

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	delivery := receive(t, deliveries)
	require.NoError(t, delivery.Ack(false))
	require.Error(t, delivery.Ack(false))
	require.Error(t, delivery.Nack(false, true))
}

func TestCancelStopsDeliveries(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Cancel("tag-1", false))

	_, open := <-deliveries
	assert.False(t, open)

	// Messages published after the cancel stay buffered.
	require.NoError(t, ch.Publish("", "donation.new", false, false, amqp.Publishing{}))
	assert.Equal(t, 1, broker.QueueLength("donation.new"))
}

func TestExchangeRedeclareKindConflict(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	require.NoError(t, ch.ExchangeDeclare("donation_exchange", "topic", true, false, false, false, nil))
	require.NoError(t, ch.ExchangeDeclare("donation_exchange", "topic", true, false, false, false, nil))
	require.Error(t, ch.ExchangeDeclare("donation_exchange", "direct", true, false, false, false, nil))
}

func TestChannelCloseCancelsItsConsumers(t *testing.T) {
	broker := New()
	defer broker.Close()

	ch := broker.NewChannel()
	declareTestTopology(t, ch)

	deliveries, err := ch.Consume("donation.new", "tag-1", false, false, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Close())

	_, open := <-deliveries
	assert.False(t, open)

	require.Error(t, ch.Publish("", "donation.new", false, false, amqp.Publishing{}))

	// Broker state survives the channel.
	fresh := broker.NewChannel()
	require.NoError(t, fresh.Publish("", "donation.new", false, false, amqp.Publishing{}))
	assert.Equal(t, 1, broker.QueueLength("donation.new"))
}
