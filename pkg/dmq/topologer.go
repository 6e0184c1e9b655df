package dmq

import (
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Topologer declares exchanges, queues and bindings on a channel. Declarations
// are idempotent as long as the arguments match what the broker already holds;
// conflicting redeclarations surface as TopologyDeclarationError.
type Topologer struct {
	lg *zap.Logger
}

// NewTopologer builds a Topologer.
func NewTopologer(lg *zap.Logger) *Topologer {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Topologer{lg: lg}
}

// Build validates and declares the whole topology - stops on first error.
// The catch-all dead-letter queue is declared and bound automatically whenever
// any queue configures a dead-letter routing key: dl_exchange is a direct
// exchange, so the catch-all is materialized with one binding per distinct
// `.dead` key rather than a wildcard pattern.
func (top *Topologer) Build(channel Channel, config *TopologyConfig) error {

	if err := config.Validate(); err != nil {
		return err
	}

	for _, exchange := range config.Exchanges {
		if err := top.declareExchange(channel, exchange); err != nil {
			return err
		}
	}

	for _, queue := range config.Queues {
		if err := top.declareQueue(channel, queue); err != nil {
			return err
		}
		if err := top.bindQueue(channel, queue); err != nil {
			return err
		}
	}

	return top.buildDeadLetterPath(channel, config)
}

func (top *Topologer) declareExchange(channel Channel, exchange *Exchange) error {

	err := channel.ExchangeDeclare(exchange.Name, exchange.Kind, exchange.Durable, false, false, false, nil)
	if err != nil {
		return &TopologyDeclarationError{Entity: "exchange", Name: exchange.Name, Err: err}
	}

	top.lg.Debug("exchange declared",
		zap.String("exchange", exchange.Name),
		zap.String("kind", exchange.Kind))

	return nil
}

func (top *Topologer) declareQueue(channel Channel, queue *Queue) error {

	var args amqp.Table
	if queue.DeadLetterExchange != "" {
		args = amqp.Table{
			"x-dead-letter-exchange":    queue.DeadLetterExchange,
			"x-dead-letter-routing-key": queue.DeadLetterRoutingKey,
		}
	}

	if _, err := channel.QueueDeclare(queue.Name, queue.Durable, false, false, false, args); err != nil {
		return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: err}
	}

	top.lg.Debug("queue declared",
		zap.String("queue", queue.Name),
		zap.String("deadLetterExchange", queue.DeadLetterExchange))

	return nil
}

func (top *Topologer) bindQueue(channel Channel, queue *Queue) error {

	err := channel.QueueBind(queue.Name, queue.BindingKey, queue.Exchange, false, nil)
	if err != nil {
		return &TopologyDeclarationError{Entity: "binding", Name: queue.Name, Err: err}
	}

	top.lg.Debug("queue bound",
		zap.String("queue", queue.Name),
		zap.String("exchange", queue.Exchange),
		zap.String("bindingKey", queue.BindingKey))

	return nil
}

func (top *Topologer) buildDeadLetterPath(channel Channel, config *TopologyConfig) error {

	deadKeys := config.DeadLetterKeys()
	if len(deadKeys) == 0 {
		return nil
	}

	if _, err := channel.QueueDeclare(DeadLettersQueue, true, false, false, false, nil); err != nil {
		return &TopologyDeclarationError{Entity: "queue", Name: DeadLettersQueue, Err: err}
	}

	for _, key := range deadKeys {
		if err := channel.QueueBind(DeadLettersQueue, key, DeadLetterExchange, false, nil); err != nil {
			return &TopologyDeclarationError{Entity: "binding", Name: DeadLettersQueue, Err: err}
		}
	}

	top.lg.Debug("dead-letter path built", zap.Int("routingKeys", len(deadKeys)))

	return nil
}
