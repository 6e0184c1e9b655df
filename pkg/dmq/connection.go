package dmq

import (
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// DialFunc establishes a transport session and returns its single channel, a
// closer for the underlying connection, and a signal channel reporting
// asynchronous connection loss. Tests and local development swap in the
// in-memory broker here.
type DialFunc func(config *ConnectionConfig) (Channel, func() error, <-chan *amqp.Error, error)

// AmqpDial is the production DialFunc: one AMQP connection and one channel per
// service process.
func AmqpDial(config *ConnectionConfig) (Channel, func() error, <-chan *amqp.Error, error) {

	heartbeat := time.Duration(config.Heartbeat) * time.Second
	if heartbeat == 0 {
		heartbeat = 10 * time.Second
	}
	connectionTimeout := time.Duration(config.ConnectionTimeout) * time.Second
	if connectionTimeout == 0 {
		connectionTimeout = 30 * time.Second
	}

	conn, err := amqp.DialConfig(config.URI(), amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(connectionTimeout),
		Properties: amqp.Table{
			"connection_name": config.ApplicationName,
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}

	closeErrs := make(chan *amqp.Error, 10)
	conn.NotifyClose(closeErrs)

	return channel, conn.Close, closeErrs, nil
}

// ConnectionManager owns the single connection/channel of a service process,
// declares the topology on connect, and hands out publish/consume primitives.
// Construct one per process and inject it - no package-level singleton exists.
type ConnectionManager struct {
	config    *ConnectionConfig
	topology  *TopologyConfig
	topologer *Topologer
	lg        *zap.Logger
	dial      DialFunc

	mu        sync.RWMutex
	channel   Channel
	closeConn func() error
	closeErrs <-chan *amqp.Error
	connected bool

	reconnectHooks []func(Channel) error

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionManager builds a manager around the production AMQP dialer.
func NewConnectionManager(config *ConnectionConfig, topology *TopologyConfig, lg *zap.Logger) *ConnectionManager {
	return NewConnectionManagerWithDialer(config, topology, lg, AmqpDial)
}

// NewConnectionManagerWithDialer builds a manager around a custom dialer.
func NewConnectionManagerWithDialer(config *ConnectionConfig, topology *TopologyConfig, lg *zap.Logger, dial DialFunc) *ConnectionManager {

	if lg == nil {
		lg = zap.NewNop()
	}
	if topology == nil {
		topology = PlatformTopology()
	}

	return &ConnectionManager{
		config:    config,
		topology:  topology,
		topologer: NewTopologer(lg),
		lg:        lg,
		dial:      dial,
		done:      make(chan struct{}),
	}
}

// Topology exposes the static topology the manager declares.
func (m *ConnectionManager) Topology() *TopologyConfig { return m.topology }

// Connect establishes the connection and idempotently declares every
// exchange, queue and binding of the topology, dead-letter path included.
// Fails with ConnectionError if the broker is unreachable within the
// connection timeout; the caller owns the startup retry policy. With
// Reconnect enabled in config, a supervising goroutine re-establishes dropped
// connections with backoff, replays the topology and re-registers
// subscriptions.
func (m *ConnectionManager) Connect() error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isShutdown() {
		return ErrShutdown
	}
	if m.connected {
		return nil
	}

	if err := m.establish(); err != nil {
		return err
	}

	if m.config.Reconnect {
		go m.supervise()
	}

	return nil
}

// establish dials and declares topology. Caller holds the lock.
func (m *ConnectionManager) establish() error {

	channel, closeConn, closeErrs, err := m.dial(m.config)
	if err != nil {
		return &ConnectionError{URI: m.config.URI(), Err: err}
	}

	if err := m.topologer.Build(channel, m.topology); err != nil {
		_ = channel.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return err
	}

	m.channel = channel
	m.closeConn = closeConn
	m.closeErrs = closeErrs
	m.connected = true

	m.lg.Info("broker connected",
		zap.String("host", m.config.Host),
		zap.String("vhost", m.config.VHost),
		zap.String("application", m.config.ApplicationName))

	return nil
}

// OnReconnect registers a hook invoked with the fresh channel after a
// supervised reconnect. Consumers use this to re-register subscriptions.
func (m *ConnectionManager) OnReconnect(hook func(Channel) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectHooks = append(m.reconnectHooks, hook)
}

func (m *ConnectionManager) supervise() {

	for {
		m.mu.RLock()
		closeErrs := m.closeErrs
		m.mu.RUnlock()

		select {
		case <-m.done:
			return
		case amqpErr, ok := <-closeErrs:
			if !ok && m.isShutdown() {
				return
			}
			if amqpErr != nil {
				m.lg.Warn("broker connection lost",
					zap.Int("code", amqpErr.Code),
					zap.String("reason", amqpErr.Reason))
			}
			if !m.reestablish() {
				return
			}
		}
	}
}

func (m *ConnectionManager) reestablish() bool {

	backoff := newExponentialBackoff((*RetryConfig)(nil).withDefaults())

	for {
		select {
		case <-m.done:
			return false
		default:
		}

		m.mu.Lock()
		m.connected = false
		err := m.establish()
		var hooks []func(Channel) error
		var channel Channel
		if err == nil {
			hooks = append(hooks, m.reconnectHooks...)
			channel = m.channel
		}
		m.mu.Unlock()

		if err != nil {
			delay := backoff.Next()
			m.lg.Warn("reconnect failed", zap.Error(err), zap.Duration("retryIn", delay))
			select {
			case <-m.done:
				return false
			case <-time.After(delay):
			}
			continue
		}

		for _, hook := range hooks {
			if hookErr := hook(channel); hookErr != nil {
				m.lg.Error("resubscription failed after reconnect", zap.Error(hookErr))
			}
		}

		m.lg.Info("broker reconnected")
		return true
	}
}

// Channel returns the live channel or ErrNotConnected. Connection loss during
// operation surfaces as an error on the next publish/consume call.
func (m *ConnectionManager) Channel() (Channel, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.isShutdown() {
		return nil, ErrShutdown
	}
	if !m.connected {
		return nil, ErrNotConnected
	}

	return m.channel, nil
}

// Publish sends a prepared publishing to an exchange with a routing key.
// Fire-and-forget at the transport level - durability comes from persistent
// deliveries into durable queues.
func (m *ConnectionManager) Publish(exchange, routingKey string, mandatory bool, publishing amqp.Publishing) error {

	channel, err := m.Channel()
	if err != nil {
		return err
	}

	return channel.Publish(exchange, routingKey, mandatory, false, publishing)
}

// Consume registers a delivery stream for a queue. Acknowledgement is the
// caller's responsibility so domain failures can drive nack/retry decisions.
func (m *ConnectionManager) Consume(queue, consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {

	channel, err := m.Channel()
	if err != nil {
		return nil, err
	}

	if prefetchCount > 0 {
		if err := channel.Qos(prefetchCount, 0, false); err != nil {
			return nil, err
		}
	}

	return channel.Consume(queue, consumerTag, false, false, false, false, nil)
}

// Cancel stops deliveries for a consumer tag. In-flight handler invocations
// run to completion.
func (m *ConnectionManager) Cancel(consumerTag string) error {

	channel, err := m.Channel()
	if err != nil {
		return err
	}

	return channel.Cancel(consumerTag, false)
}

func (m *ConnectionManager) isShutdown() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Close releases the channel then the connection. Idempotent and safe to call
// multiple times.
func (m *ConnectionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()

		if m.channel != nil {
			_ = m.channel.Close()
		}
		if m.closeConn != nil {
			_ = m.closeConn()
		}
		m.connected = false

		m.lg.Info("broker connection closed")
	})
}
