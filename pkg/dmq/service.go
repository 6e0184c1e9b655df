package dmq

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BrokerService bundles the full broker surface of one service process:
// connection, topology, producer, consumer, dedup store and heartbeat. Each
// process constructs its own instance and passes it down - nothing here is
// process-global.
type BrokerService struct {
	Config *PlatformConfig

	manager   *ConnectionManager
	producer  *Producer
	consumer  *Consumer
	heartbeat *HeartbeatProducer
	dedup     DedupStore
	codec     *BodyCodec
	lg        *zap.Logger

	monitorSleepInterval time.Duration

	shutdownSignal chan struct{}
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

// NewBrokerService builds the broker layer for one service process against the
// production AMQP dialer. Passphrase and salt feed the optional body codec and
// may be empty when the codec is disabled in config.
func NewBrokerService(config *PlatformConfig, passphrase, salt string, lg *zap.Logger) (*BrokerService, error) {
	return NewBrokerServiceWithDialer(config, passphrase, salt, lg, AmqpDial)
}

// NewBrokerServiceWithDialer builds the broker layer around a custom dialer.
func NewBrokerServiceWithDialer(config *PlatformConfig, passphrase, salt string, lg *zap.Logger, dial DialFunc) (*BrokerService, error) {

	if lg == nil {
		lg = zap.NewNop()
	}

	codec, err := NewBodyCodec(config.Codec, passphrase, salt)
	if err != nil {
		return nil, err
	}

	dedup, err := NewDedupStore(lg, config.Dedup, config.ServiceName)
	if err != nil {
		return nil, err
	}

	manager := NewConnectionManagerWithDialer(config.Connection, config.Topology, lg, dial)

	service := &BrokerService{
		Config:               config,
		manager:              manager,
		producer:             NewProducer(manager, codec, config.ServiceName, lg),
		consumer:             NewConsumer(manager, dedup, codec, config.Consumer, lg),
		heartbeat:            NewHeartbeatProducer(manager, config.ServiceName, lg),
		dedup:                dedup,
		codec:                codec,
		lg:                   lg,
		monitorSleepInterval: time.Second,
		shutdownSignal:       make(chan struct{}),
	}

	service.wg.Add(1)
	go service.monitorReceipts()

	return service, nil
}

// Connect establishes the broker connection and declares the topology.
func (bs *BrokerService) Connect() error {
	return bs.manager.Connect()
}

// Manager exposes the connection manager for advanced wiring.
func (bs *BrokerService) Manager() *ConnectionManager { return bs.manager }

// Producer exposes the service's generic producer. Per-service producers wrap
// it with the routing contract.
func (bs *BrokerService) Producer() *Producer { return bs.producer }

// Consumer exposes the service's consumer for subscription sets.
func (bs *BrokerService) Consumer() *Consumer { return bs.consumer }

// Dedup exposes the processed-message store.
func (bs *BrokerService) Dedup() DedupStore { return bs.dedup }

// Codec exposes the body codec, nil-safe to pass straight into producers.
func (bs *BrokerService) Codec() *BodyCodec { return bs.codec }

// StartHeartbeat emits a liveness beat every interval until shutdown.
func (bs *BrokerService) StartHeartbeat(interval time.Duration) {

	if interval <= 0 {
		interval = 30 * time.Second
	}

	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-bs.shutdownSignal:
				return
			case <-ticker.C:
				if _, err := bs.heartbeat.PublishHeartbeat(); err != nil {
					bs.lg.Warn("heartbeat publish failed", zap.Error(err))
				}
			}
		}
	}()
}

// monitorReceipts drains publish receipts so the buffer never silently fills,
// logging failures.
func (bs *BrokerService) monitorReceipts() {
	defer bs.wg.Done()

	for {
		select {
		case <-bs.shutdownSignal:
			return
		case receipt := <-bs.producer.Receipts():
			if !receipt.Success {
				bs.lg.Error("publish receipt failure",
					zap.String("messageId", receipt.MessageID),
					zap.String("exchange", receipt.Exchange),
					zap.String("routingKey", receipt.RoutingKey),
					zap.Error(receipt.Error))
			}
		}
	}
}

// Shutdown stops consumption, background loops and the connection, in that
// order, so in-flight handlers finish before the channel goes away. Idempotent.
func (bs *BrokerService) Shutdown() {
	bs.closeOnce.Do(func() {
		bs.consumer.Close()

		close(bs.shutdownSignal)
		bs.wg.Wait()

		if err := bs.dedup.Close(); err != nil {
			bs.lg.Warn("dedup store close failed", zap.Error(err))
		}
		bs.manager.Close()

		bs.lg.Info("broker service shut down", zap.String("service", bs.Config.ServiceName))
	})
}
