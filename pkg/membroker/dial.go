package membroker

import (
	"sync"

	"github.com/streadway/amqp"

	"github.com/givebridge/donatemq/pkg/dmq"
)

// session pairs a channel with the connection-loss signal its dialer handed
// out, so a simulated outage can notify the supervising reconnect loop.
type session struct {
	channel *Channel
	errs    chan *amqp.Error
	once    sync.Once
}

func (s *session) stop(cause *amqp.Error) {
	s.once.Do(func() {
		_ = s.channel.Close()
		if cause != nil {
			s.errs <- cause
		}
		close(s.errs)
	})
}

// Dialer adapts the broker into the platform's DialFunc seam. Every dial
// yields a fresh channel against the shared broker state.
func Dialer(b *Broker) dmq.DialFunc {
	return func(_ *dmq.ConnectionConfig) (dmq.Channel, func() error, <-chan *amqp.Error, error) {

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, nil, nil, ErrClosed
		}

		s := &session{
			channel: b.NewChannel(),
			errs:    make(chan *amqp.Error, 1),
		}
		b.sessions = append(b.sessions, s)
		b.mu.Unlock()

		closeConn := func() error {
			s.stop(nil)
			return nil
		}

		return s.channel, closeConn, s.errs, nil
	}
}

// SeverConnections simulates a broker-side connection drop: every dialed
// session's channel closes and its loss signal fires, without tearing down
// declarations or queued messages. Reconnect supervision dials back in and
// finds the topology intact.
func (b *Broker) SeverConnections() {

	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	for _, s := range sessions {
		s.stop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "membroker: connection severed"})
	}
}
