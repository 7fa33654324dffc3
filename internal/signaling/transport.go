package signaling

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

// ConnState is the connectivity state of a transport.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateUnavailable  ConnState = "unavailable"
	StateClosed       ConnState = "closed"
)

var (
	// ErrNotConnected is returned by Send when no connection is up. Messages
	// are never queued or retried; loss surfaces as a connectivity event.
	ErrNotConnected = errors.New("signaling: not connected")

	// ErrUnavailable is returned by Connect when the reconnect budget is
	// exhausted. The caller is expected to fall back to a simulated transport.
	ErrUnavailable = errors.New("signaling: server unavailable")
)

// Transport is one authenticated duplex connection to the signaling server.
// Implementations guarantee per-connection delivery order to subscribers.
// LiveTransport talks to the real server; SimulatedTransport synthesizes
// responses locally so the call flow keeps working offline.
type Transport interface {
	// Connect establishes the connection, authenticating with a bearer token.
	Connect(ctx context.Context) error

	// Send marshals payload and writes one message. No message-level retry.
	Send(msgType string, payload any) error

	// Subscribe returns a channel of inbound envelopes in receipt order.
	// cancel unregisters the subscription and closes the channel.
	Subscribe() (ch chan *Envelope, cancel func())

	// States returns a channel of connectivity state changes.
	States() (ch chan ConnState, cancel func())

	// Live reports whether this transport reaches a real server. Simulated
	// transports return false; sessions created over them are demo sessions.
	Live() bool

	Close() error
}

// subscribers is the shared listener fan-out used by both transports.
// Delivery never blocks; a subscriber that falls behind loses messages,
// mirroring the no-retry contract of the wire.
type subscribers struct {
	envs   map[chan *Envelope]struct{}
	states map[chan ConnState]struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{
		envs:   make(map[chan *Envelope]struct{}),
		states: make(map[chan ConnState]struct{}),
	}
}

func (s *subscribers) fanOut(env *Envelope) {
	for ch := range s.envs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (s *subscribers) fanOutState(st ConnState) {
	for ch := range s.states {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	for ch := range s.envs {
		close(ch)
	}
	s.envs = make(map[chan *Envelope]struct{})
	for ch := range s.states {
		close(ch)
	}
	s.states = make(map[chan ConnState]struct{})
}
