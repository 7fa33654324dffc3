package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindhaven/callkit/internal/auth"
	"github.com/mindhaven/callkit/internal/util"
)

// LiveTransport is the real signaling connection: one authenticated WebSocket
// to the server. A single read loop preserves per-connection delivery order.
// When the connection drops it retries a bounded number of times with fixed
// spacing, then reports StateUnavailable and stays down; the session layer
// decides whether to fall back to a SimulatedTransport.
type LiveTransport struct {
	url      string
	tokens   auth.TokenSource
	attempts int
	spacing  time.Duration

	mu    sync.Mutex // guards conn, state and writes
	conn  *websocket.Conn
	state ConnState

	subMu sync.RWMutex
	subs  *subscribers

	done      chan struct{}
	closeOnce sync.Once
}

// NewLiveTransport builds a transport for serverURL. attempts/spacing bound
// the reconnect loop (defaults applied when zero: 5 attempts, 1s apart).
func NewLiveTransport(serverURL string, tokens auth.TokenSource, attempts int, spacing time.Duration) *LiveTransport {
	if attempts <= 0 {
		attempts = 5
	}
	if spacing <= 0 {
		spacing = time.Second
	}
	return &LiveTransport{
		url:      serverURL,
		tokens:   tokens,
		attempts: attempts,
		spacing:  spacing,
		state:    StateReconnecting,
		subs:     newSubscribers(),
		done:     make(chan struct{}),
	}
}

func (t *LiveTransport) Live() bool { return true }

// Connect dials the server, retrying up to the configured attempt budget.
// Returns ErrUnavailable once the budget is spent.
func (t *LiveTransport) Connect(ctx context.Context) error {
	var lastErr error
	for i := 0; i < t.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return ErrNotConnected
			case <-time.After(t.spacing):
			}
		}
		conn, err := t.dial(ctx)
		if err != nil {
			lastErr = err
			log.Warnf("connect attempt %d/%d failed: %v", i+1, t.attempts, err)
			continue
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(StateConnected)
		go t.readLoop(conn)
		log.Infof("connected to %s", t.url)
		return nil
	}
	t.setState(StateUnavailable)
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (t *LiveTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if t.tokens != nil {
		token, err := t.tokens.Token()
		if err != nil {
			return nil, err
		}
		hdr.Set("Authorization", "Bearer "+token)
	}

	// Each attempt gets its own deadline so a hung TCP handshake doesn't eat
	// the whole retry budget.
	dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, t.url, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", t.url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

// Send writes one message. Loss is never silently retried; callers observe
// connectivity through States.
func (t *LiveTransport) Send(msgType string, payload any) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.state != StateConnected {
		return ErrNotConnected
	}
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// readLoop is the only reader of conn, so subscribers see messages in
// exactly the order the server sent them.
func (t *LiveTransport) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Warnf("connection lost: %v", err)
			t.reconnect()
			return
		}
		if env.Type == "" {
			continue
		}
		t.subMu.RLock()
		t.subs.fanOut(&env)
		t.subMu.RUnlock()
	}
}

// reconnect retries the dial with the configured budget. On success a new
// read loop takes over; on exhaustion the transport goes StateUnavailable
// and stays there.
func (t *LiveTransport) reconnect() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.setState(StateReconnecting)

	for i := 0; i < t.attempts; i++ {
		select {
		case <-t.done:
			return
		case <-time.After(t.spacing):
		}
		conn, err := t.dial(context.Background())
		if err != nil {
			log.Warnf("reconnect attempt %d/%d failed: %v", i+1, t.attempts, err)
			continue
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(StateConnected)
		go t.readLoop(conn)
		log.Infof("reconnected to %s", t.url)
		return
	}

	log.Errorf("signaling server unavailable after %d attempts", t.attempts)
	t.setState(StateUnavailable)
}

func (t *LiveTransport) setState(st ConnState) {
	t.mu.Lock()
	changed := t.state != st
	t.state = st
	t.mu.Unlock()
	if !changed {
		return
	}
	t.subMu.RLock()
	t.subs.fanOutState(st)
	t.subMu.RUnlock()
}

// State returns the current connectivity state.
func (t *LiveTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *LiveTransport) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 64)
	t.subMu.Lock()
	t.subs.envs[ch] = struct{}{}
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		if _, ok := t.subs.envs[ch]; ok {
			delete(t.subs.envs, ch)
			close(ch)
		}
		t.subMu.Unlock()
	}
	return ch, cancel
}

func (t *LiveTransport) States() (chan ConnState, func()) {
	ch := make(chan ConnState, 8)
	t.subMu.Lock()
	t.subs.states[ch] = struct{}{}
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		if _, ok := t.subs.states[ch]; ok {
			delete(t.subs.states, ch)
			close(ch)
		}
		t.subMu.Unlock()
	}
	return ch, cancel
}

func (t *LiveTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.state = StateClosed
		t.mu.Unlock()

		t.subMu.Lock()
		t.subs.closeAll()
		t.subMu.Unlock()
	})
	return nil
}
