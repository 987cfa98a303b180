package stream

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/pkg/errors"
)

// connCallbacks are the hooks the connection manager fires into the rest of
// the client. They are invoked from connection goroutines; the dispatcher
// serializes actual listener delivery.
type connCallbacks struct {
	onStateChange func(ConnectionState)
	onError       func(error)
	onMessage     func(payload []byte)
	onConnected   func()
}

// conn owns at most one live transport to the upstream feed and hides the
// reconnect lifecycle from callers. State transitions, the retry timer and
// the transport itself are guarded by mu; the generation counter invalidates
// in-flight dials and pending timers when Disconnect or Connect supersedes
// them.
type conn struct {
	cfg     Config
	factory TransportFactory
	log     *zap.Logger
	cb      connCallbacks

	mu        sync.Mutex
	state     ConnectionState
	transport Transport
	gen       uint64
	retries   int
	timer     *time.Timer
	backoff   *backoff.Backoff
}

func newConn(cfg Config, factory TransportFactory, log *zap.Logger, cb connCallbacks) *conn {
	return &conn{
		cfg:     cfg,
		factory: factory,
		log:     log,
		cb:      cb,
		state:   StateDisconnected,
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffBase.Std(),
			Max:    cfg.BackoffMax.Std(),
			Factor: 2,
			Jitter: false,
		},
	}
}

// Connect starts a connection attempt. No-op when already connected or
// connecting. Calling it while reconnecting or failed cancels the pending
// retry and starts over with a fresh backoff.
func (c *conn) Connect() {
	c.mu.Lock()

	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()

		return
	case StateReconnecting, StateFailed:
		c.stopTimerLocked()
		c.retries = 0
		c.backoff.Reset()
	case StateDisconnected:
	}

	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	c.cb.onStateChange(StateConnecting)

	go c.dial(gen)
}

// Disconnect tears the connection down and cancels any pending reconnect.
// Idempotent.
func (c *conn) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	t := c.transport
	c.transport = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}

	if prev != StateDisconnected {
		c.cb.onStateChange(StateDisconnected)
	}
}

// SendFrame writes a frame when connected. Frames sent while disconnected are
// dropped: the full desired set is re-sent on the next successful connect,
// which is the reconciliation mechanism.
func (c *conn) SendFrame(payload []byte) {
	c.mu.Lock()
	t := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || t == nil {
		return
	}

	if err := t.Send(payload); err != nil {
		c.log.Warn("failed to send frame", zap.Error(err))
	}
}

// State returns the current connection state.
func (c *conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// dial runs one connection attempt. gen pins the attempt to the lifecycle
// epoch it was started in; a Disconnect in the meantime makes it a no-op.
func (c *conn) dial(gen uint64) {
	t := c.factory(c.cfg, c.log)

	err := t.Open(context.Background())

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		t.Close()

		return
	}

	if err != nil {
		c.mu.Unlock()
		t.Close()
		c.log.Warn("connection attempt failed", zap.Error(err))
		c.scheduleRetry(gen)

		return
	}

	c.transport = t
	c.state = StateConnected
	c.retries = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info("connected to feed", zap.String("url", c.cfg.URL))
	c.cb.onStateChange(StateConnected)
	c.cb.onConnected()

	go c.consume(t, gen)
}

// consume pumps inbound payloads until the transport dies, then routes the
// drop into the reconnect path unless a Disconnect already superseded it.
// The generation is re-checked per payload so frames still buffered in the
// transport stop flowing as soon as a Disconnect lands.
func (c *conn) consume(t Transport, gen uint64) {
	for payload := range t.Messages() {
		if c.staleGen(gen) {
			break
		}

		c.cb.onMessage(payload)
	}

	cause := t.Err()

	c.mu.Lock()
	if gen != c.gen || c.transport != t {
		c.mu.Unlock()

		return
	}

	c.transport = nil
	c.mu.Unlock()

	// A heartbeat timeout leaves the socket half-alive; close it so the
	// heartbeat loop stops and the peer sees the connection go away.
	t.Close()

	c.log.Warn("connection lost", zap.Error(cause))
	c.scheduleRetry(gen)
}

func (c *conn) staleGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return gen != c.gen
}

// scheduleRetry books the next reconnect attempt with exponential backoff, or
// gives up with StateFailed once the retry budget is spent.
func (c *conn) scheduleRetry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()

		return
	}

	c.retries++
	if c.retries > c.cfg.MaxRetries {
		c.state = StateFailed
		c.mu.Unlock()

		c.cb.onStateChange(StateFailed)
		c.cb.onError(errors.Newf(errors.ErrCodeRetriesExhausted,
			"giving up after %d failed connection attempts", c.retries))

		return
	}

	delay := c.backoff.Duration()
	c.state = StateReconnecting
	attempt := c.retries
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempt))

	// Notify before arming the timer so listeners never see the next
	// StateConnecting overtake this transition.
	c.cb.onStateChange(StateReconnecting)

	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()

		return
	}

	c.timer = time.AfterFunc(delay, func() { c.retryFire(gen) })
	c.mu.Unlock()
}

// retryFire runs when the backoff timer expires.
func (c *conn) retryFire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()

		return
	}

	c.state = StateConnecting
	c.timer = nil
	c.mu.Unlock()

	c.cb.onStateChange(StateConnecting)
	c.dial(gen)
}

func (c *conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
