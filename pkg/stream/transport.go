package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/pkg/errors"
)

// Transport is a single bidirectional message channel to the upstream feed.
// A Transport is single-use: each connection attempt gets a fresh instance
// from the TransportFactory, so reconnect state never leaks between attempts.
//
// After a successful Open, inbound payloads arrive on Messages until the
// transport shuts down, at which point the channel is closed and Err reports
// the cause (nil for a deliberate Close).
type Transport interface {
	Open(ctx context.Context) error
	Send(payload []byte) error
	Close() error
	Messages() <-chan []byte
	Err() error
}

// TransportFactory creates a fresh Transport for one connection attempt.
type TransportFactory func(cfg Config, log *zap.Logger) Transport

const writeWait = 10 * time.Second

// wsTransport implements Transport over a websocket connection. Liveness is
// tracked with ping/pong heartbeats: a missed pong pushes the read deadline
// past due, the read loop fails, and the connection manager treats it like any
// other drop.
type wsTransport struct {
	url               string
	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	log               *zap.Logger

	conn      *websocket.Conn
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewWebsocketTransport is the default TransportFactory.
func NewWebsocketTransport(cfg Config, log *zap.Logger) Transport {
	return &wsTransport{
		url:               cfg.URL,
		handshakeTimeout:  cfg.HandshakeTimeout.Std(),
		heartbeatInterval: cfg.HeartbeatInterval.Std(),
		heartbeatTimeout:  cfg.HeartbeatTimeout.Std(),
		log:               log,
		messages:          make(chan []byte, 64),
		done:              make(chan struct{}),
	}
}

// Open dials the feed and starts the read and heartbeat loops.
func (t *wsTransport) Open(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		return errors.Wrapf(errors.ErrCodeTransportDialFailed, err, "failed to dial %s", t.url)
	}

	t.conn = conn

	if err := conn.SetReadDeadline(time.Now().Add(t.heartbeatTimeout)); err != nil {
		conn.Close()

		return errors.Wrap(errors.ErrCodeTransportDialFailed, "failed to arm read deadline", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.heartbeatTimeout))
	})

	go t.readLoop()
	go t.heartbeatLoop()

	return nil
}

// Send writes one text frame. Safe for concurrent use with the heartbeat loop.
func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.done:
		return errors.New(errors.ErrCodeTransportClosed, "transport is closed")
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(errors.ErrCodeTransportWriteFailed, "failed to arm write deadline", err)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(errors.ErrCodeTransportWriteFailed, "failed to write frame", err)
	}

	return nil
}

// Close shuts the transport down. Idempotent; Err stays nil so the connection
// manager can tell a deliberate close from a drop.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		if t.conn != nil {
			// Best effort close handshake; ignore errors, the peer may be gone.
			t.writeMu.Lock()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			t.writeMu.Unlock()

			t.conn.Close()
		}
	})

	return nil
}

// Messages implements Transport.
func (t *wsTransport) Messages() <-chan []byte {
	return t.messages
}

// Err implements Transport.
func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	return t.err
}

func (t *wsTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	if t.err == nil {
		t.err = err
	}
}

// readLoop pumps inbound frames into the messages channel until the connection
// dies. Any payload received counts as liveness and pushes the read deadline.
func (t *wsTransport) readLoop() {
	defer close(t.messages)

	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Deliberate close; leave Err nil.
			default:
				t.setErr(classifyReadError(err))
			}

			return
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(t.heartbeatTimeout))

		select {
		case t.messages <- payload:
		case <-t.done:
			return
		}
	}
}

// heartbeatLoop sends periodic pings. A failed write closes the socket, which
// surfaces through the read loop as a transport error.
func (t *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()

			if err != nil {
				t.log.Warn("heartbeat ping failed", zap.Error(err))
				t.conn.Close()

				return
			}
		}
	}
}

// classifyReadError maps a read failure to the error taxonomy: deadline
// expiries are missed heartbeats, everything else is a connection loss.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeHeartbeatTimeout, "no data or pong within heartbeat timeout", err)
	}

	return errors.Wrap(errors.ErrCodeTransportClosed, "connection lost", err)
}

// Verify wsTransport implements the Transport interface.
var _ Transport = (*wsTransport)(nil)
