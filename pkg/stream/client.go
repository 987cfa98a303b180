// Package stream implements the real-time quote subscription layer: one
// websocket connection to the market-data feed, reference-counted per-symbol
// subscriptions multiplexed across consumers, reconnect with exponential
// backoff, and fan-out of normalized ticks to registered listeners.
package stream

import (
	"sync"

	"go.uber.org/zap"
)

// Client is the public facade consumers use. It wires the connection manager,
// the subscription registry and the dispatcher together; all methods are safe
// for concurrent use.
type Client struct {
	cfg        Config
	log        *zap.Logger
	dispatcher *dispatcher
	conn       *conn
	registry   *subscriptionRegistry
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	log     *zap.Logger
	factory TransportFactory
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *clientOptions) {
		o.log = log
	}
}

// WithTransportFactory replaces the websocket transport, mainly for tests.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *clientOptions) {
		o.factory = factory
	}
}

// NewClient creates a Client for the given feed configuration. Zero-valued
// tuning fields are filled with defaults before validation.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := clientOptions{
		log:     zap.NewNop(),
		factory: NewWebsocketTransport,
	}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Client{
		cfg:        cfg,
		log:        options.log,
		dispatcher: newDispatcher(options.log),
	}

	c.conn = newConn(cfg, options.factory, options.log, connCallbacks{
		onStateChange: c.dispatcher.emitState,
		onError:       c.dispatcher.emitError,
		onMessage:     c.dispatcher.handleInbound,
		onConnected:   c.resubscribe,
	})
	c.registry = newSubscriptionRegistry(c.conn)

	if len(cfg.Symbols) > 0 {
		c.registry.subscribe(cfg.Symbols)
	}

	return c, nil
}

// Connect starts the connection. No-op when already connected or connecting;
// from StateFailed it resets the backoff and retries.
func (c *Client) Connect() {
	c.conn.Connect()
}

// Disconnect closes the connection and cancels any pending reconnect.
// The desired symbol set is kept, so a later Connect resubscribes it.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close disconnects and drops all listeners and cached prices. Intended for
// test teardown and shutdown paths; the client can be reconnected afterwards
// but listeners must be registered again.
func (c *Client) Close() {
	c.conn.Disconnect()
	c.dispatcher.clear()
}

// Subscribe registers interest in the given symbols. Newly wanted symbols are
// subscribed upstream immediately when connected; a disconnected client picks
// them up on the next connect. Subscribing while disconnected starts a
// connection, so first use needs no explicit Connect call.
func (c *Client) Subscribe(symbols ...string) {
	c.registry.subscribe(symbols)

	if c.conn.State() == StateDisconnected {
		c.conn.Connect()
	}
}

// Unsubscribe releases interest in the given symbols. The upstream
// unsubscribe frame goes out only when the last consumer of a symbol is gone.
func (c *Client) Unsubscribe(symbols ...string) {
	c.registry.unsubscribe(symbols)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.conn.State()
}

// Symbols returns a sorted snapshot of the currently desired symbols.
func (c *Client) Symbols() []string {
	return c.registry.snapshot()
}

// OnTick registers a listener for normalized price updates. Listeners are
// invoked in registration order; ticks for a symbol arrive in feed order.
func (c *Client) OnTick(fn func(Tick)) Registration {
	return c.dispatcher.tickListeners.add(fn)
}

// OnStateChange registers a listener for connection state transitions.
func (c *Client) OnStateChange(fn func(ConnectionState)) Registration {
	return c.dispatcher.stateListeners.add(fn)
}

// OnError registers a listener for stream errors: upstream rejections and
// exhausted reconnect retries. Per-frame decode failures are logged and
// counted but not delivered here.
func (c *Client) OnError(fn func(error)) Registration {
	return c.dispatcher.errorListeners.add(fn)
}

// Stats is a point-in-time snapshot of client activity.
type Stats struct {
	State           ConnectionState
	Symbols         int
	TicksDispatched uint64
	DecodeFailures  uint64
}

// Stats returns a snapshot of connection state and counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:           c.conn.State(),
		Symbols:         c.registry.size(),
		TicksDispatched: c.dispatcher.ticksDispatched.Load(),
		DecodeFailures:  c.dispatcher.decodeFailures.Load(),
	}
}

// resubscribe re-sends the full desired set after every successful connect.
// This is the reconciliation step: frames dropped while disconnected are
// covered here, so upstream state converges on the registry.
func (c *Client) resubscribe() {
	symbols := c.registry.snapshot()
	if len(symbols) == 0 {
		return
	}

	c.log.Info("resubscribing", zap.Strings("symbols", symbols))

	if payload, err := encodeCommand(actionSubscribe, symbols); err == nil {
		c.conn.SendFrame(payload)
	}
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client, lazily created from DefaultConfig
// on first use. Application setup that wants explicit wiring should construct
// its own Client and install it with SetDefault.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient == nil {
		client, err := NewClient(DefaultConfig())
		if err != nil {
			// DefaultConfig is valid by construction unless the environment
			// override is broken; fail loudly rather than return nil.
			panic(err)
		}

		defaultClient = client
	}

	return defaultClient
}

// SetDefault replaces the process-wide client, returning the previous one (or
// nil). Tests use this to install a client with a fake transport.
func SetDefault(client *Client) *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	prev := defaultClient
	defaultClient = client

	return prev
}
