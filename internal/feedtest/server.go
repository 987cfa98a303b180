// Package feedtest provides an in-process mock quote feed for testing.
// It speaks the upstream wire protocol: JSON subscribe/unsubscribe command
// frames inbound, short-key tick frames outbound.
package feedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Command is one subscribe/unsubscribe frame received from a client.
type Command struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Quote is an outbound price update. Pointer fields are omitted from the wire
// frame when nil, which lets tests exercise the client's normalization.
type Quote struct {
	Symbol        string
	Price         float64
	Change        *float64
	ChangePercent *float64
	Volume        *float64
	Timestamp     *int64
}

func (q Quote) payload() ([]byte, error) {
	frame := map[string]any{
		"s": q.Symbol,
		"p": q.Price,
	}

	if q.Change != nil {
		frame["ch"] = *q.Change
	}

	if q.ChangePercent != nil {
		frame["chp"] = *q.ChangePercent
	}

	if q.Volume != nil {
		frame["v"] = *q.Volume
	}

	if q.Timestamp != nil {
		frame["t"] = *q.Timestamp
	}

	return json.Marshal(frame)
}

type feedConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	symbols map[string]struct{}
}

func (c *feedConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *feedConn) subscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.symbols[symbol]

	return ok
}

// Server is a mock quote feed.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	mu           sync.Mutex
	conns        map[string]*feedConn
	commands     []Command
	rejected     map[string]string
	swallowPings bool
}

// NewServer creates a mock feed server. Call Start before use.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns:    make(map[string]*feedConn),
		rejected: make(map[string]string),
	}
}

// Start starts the server on the given address. If address is empty or ":0",
// a random available port is used.
func (s *Server) Start(address string) error {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/v1/quotes", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			fmt.Printf("feedtest server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the server down, closing all live connections.
func (s *Server) Stop() error {
	s.DropConnections()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// URL returns the websocket endpoint of the server.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String() + "/v1/quotes"
}

// Reject configures the server to answer any subscribe containing symbol with
// an error frame instead of accepting it.
func (s *Server) Reject(symbol, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejected[symbol] = message
}

// SwallowPings makes connections accepted from now on drop incoming pings
// without answering, so a client relying on pong liveness sees the feed as
// dead while the socket stays open.
func (s *Server) SwallowPings(swallow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.swallowPings = swallow
}

// Commands returns all command frames received so far, in arrival order.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Command, len(s.commands))
	copy(out, s.commands)

	return out
}

// LastCommand returns the most recent command, or false when none arrived yet.
func (s *Server) LastCommand() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commands) == 0 {
		return Command{}, false
	}

	return s.commands[len(s.commands)-1], true
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// SubscribedSymbols returns the union of symbols subscribed on live
// connections.
func (s *Server) SubscribedSymbols() []string {
	s.mu.Lock()
	conns := make([]*feedConn, 0, len(s.conns))

	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	seen := make(map[string]struct{})

	var symbols []string

	for _, conn := range conns {
		conn.mu.Lock()
		for symbol := range conn.symbols {
			if _, ok := seen[symbol]; !ok {
				seen[symbol] = struct{}{}

				symbols = append(symbols, symbol)
			}
		}
		conn.mu.Unlock()
	}

	return symbols
}

// PushQuote sends a quote to every connection subscribed to its symbol.
func (s *Server) PushQuote(quote Quote) error {
	payload, err := quote.payload()
	if err != nil {
		return err
	}

	for _, conn := range s.liveConns() {
		if conn.subscribed(quote.Symbol) {
			_ = conn.write(payload)
		}
	}

	return nil
}

// PushPayload sends a raw payload to every live connection regardless of
// subscriptions. Used to feed the client malformed frames.
func (s *Server) PushPayload(payload []byte) {
	for _, conn := range s.liveConns() {
		_ = conn.write(payload)
	}
}

// DropConnections abruptly closes every live connection without a close
// handshake, simulating a network drop.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*feedConn, 0, len(s.conns))

	for _, conn := range s.conns {
		conns = append(conns, conn)
	}

	s.conns = make(map[string]*feedConn)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (s *Server) liveConns() []*feedConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*feedConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}

	return conns
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	swallow := s.swallowPings
	s.mu.Unlock()

	if swallow {
		// Override gorilla's default handler, which answers with a pong.
		ws.SetPingHandler(func(string) error { return nil })
	}

	id := uuid.NewString()
	conn := &feedConn{
		ws:      ws,
		symbols: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		s.applyCommand(conn, cmd)
	}
}

func (s *Server) applyCommand(conn *feedConn, cmd Command) {
	for _, symbol := range cmd.Symbols {
		switch cmd.Action {
		case "subscribe":
			s.mu.Lock()
			message, reject := s.rejected[symbol]
			s.mu.Unlock()

			if reject {
				payload, _ := json.Marshal(map[string]string{"error": message})
				_ = conn.write(payload)

				continue
			}

			conn.mu.Lock()
			conn.symbols[symbol] = struct{}{}
			conn.mu.Unlock()
		case "unsubscribe":
			conn.mu.Lock()
			delete(conn.symbols, symbol)
			conn.mu.Unlock()
		}
	}
}
