package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fakeTransport is a scripted Transport for tests. Payloads pushed with push
// flow to the consumer; drop simulates a connection loss.
type fakeTransport struct {
	openErr   error
	messages  chan []byte
	closeOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
	err  error
}

func newFakeTransport(openErr error) *fakeTransport {
	return &fakeTransport{
		openErr:  openErr,
		messages: make(chan []byte, 16),
	}
}

func (f *fakeTransport) Open(_ context.Context) error {
	return f.openErr
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, append([]byte(nil), payload...))

	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.messages) })

	return nil
}

func (f *fakeTransport) Messages() <-chan []byte {
	return f.messages
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

func (f *fakeTransport) push(payload string) {
	f.messages <- []byte(payload)
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.messages) })
}

func (f *fakeTransport) sentCommands() []commandFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]commandFrame, 0, len(f.sent))

	for _, payload := range f.sent {
		var cmd commandFrame
		if err := json.Unmarshal(payload, &cmd); err == nil {
			out = append(out, cmd)
		}
	}

	return out
}

// fakeFeed hands out fakeTransports, failing the first `failures` dials.
// Attempt times are recorded so tests can assert the backoff shape.
type fakeFeed struct {
	mu         sync.Mutex
	failures   int
	transports []*fakeTransport
	attemptAt  []time.Time
}

func (f *fakeFeed) factory(_ Config, _ *zap.Logger) Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	var openErr error
	if f.failures > 0 {
		f.failures--
		openErr = errors.New("dial refused")
	}

	t := newFakeTransport(openErr)
	f.transports = append(f.transports, t)
	f.attemptAt = append(f.attemptAt, time.Now())

	return t
}

func (f *fakeFeed) attemptTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]time.Time, len(f.attemptAt))
	copy(out, f.attemptAt)

	return out
}

func (f *fakeFeed) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.transports)
}

func (f *fakeFeed) latest() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.transports) == 0 {
		return nil
	}

	return f.transports[len(f.transports)-1]
}

// testConfig returns a Config tuned for fast tests.
func testConfig() Config {
	return Config{
		URL:         "ws://feed.test/v1/quotes",
		MaxRetries:  3,
		BackoffBase: Duration(5_000_000),  // 5ms
		BackoffMax:  Duration(20_000_000), // 20ms
	}
}
