package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finsight/marketstream/pkg/errors"
)

const (
	waitFor  = 2 * time.Second
	pollTick = 2 * time.Millisecond
)

func newTestClient(t *testing.T, cfg Config, feed *fakeFeed) *Client {
	t.Helper()

	client, err := NewClient(cfg, WithTransportFactory(feed.factory))
	require.NoError(t, err)

	t.Cleanup(client.Close)

	return client
}

func TestSubscribeAutoConnectsAndSubscribesUpstream(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	client.Subscribe("aapl")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	require.Eventually(t, func() bool {
		cmds := feed.latest().sentCommands()

		return len(cmds) == 1 && cmds[0].Action == "subscribe" &&
			len(cmds[0].Symbols) == 1 && cmds[0].Symbols[0] == "AAPL"
	}, waitFor, pollTick)
}

func TestNetSymbolSetMatchesCallSequence(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	client.Subscribe("AAPL")
	client.Subscribe("MSFT")
	client.Unsubscribe("AAPL")

	require.Equal(t, []string{"MSFT"}, client.Symbols())
}

func TestUnsubscribeIsReferenceCounted(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	client.Subscribe("AAPL")
	client.Subscribe("AAPL")
	client.Unsubscribe("AAPL")
	require.Equal(t, []string{"AAPL"}, client.Symbols())

	client.Unsubscribe("AAPL")
	require.Empty(t, client.Symbols())
}

func TestReconnectResendsExactlyCurrentSymbols(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	client.Subscribe("AAPL", "MSFT")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	first := feed.latest()

	client.Unsubscribe("AAPL")

	// Force a drop and wait for the replacement connection.
	first.drop(errors.New(errors.ErrCodeTransportClosed, "connection lost"))

	require.Eventually(t, func() bool {
		return feed.attempts() == 2 && client.State() == StateConnected
	}, waitFor, pollTick)

	require.Eventually(t, func() bool {
		cmds := feed.latest().sentCommands()

		return len(cmds) == 1 && cmds[0].Action == "subscribe" &&
			len(cmds[0].Symbols) == 1 && cmds[0].Symbols[0] == "MSFT"
	}, waitFor, pollTick)
}

func TestTicksAreDeliveredInOrder(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	var mu sync.Mutex

	var got []Tick

	client.OnTick(func(tick Tick) {
		mu.Lock()
		got = append(got, tick)
		mu.Unlock()
	})

	client.Subscribe("AAPL")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	transport := feed.latest()
	transport.push(`{"s":"AAPL","p":100}`)
	transport.push(`{"s":"AAPL","p":150}`)
	transport.push(`{"s":"AAPL","p":120}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 3
	}, waitFor, pollTick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []float64{100, 150, 120}, []float64{got[0].Price, got[1].Price, got[2].Price})
	require.Equal(t, 50.0, got[1].Change)
	require.Equal(t, 50.0, got[1].ChangePercent)
}

func TestFailedAfterRetryBudgetThenManualReconnect(t *testing.T) {
	feed := &fakeFeed{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 2
	client := newTestClient(t, cfg, feed)

	var mu sync.Mutex

	var streamErrs []error

	client.OnError(func(err error) {
		mu.Lock()
		streamErrs = append(streamErrs, err)
		mu.Unlock()
	})

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateFailed
	}, waitFor, pollTick)

	// Initial attempt plus two retries.
	require.Equal(t, 3, feed.attempts())

	mu.Lock()
	require.Len(t, streamErrs, 1)
	require.True(t, errors.HasCode(streamErrs[0], errors.ErrCodeRetriesExhausted))
	mu.Unlock()

	// A manual Connect starts over with a fresh backoff.
	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateFailed && feed.attempts() == 6
	}, waitFor, pollTick)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	feed := &fakeFeed{failures: 100}
	cfg := testConfig()
	cfg.BackoffBase = Duration(50 * time.Millisecond)
	cfg.BackoffMax = Duration(200 * time.Millisecond)
	client := newTestClient(t, cfg, feed)

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateReconnecting
	}, waitFor, pollTick)

	attempts := feed.attempts()

	client.Disconnect()
	require.Equal(t, StateDisconnected, client.State())

	time.Sleep(150 * time.Millisecond)

	require.Equal(t, attempts, feed.attempts())
	require.Equal(t, StateDisconnected, client.State())
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	feed := &fakeFeed{failures: 2}
	cfg := testConfig()
	cfg.BackoffBase = Duration(20 * time.Millisecond)
	cfg.BackoffMax = Duration(500 * time.Millisecond)
	cfg.MaxRetries = 10
	client := newTestClient(t, cfg, feed)

	client.Connect()

	// Two failures (20ms + 40ms of backoff), then connected.
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	// Drop the live connection; the next retry delay must start back at the
	// base rather than continuing the doubled sequence.
	dropped := time.Now()
	feed.latest().drop(errors.New(errors.ErrCodeTransportClosed, "connection lost"))

	require.Eventually(t, func() bool {
		return client.State() == StateConnected && feed.attempts() == 4
	}, waitFor, pollTick)

	require.Less(t, time.Since(dropped), 60*time.Millisecond)
}

func TestBackoffDelaysDoubleUpToCap(t *testing.T) {
	feed := &fakeFeed{failures: 100}
	cfg := testConfig()
	cfg.BackoffBase = Duration(40 * time.Millisecond)
	cfg.BackoffMax = Duration(160 * time.Millisecond)
	cfg.MaxRetries = 4
	client := newTestClient(t, cfg, feed)

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateFailed
	}, waitFor, pollTick)

	times := feed.attemptTimes()
	require.Len(t, times, 5)

	// Gaps between attempts follow base, 2x, 4x, then stay at the cap. The
	// upper bound per gap is loose enough for scheduling delay but tight
	// enough that a wrong doubling step cannot pass.
	expected := []time.Duration{
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
		160 * time.Millisecond,
	}

	for i, want := range expected {
		gap := times[i+1].Sub(times[i])
		require.GreaterOrEqual(t, gap, want, "gap %d", i)
		require.Less(t, gap, 2*want, "gap %d", i)
	}
}

func TestStateEventsArriveInTransitionOrder(t *testing.T) {
	feed := &fakeFeed{failures: 2}
	cfg := testConfig()
	cfg.BackoffBase = Duration(time.Millisecond)
	cfg.BackoffMax = Duration(2 * time.Millisecond)
	client := newTestClient(t, cfg, feed)

	var mu sync.Mutex

	var states []ConnectionState

	client.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	client.Connect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(states) > 0 && states[len(states)-1] == StateConnected
	}, waitFor, pollTick)

	// Even with a backoff shorter than listener delivery, the reconnecting
	// notification must land before the retry's connecting one.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnectionState{
		StateConnecting, StateReconnecting,
		StateConnecting, StateReconnecting,
		StateConnecting, StateConnected,
	}, states)
}

func TestNoTickDeliveryAfterDisconnect(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	release := make(chan struct{})

	var mu sync.Mutex

	var count int

	client.OnTick(func(Tick) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()

		// Hold the first delivery so the remaining frames stay buffered in
		// the transport while Disconnect lands.
		if n == 1 {
			<-release
		}
	})

	client.Subscribe("AAPL")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	transport := feed.latest()
	transport.push(`{"s":"AAPL","p":100}`)
	transport.push(`{"s":"AAPL","p":101}`)
	transport.push(`{"s":"AAPL","p":102}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count == 1
	}, waitFor, pollTick)

	client.Disconnect()
	close(release)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
	require.Equal(t, StateDisconnected, client.State())
}

func TestStateChangeListener(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	var mu sync.Mutex

	var states []ConnectionState

	client.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	client.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestCancelledListenerReceivesNoFurtherEvents(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	var mu sync.Mutex

	var count int

	reg := client.OnTick(func(Tick) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	client.Subscribe("AAPL")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	transport := feed.latest()
	transport.push(`{"s":"AAPL","p":100}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count == 1
	}, waitFor, pollTick)

	reg.Cancel()

	transport.push(`{"s":"AAPL","p":101}`)
	transport.push(`{"s":"AAPL","p":102}`)

	require.Eventually(t, func() bool {
		return client.Stats().TicksDispatched == 3
	}, waitFor, pollTick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestStatsCounters(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	client.Subscribe("AAPL", "MSFT")

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, waitFor, pollTick)

	transport := feed.latest()
	transport.push(`{"s":"AAPL","p":100}`)
	transport.push(`not json`)

	require.Eventually(t, func() bool {
		stats := client.Stats()

		return stats.TicksDispatched == 1 && stats.DecodeFailures == 1
	}, waitFor, pollTick)

	stats := client.Stats()
	require.Equal(t, StateConnected, stats.State)
	require.Equal(t, 2, stats.Symbols)
}

func TestInitialSymbolsFromConfig(t *testing.T) {
	feed := &fakeFeed{}
	cfg := testConfig()
	cfg.Symbols = []string{"AAPL", "MSFT"}
	client := newTestClient(t, cfg, feed)

	require.Equal(t, []string{"AAPL", "MSFT"}, client.Symbols())

	client.Connect()

	require.Eventually(t, func() bool {
		transport := feed.latest()
		if transport == nil {
			return false
		}

		cmds := transport.sentCommands()

		return len(cmds) == 1 && len(cmds[0].Symbols) == 2
	}, waitFor, pollTick)
}

func TestDefaultClientIsReplaceable(t *testing.T) {
	feed := &fakeFeed{}
	client := newTestClient(t, testConfig(), feed)

	prev := SetDefault(client)
	defer SetDefault(prev)

	require.Same(t, client, Default())
}

func TestDefaultClientIsLazilyCreated(t *testing.T) {
	prev := SetDefault(nil)
	defer SetDefault(prev)

	created := Default()
	require.NotNil(t, created)
	require.Equal(t, StateDisconnected, created.State())

	// Repeated calls return the same instance.
	require.Same(t, created, Default())
}
