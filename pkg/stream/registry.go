package stream

import (
	"sort"
	"strings"
	"sync"
)

// frameSender abstracts the connection manager for the registry: frames handed
// to it are delivered upstream when connected and dropped otherwise, because
// the full desired set is re-sent on every successful connect.
type frameSender interface {
	SendFrame(payload []byte)
}

// subscriptionRegistry is the single source of truth for which symbols should
// be subscribed upstream, independent of connection state. Interest is
// reference counted per symbol: several consumers asking for the same symbol
// collapse into one upstream subscription, and the upstream unsubscribe frame
// goes out only when the last consumer releases the symbol.
type subscriptionRegistry struct {
	mu     sync.Mutex
	refs   map[string]int
	sender frameSender
}

func newSubscriptionRegistry(sender frameSender) *subscriptionRegistry {
	return &subscriptionRegistry{
		refs:   make(map[string]int),
		sender: sender,
	}
}

// canonicalSymbol normalizes consumer input to the uppercase, trimmed form
// used on the wire.
func canonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// subscribe registers interest in the given symbols and emits one upstream
// subscribe frame covering the symbols that were not subscribed before.
func (r *subscriptionRegistry) subscribe(symbols []string) {
	r.mu.Lock()

	var added []string

	for _, symbol := range symbols {
		symbol = canonicalSymbol(symbol)
		if symbol == "" {
			continue
		}

		r.refs[symbol]++
		if r.refs[symbol] == 1 {
			added = append(added, symbol)
		}
	}

	r.mu.Unlock()

	if len(added) == 0 {
		return
	}

	if payload, err := encodeCommand(actionSubscribe, added); err == nil {
		r.sender.SendFrame(payload)
	}
}

// unsubscribe releases interest in the given symbols and emits one upstream
// unsubscribe frame covering the symbols whose reference count reached zero.
// Releasing a symbol that was never subscribed is a no-op.
func (r *subscriptionRegistry) unsubscribe(symbols []string) {
	r.mu.Lock()

	var released []string

	for _, symbol := range symbols {
		symbol = canonicalSymbol(symbol)

		count, ok := r.refs[symbol]
		if !ok {
			continue
		}

		if count <= 1 {
			delete(r.refs, symbol)
			released = append(released, symbol)
		} else {
			r.refs[symbol] = count - 1
		}
	}

	r.mu.Unlock()

	if len(released) == 0 {
		return
	}

	if payload, err := encodeCommand(actionUnsubscribe, released); err == nil {
		r.sender.SendFrame(payload)
	}
}

// snapshot returns the current desired symbols in sorted order. Used to
// re-send the full set after a reconnect.
func (r *subscriptionRegistry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := make([]string, 0, len(r.refs))
	for symbol := range r.refs {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	return symbols
}

// size returns the number of distinct subscribed symbols.
func (r *subscriptionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.refs)
}
