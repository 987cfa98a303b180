package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/pkg/errors"
)

// Registration is the handle returned when a listener is registered. Cancel
// removes the listener; once Cancel returns the listener receives no further
// events.
type Registration struct {
	cancel func()
}

// Cancel removes the listener. Safe to call more than once. Must not be
// called from inside a listener callback: delivery and removal are mutually
// exclusive, which is what makes the no-events-after-Cancel guarantee hold.
func (r Registration) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// listenerList is an ordered set of callbacks. Listeners are invoked in
// registration order while the lock is held, so removal never races delivery.
type listenerList[T any] struct {
	mu  sync.Mutex
	ids []string
	fns map[string]func(T)
}

func newListenerList[T any]() *listenerList[T] {
	return &listenerList[T]{
		fns: make(map[string]func(T)),
	}
}

func (l *listenerList[T]) add(fn func(T)) Registration {
	id := uuid.NewString()

	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.fns[id] = fn
	l.mu.Unlock()

	return Registration{cancel: func() { l.remove(id) }}
}

func (l *listenerList[T]) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.fns[id]; !ok {
		return
	}

	delete(l.fns, id)

	for i, candidate := range l.ids {
		if candidate == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)

			break
		}
	}
}

func (l *listenerList[T]) emit(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.ids {
		if fn, ok := l.fns[id]; ok {
			fn(value)
		}
	}
}

func (l *listenerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids = nil
	l.fns = make(map[string]func(T))
}

// dispatcher normalizes inbound frames and fans events out to listeners. It
// owns the last-known-price cache used to derive change fields the upstream
// feed omits.
type dispatcher struct {
	log *zap.Logger

	tickListeners  *listenerList[Tick]
	stateListeners *listenerList[ConnectionState]
	errorListeners *listenerList[error]

	priceMu   sync.Mutex
	lastPrice map[string]float64

	ticksDispatched atomic.Uint64
	decodeFailures  atomic.Uint64
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{
		log:            log,
		tickListeners:  newListenerList[Tick](),
		stateListeners: newListenerList[ConnectionState](),
		errorListeners: newListenerList[error](),
		lastPrice:      make(map[string]float64),
	}
}

// handleInbound decodes one raw upstream payload and routes it. Malformed
// payloads are counted, logged and dropped; they never interrupt the stream.
func (d *dispatcher) handleInbound(payload []byte) {
	frame, err := decodeInbound(payload)
	if err != nil {
		d.decodeFailures.Add(1)
		d.log.Warn("dropping malformed frame", zap.Error(err))

		return
	}

	if frame.isRejection() {
		d.emitError(errors.Newf(errors.ErrCodeUpstreamRejection, "upstream rejected request: %s", *frame.Error))

		return
	}

	tick := d.normalize(frame)

	d.ticksDispatched.Add(1)
	d.tickListeners.emit(tick)
}

// normalize fills in the fields the upstream frame omitted and updates the
// last-known-price cache.
//
// Change is derived from the cached previous price when absent; changePercent
// from change and the implied previous price, left at zero when the previous
// price was zero. Every field is populated afterwards so consumers see a
// stable shape.
func (d *dispatcher) normalize(frame *inboundFrame) Tick {
	symbol := canonicalSymbol(*frame.Symbol)
	price := *frame.Price

	tick := Tick{
		Symbol: symbol,
		Price:  price,
	}

	if frame.Change != nil {
		tick.Change = *frame.Change
	} else if prev := d.previousPrice(symbol); prev.IsSome() {
		tick.Change = price - prev.Unwrap()
	}

	if frame.ChangePercent != nil {
		tick.ChangePercent = *frame.ChangePercent
	} else if prevPrice := price - tick.Change; prevPrice != 0 {
		tick.ChangePercent = (tick.Change / prevPrice) * 100
	}

	if frame.Volume != nil {
		tick.Volume = *frame.Volume
	}

	if frame.Timestamp != nil {
		tick.Timestamp = time.UnixMilli(*frame.Timestamp)
	}

	d.priceMu.Lock()
	d.lastPrice[symbol] = price
	d.priceMu.Unlock()

	return tick
}

// previousPrice looks up the cached last price for a symbol.
func (d *dispatcher) previousPrice(symbol string) optional.Option[float64] {
	d.priceMu.Lock()
	defer d.priceMu.Unlock()

	if price, ok := d.lastPrice[symbol]; ok {
		return optional.Some(price)
	}

	return optional.None[float64]()
}

func (d *dispatcher) emitState(state ConnectionState) {
	d.stateListeners.emit(state)
}

func (d *dispatcher) emitError(err error) {
	d.log.Warn("stream error", zap.Error(err))
	d.errorListeners.emit(err)
}

// clear drops all listeners and the price cache. Used by Client.Close for
// test teardown and page-unload scenarios.
func (d *dispatcher) clear() {
	d.tickListeners.clear()
	d.stateListeners.clear()
	d.errorListeners.clear()

	d.priceMu.Lock()
	d.lastPrice = make(map[string]float64)
	d.priceMu.Unlock()
}
