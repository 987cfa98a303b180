package stream

import "time"

// Tick is one normalized price update for a symbol. Ticks are constructed per
// inbound frame, handed to listeners, and discarded; they are never persisted.
//
// Change, ChangePercent and Volume are always populated: when the upstream
// frame omits them they are derived from the last known price where possible
// and default to zero otherwise, so consumers get a stable shape.
type Tick struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Volume        float64
	Timestamp     time.Time
}
