package stream

import (
	"encoding/json"

	"github.com/finsight/marketstream/pkg/errors"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// commandFrame is the outbound subscribe/unsubscribe message.
type commandFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

func encodeCommand(action string, symbols []string) ([]byte, error) {
	data, err := json.Marshal(commandFrame{Action: action, Symbols: symbols})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDecodeFailed, err, "failed to encode %s frame", action)
	}

	return data, nil
}

// inboundFrame is a decoded upstream message. Tick fields use the feed's short
// keys; pointers distinguish absent fields from zero values so normalization
// can tell the difference. A frame carrying Error is a provider rejection.
type inboundFrame struct {
	Symbol        *string  `json:"s"`
	Price         *float64 `json:"p"`
	Change        *float64 `json:"ch"`
	ChangePercent *float64 `json:"chp"`
	Volume        *float64 `json:"v"`
	Timestamp     *int64   `json:"t"` // Unix milliseconds
	Error         *string  `json:"error"`
}

// isTick reports whether the frame carries the minimum fields of a price
// update. Symbol and price are mandatory; everything else is derivable.
func (f *inboundFrame) isTick() bool {
	return f.Symbol != nil && *f.Symbol != "" && f.Price != nil
}

// isRejection reports whether the frame is a provider-side error message.
func (f *inboundFrame) isRejection() bool {
	return f.Error != nil && *f.Error != ""
}

// decodeInbound parses a raw upstream payload. Payloads that are not JSON
// objects, or that carry neither a tick nor an error shape, yield a
// malformed-frame error; the caller logs and drops them without touching the
// connection.
func decodeInbound(payload []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDecodeFailed, "failed to decode inbound frame", err)
	}

	if !frame.isTick() && !frame.isRejection() {
		return nil, errors.Newf(errors.ErrCodeMalformedFrame, "inbound frame is neither a tick nor an error: %s", string(payload))
	}

	return &frame, nil
}
