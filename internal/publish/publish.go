package publish

import (
	"context"
	"encoding/json"
	"time"
)

// Downstream event names. Consumers key on these strings.
const (
	EventDailySnap      = "dailySnap"
	EventFutKbars       = "futKbars"
	EventExpirationData = "expirationData"
	EventPriceUpdate    = "priceUpdate"
	EventMarketInfo     = "marketInfo"
	EventOptionData     = "optionData"
	EventBidAskData     = "bidAskData"
)

// AllEvents lists every downstream event in replay order.
var AllEvents = []string{
	EventDailySnap,
	EventFutKbars,
	EventExpirationData,
	EventPriceUpdate,
	EventMarketInfo,
	EventOptionData,
	EventBidAskData,
}

// Replayable reports whether the latest payload of an event describes full
// state, so a late subscriber can start from it.
func Replayable(event string) bool {
	switch event {
	case EventDailySnap, EventFutKbars, EventExpirationData, EventMarketInfo, EventPriceUpdate:
		return true
	default:
		return false
	}
}

// Publisher is the fire-and-forget publish capability used by the pipeline.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Message is one serialized event as handed to sinks.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"at"`
}

// Sink delivers messages to one downstream transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Encode marshals a payload. json.RawMessage and []byte payloads are used as-is.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
