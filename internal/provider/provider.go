package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/session"
)

var (
	// ErrNotConnected is returned by calls made while the feed has no live connection.
	ErrNotConnected = errors.New("provider not connected")
	// ErrTimeout is returned when a provider call exceeds its deadline.
	ErrTimeout = errors.New("provider call timed out")
)

// QuoteKind selects one of the streams the provider pushes for an instrument.
type QuoteKind string

const (
	KindTick   QuoteKind = "tick"
	KindBidAsk QuoteKind = "bidask"
)

// AllKinds lists every stream the pipeline subscribes to per instrument.
var AllKinds = []QuoteKind{KindTick, KindBidAsk}

// Snapshot is the point-in-time quote returned by a snapshot query.
type Snapshot struct {
	Code        string  `json:"code"`
	Close       float64 `json:"close"`
	BuyPrice    float64 `json:"buy_price"`
	SellPrice   float64 `json:"sell_price"`
	ChangeRate  float64 `json:"change_rate"`
	TotalVolume int64   `json:"total_volume"`
	TsMs        int64   `json:"ts"`
}

// KBar is one historical bar of an instrument, as the provider returns it.
type KBar struct {
	TsMs   int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Tick is a pushed trade.
type Tick struct {
	Code        string  `json:"code"`
	Close       float64 `json:"close"`
	ChangeRate  float64 `json:"change_rate"`
	TotalVolume int64   `json:"total_volume"`
	TsMs        int64   `json:"ts"`
}

// BidAsk is a pushed five-level depth update.
type BidAsk struct {
	Code      string    `json:"code"`
	BidPrice  []float64 `json:"bid_price"`
	AskPrice  []float64 `json:"ask_price"`
	BidVolume []int64   `json:"bid_volume"`
	AskVolume []int64   `json:"ask_volume"`
	TsMs      int64     `json:"ts"`
}

// Event carries exactly one of Tick or BidAsk.
type Event struct {
	Tick   *Tick
	BidAsk *BidAsk
}

// Code returns the instrument code of whichever payload is set.
func (e Event) Code() string {
	switch {
	case e.Tick != nil:
		return e.Tick.Code
	case e.BidAsk != nil:
		return e.BidAsk.Code
	default:
		return ""
	}
}

// Feed is an authenticated market-data connection.
type Feed interface {
	// Name returns the provider identifier
	Name() string

	// Start connects and keeps the connection alive until ctx is done.
	// An error means the feed never came up.
	Start(ctx context.Context) error

	// Catalog lists every tradable contract
	Catalog(ctx context.Context) ([]ladder.CatalogEntry, error)

	// Snapshots queries the current quote of each code. The call may fail
	// as a whole; callers bound it with a deadline.
	Snapshots(ctx context.Context, codes []string) ([]Snapshot, error)

	// KBars returns the historical bars of code between start and end, in
	// ascending time order.
	KBars(ctx context.Context, code string, start, end time.Time) ([]KBar, error)

	Subscribe(ctx context.Context, code string, kind QuoteKind) error
	Unsubscribe(ctx context.Context, code string, kind QuoteKind) error

	// Events delivers pushed ticks and depth updates
	Events() <-chan Event

	// Health returns current provider health status
	Health() Health

	Close() error
}

// SessionFeed is implemented by feeds that can also serve the daily session
// rows, so no separate export is needed.
type SessionFeed interface {
	Sessions() []session.Source
}

// Health represents the current status of a provider
type Health struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}

// SnapshotsWithin runs a snapshot query under its own deadline and reports a
// missed deadline as ErrTimeout.
func SnapshotsWithin(ctx context.Context, f Feed, codes []string, timeout time.Duration) ([]Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snaps, err := f.Snapshots(ctx, codes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %d codes", ErrTimeout, timeout, len(codes))
		}
		return nil, err
	}
	return snaps, nil
}

// Subscriber adapts a Feed to instrument-level subscription: every
// instrument gets both its tick and its depth stream.
type Subscriber struct {
	Feed Feed
}

func (s Subscriber) Subscribe(ctx context.Context, inst ladder.Instrument) error {
	for _, kind := range AllKinds {
		if err := s.Feed.Subscribe(ctx, inst.Code, kind); err != nil {
			return fmt.Errorf("subscribe %s %s: %w", inst.Code, kind, err)
		}
	}
	return nil
}

func (s Subscriber) Unsubscribe(ctx context.Context, inst ladder.Instrument) error {
	var errs []error
	for _, kind := range AllKinds {
		if err := s.Feed.Unsubscribe(ctx, inst.Code, kind); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s %s: %w", inst.Code, kind, err))
		}
	}
	return errors.Join(errs...)
}
