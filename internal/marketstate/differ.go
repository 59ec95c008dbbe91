package marketstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/internal/publish"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tag names one core instrument in the marketInfo payload.
type Tag string

const (
	TagFuture     Tag = "TXF"
	TagMiniFuture Tag = "MXF"
	TagIndex      Tag = "TSE"
)

// TagOf maps an instrument class to its marketInfo tag.
func TagOf(class ladder.Class) (Tag, bool) {
	switch class {
	case ladder.ClassFuture:
		return TagFuture, true
	case ladder.ClassMiniFuture:
		return TagMiniFuture, true
	case ladder.ClassIndex:
		return TagIndex, true
	default:
		return "", false
	}
}

// Update is a partial change to one record. Nil fields are left untouched.
type Update struct {
	Bid  *float64
	Ask  *float64
	Last *float64
}

// Record is the current quote of one tag.
type Record struct {
	Bid  *float64 `json:"bid"`
	Ask  *float64 `json:"ask"`
	Last *float64 `json:"last"`
}

type indexRecord struct {
	Last *float64 `json:"last"`
}

// emptyState is what consumers hold before the first marketInfo, so an
// untouched differ has nothing to publish.
var emptyState = []byte("{}")

// Differ owns the per-tag market state and publishes marketInfo only when
// the serialized map changes.
type Differ struct {
	pub     publish.Publisher
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    map[Tag]*Record
	lastSent []byte
}

func NewDiffer(pub publish.Publisher, logger *zap.SugaredLogger, m *metrics.Metrics) *Differ {
	return &Differ{
		pub:      pub,
		logger:   logger,
		metrics:  m,
		state:    make(map[Tag]*Record),
		lastSent: emptyState,
	}
}

// Apply merges u into the tag's record.
//
// Zero bid/ask are treated as "no quote" and ignored. The mini-future never
// takes a trade price: its last is the banker's-rounded mid of the update's
// bid and ask, or the integer part of whichever side is present.
func (d *Differ) Apply(tag Tag, u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.state[tag]
	if !ok {
		rec = &Record{}
		d.state[tag] = rec
	}

	bid, ask := nonZero(u.Bid), nonZero(u.Ask)
	if bid != nil {
		rec.Bid = bid
	}
	if ask != nil {
		rec.Ask = ask
	}

	if tag == TagMiniFuture {
		if last, ok := syntheticLast(bid, ask); ok {
			rec.Last = &last
		}
		return
	}
	if u.Last != nil {
		last := *u.Last
		rec.Last = &last
	}
}

func syntheticLast(bid, ask *float64) (float64, bool) {
	switch {
	case bid != nil && ask != nil:
		mid := decimal.NewFromFloat(*bid).
			Add(decimal.NewFromFloat(*ask)).
			Div(decimal.NewFromInt(2)).
			RoundBank(0)
		return float64(mid.IntPart()), true
	case bid != nil:
		return float64(int64(*bid)), true
	case ask != nil:
		return float64(int64(*ask)), true
	default:
		return 0, false
	}
}

func nonZero(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	x := *v
	return &x
}

// Flush publishes marketInfo if the state changed since the last successful
// flush. A failed publish leaves the last-sent state alone so the next flush
// tries again.
func (d *Differ) Flush(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.encode()
	if err != nil {
		return false, fmt.Errorf("encode market state: %w", err)
	}
	if bytes.Equal(data, d.lastSent) {
		d.metrics.RecordFlushSuppressed(ctx)
		return false, nil
	}

	if err := d.pub.Publish(ctx, publish.EventMarketInfo, json.RawMessage(data)); err != nil {
		return false, fmt.Errorf("publish market state: %w", err)
	}
	d.lastSent = data
	d.logger.Debugw("Published market state", "tags", len(d.state))
	return true, nil
}

// encode serializes the whole map. The index tag carries no bid/ask.
// Must hold d.mu.
func (d *Differ) encode() ([]byte, error) {
	view := make(map[Tag]any, len(d.state))
	for tag, rec := range d.state {
		if tag == TagIndex {
			view[tag] = indexRecord{Last: rec.Last}
			continue
		}
		view[tag] = *rec
	}
	return json.Marshal(view)
}

// View returns the marketInfo payload for the current state, encoded the
// same way Flush publishes it. ok is false while no tag has been applied.
func (d *Differ) View() (json.RawMessage, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.state) == 0 {
		return nil, false, nil
	}
	data, err := d.encode()
	if err != nil {
		return nil, false, fmt.Errorf("encode market state: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Snapshot copies the current state.
func (d *Differ) Snapshot() map[Tag]Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[Tag]Record, len(d.state))
	for tag, rec := range d.state {
		out[tag] = *rec
	}
	return out
}

// Last returns the last price of a tag.
func (d *Differ) Last(tag Tag) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.state[tag]
	if !ok || rec.Last == nil {
		return 0, false
	}
	return *rec.Last, true
}
