package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/marketstate"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/session"
	"github.com/optstream/optstream/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFeed struct {
	mu         sync.Mutex
	catalog    []ladder.CatalogEntry
	catalogErr error
	kbars      []provider.KBar
	kbarsErr   error
	snaps      map[string]provider.Snapshot
	failCodes  map[string]bool
	batches    [][]string
	spans      [][2]time.Time
	delay      time.Duration
	subs       map[string]int
	events     chan provider.Event
}

func newFakeFeed() *fakeFeed {
	f := &fakeFeed{
		catalog: []ladder.CatalogEntry{
			{Code: "TXFR1", Category: "TXF", DeliveryMonth: "202506"},
			{Code: "001", Category: "IDX"},
		},
		snaps: map[string]provider.Snapshot{
			"TXFR1": {Code: "TXFR1", Close: 22050},
			"MX4R1": {Code: "MX4R1", Close: 22040},
			"001":   {Code: "001", Close: 21900},
		},
		kbars: []provider.KBar{
			{TsMs: time.Date(2025, 5, 30, 9, 0, 0, 0, cst).UnixMilli(), Open: 21810, High: 21900, Low: 21800, Close: 21880, Volume: 100},
			{TsMs: time.Date(2025, 5, 30, 13, 0, 0, 0, cst).UnixMilli(), Open: 21880, High: 21950, Low: 21700, Close: 21720, Volume: 50},
		},
		failCodes: make(map[string]bool),
		subs:      make(map[string]int),
		events:    make(chan provider.Event, 16),
	}
	for k := 21000.0; k <= 23000; k += 100 {
		for _, code := range []string{callCode(k), putCode(k)} {
			f.catalog = append(f.catalog, ladder.CatalogEntry{Code: code, Category: "TXO", DeliveryMonth: "202506"})
			f.snaps[code] = provider.Snapshot{Code: code, Close: 50, BuyPrice: 49, SellPrice: 51, ChangeRate: 1.5, TotalVolume: 12}
		}
	}
	return f
}

var cst = time.FixedZone("CST", 8*60*60)

func callCode(k float64) string { return fmt.Sprintf("TXO%05.0fF5", k) }
func putCode(k float64) string  { return fmt.Sprintf("TXO%05.0fR5", k) }

func (f *fakeFeed) Name() string                  { return "fake" }
func (f *fakeFeed) Start(context.Context) error   { return nil }
func (f *fakeFeed) Events() <-chan provider.Event { return f.events }
func (f *fakeFeed) Health() provider.Health       { return provider.Health{Healthy: true} }
func (f *fakeFeed) Close() error                  { return nil }

func (f *fakeFeed) Catalog(context.Context) ([]ladder.CatalogEntry, error) {
	return f.catalog, f.catalogErr
}

func (f *fakeFeed) KBars(_ context.Context, code string, start, end time.Time) ([]provider.KBar, error) {
	if f.kbarsErr != nil {
		return nil, f.kbarsErr
	}
	if code != "TXFR1" || !start.Before(end) {
		return nil, fmt.Errorf("unexpected kbar query %s %s..%s", code, start, end)
	}
	return f.kbars, nil
}

func (f *fakeFeed) Snapshots(_ context.Context, codes []string) ([]provider.Snapshot, error) {
	start := time.Now()
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), codes...))
	f.spans = append(f.spans, [2]time.Time{start, time.Now()})

	var out []provider.Snapshot
	for _, c := range codes {
		if f.failCodes[c] {
			return nil, errors.New("provider busy")
		}
		if s, ok := f.snaps[c]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeFeed) Subscribe(_ context.Context, code string, kind provider.QuoteKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[code+"/"+string(kind)]++
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, code string, kind provider.QuoteKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, code+"/"+string(kind))
	return nil
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type published struct {
	event string
	body  string
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *capturePublisher) Publish(_ context.Context, event string, payload any) error {
	raw, err := publish.Encode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{event: event, body: string(raw)})
	return nil
}

func (p *capturePublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.event
	}
	return out
}

func (p *capturePublisher) last(event string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].event == event {
			return p.msgs[i].body
		}
	}
	return ""
}

func (p *capturePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

func testSessions() []session.Source {
	bid := 10.0
	last := 11.0
	return []session.Source{
		session.NewStaticSource("day", []session.ChainRow{{Expiration: "2025/06/18", Strike: 22000, Right: "C", Bid: &bid}}),
		session.NewStaticSource("night", []session.ChainRow{{Expiration: "2025/06/18", Strike: 22000, Right: "C", Last: &last}}),
	}
}

func testConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.Window = window.Config{CallCount: 2, PutCount: 2}
	cfg.BatchSize = 3
	cfg.BatchPause = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }
	return cfg
}

func newTestPipeline(t *testing.T, feed *fakeFeed) (*Pipeline, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	p := NewPipeline(feed, testSessions(), pub, zap.NewNop().Sugar(), nil, testConfig())
	require.NoError(t, p.Bootstrap(context.Background()))
	return p, pub
}

func TestBootstrapPublishesStartupSequence(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)

	assert.Equal(t, []string{
		publish.EventDailySnap,
		publish.EventFutKbars,
		publish.EventExpirationData,
		publish.EventMarketInfo,
		publish.EventPriceUpdate,
	}, pub.events())

	assert.JSONEq(t,
		`{"chainRows":[{"expiration":"2025/06/18","strike":22000,"cp":"C","bid":10,"last":11}]}`,
		pub.last(publish.EventDailySnap))
	assert.JSONEq(t,
		fmt.Sprintf(`{"kbars":[{"ts":%d,"Open":21810,"High":21950,"Low":21700,"Close":21720,"Volume":150}]}`,
			time.Date(2025, 5, 30, 9, 0, 0, 0, cst).UnixMilli()),
		pub.last(publish.EventFutKbars))
	assert.JSONEq(t,
		`{"TSE":{"last":21900},"TXF":{"bid":null,"ask":null,"last":22050}}`,
		pub.last(publish.EventMarketInfo),
		"core snapshots never set the mini-future")
	assert.Contains(t, pub.last(publish.EventPriceUpdate), `"price":22050`)

	update, ok := p.LastPriceUpdate()
	require.True(t, ok)
	assert.Equal(t, testConfig().Now().UnixMilli(), update.Ts, "ts is epoch milliseconds")
	assert.JSONEq(t, `{"ts":1748854800000,"price":22050}`, pub.last(publish.EventPriceUpdate))

	info, ok := p.MarketInfo()
	require.True(t, ok)
	assert.JSONEq(t, pub.last(publish.EventMarketInfo), string(info))

	assert.Equal(t, "2025/06/18", p.DefaultExpiration())
	price, ok := p.ReferencePrice()
	require.True(t, ok)
	assert.Equal(t, 22050.0, price)

	data := p.ExpirationData(price)
	assert.Equal(t, []string{"2025/06/18"}, data.Expirations)
	assert.Len(t, data.StrikesByExpiration["2025/06/18"], 21)
	assert.Equal(t, []float64{21900, 22000, 22100, 22200}, data.DefaultSubsetByExpiration["2025/06/18"])

	_, ok = p.Index().Lookup("MX4R1")
	assert.True(t, ok, "core aliases missing from the catalog are still indexed")
	assert.Equal(t, 6, feed.subscriptions(), "three core codes, two streams each")
}

func TestBootstrapSurvivesMissingKbars(t *testing.T) {
	feed := newFakeFeed()
	feed.kbarsErr = errors.New("history unavailable")
	_, pub := newTestPipeline(t, feed)

	assert.NotContains(t, pub.events(), publish.EventFutKbars)
	assert.Contains(t, pub.events(), publish.EventPriceUpdate)
}

func TestBootstrapFailures(t *testing.T) {
	tests := []struct {
		name     string
		sessions []session.Source
		mutate   func(f *fakeFeed)
		wantErr  error
	}{
		{
			name:     "no sessions",
			sessions: []session.Source{},
			wantErr:  ErrNoSessions,
		},
		{
			name:     "empty session",
			sessions: []session.Source{session.NewStaticSource("day", nil)},
			wantErr:  session.ErrNoRows,
		},
		{
			name:   "catalog error",
			mutate: func(f *fakeFeed) { f.catalogErr = errors.New("login expired") },
		},
		{
			name: "no options listed",
			mutate: func(f *fakeFeed) {
				f.catalog = f.catalog[:2]
			},
			wantErr: ErrEmptyCatalog,
		},
		{
			name:   "core snapshot fails",
			mutate: func(f *fakeFeed) { f.failCodes["TXFR1"] = true },
		},
		{
			name:    "no future quote",
			mutate:  func(f *fakeFeed) { delete(f.snaps, "TXFR1") },
			wantErr: ErrNoReferencePrice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := newFakeFeed()
			if tt.mutate != nil {
				tt.mutate(feed)
			}
			sessions := tt.sessions
			if sessions == nil {
				sessions = testSessions()
			}
			p := NewPipeline(feed, sessions, &capturePublisher{}, zap.NewNop().Sugar(), nil, testConfig())
			err := p.Bootstrap(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMaintainSubscribesWindowOnce(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)
	pub.reset()
	ctx := context.Background()

	change := p.Maintain(ctx)
	assert.Len(t, change.Added, 8)
	assert.Equal(t, []string{publish.EventExpirationData}, pub.events())
	assert.Equal(t, 6+16, feed.subscriptions())

	change = p.Maintain(ctx)
	assert.Empty(t, change.Added)
	assert.Len(t, pub.events(), 1, "unchanged window republishes nothing")
}

func TestMaintainFollowsReferencePrice(t *testing.T) {
	feed := newFakeFeed()
	p, _ := newTestPipeline(t, feed)
	ctx := context.Background()
	p.Maintain(ctx)

	p.HandleEvent(ctx, provider.Event{Tick: &provider.Tick{Code: "TXFR1", Close: 22450}})
	change := p.Maintain(ctx)

	assert.Equal(t, []string{
		callCode(22300), putCode(22300), callCode(22400), putCode(22400),
		callCode(22500), putCode(22500), callCode(22600), putCode(22600),
	}, change.Added)
	assert.Equal(t, 16, p.Manager().Len(), "instruments that left the window stay subscribed")
}

func TestHandleCoreEvents(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)
	pub.reset()
	ctx := context.Background()

	p.HandleEvent(ctx, provider.Event{Tick: &provider.Tick{Code: "TXFR1", Close: 22060}})
	assert.Equal(t, []string{publish.EventPriceUpdate, publish.EventMarketInfo}, pub.events())
	price, _ := p.ReferencePrice()
	assert.Equal(t, 22060.0, price)

	pub.reset()
	p.HandleEvent(ctx, provider.Event{BidAsk: &provider.BidAsk{
		Code:     "MX4R1",
		BidPrice: []float64{22001, 22000},
		AskPrice: []float64{22002, 22003},
	}})
	assert.Equal(t, []string{publish.EventMarketInfo}, pub.events())
	last, ok := p.differ.Last(marketstate.TagMiniFuture)
	require.True(t, ok)
	assert.Equal(t, 22002.0, last)

	pub.reset()
	p.HandleEvent(ctx, provider.Event{Tick: &provider.Tick{Code: "MX4R1", Close: 1}})
	assert.Empty(t, pub.events(), "mini-future trade prints do not change state")
}

func TestHandleOptionEvents(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)
	pub.reset()
	ctx := context.Background()

	p.HandleEvent(ctx, provider.Event{Tick: &provider.Tick{
		Code: callCode(22000), Close: 152.5, ChangeRate: -3.2, TotalVolume: 812,
	}})
	assert.JSONEq(t,
		`{"code":"TXO22000F5","strike":22000,"expiration":"2025/06/18","cp":"C","last":152.5,"change_rate":-3.2,"total_volume":812}`,
		pub.last(publish.EventOptionData))

	p.HandleEvent(ctx, provider.Event{BidAsk: &provider.BidAsk{
		Code:      putCode(22000),
		BidPrice:  []float64{10, 9.5, 0},
		AskPrice:  []float64{10.5},
		BidVolume: []int64{3, 4, 5},
	}})
	assert.JSONEq(t, `{
		"code":"TXO22000R5","strike":22000,"expiration":"2025/06/18","cp":"P",
		"bid1":10,"bid2":9.5,"bid3":null,"bid4":null,"bid5":null,
		"ask1":10.5,"ask2":null,"ask3":null,"ask4":null,"ask5":null,
		"bid_volume":[3,4,5],"ask_volume":[]
	}`, pub.last(publish.EventBidAskData))

	pub.reset()
	p.HandleEvent(ctx, provider.Event{Tick: &provider.Tick{Code: "UNLISTED", Close: 1}})
	p.HandleEvent(ctx, provider.Event{})
	assert.Empty(t, pub.events())
}

func TestReconcileSkipsFailedBatch(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)
	ctx := context.Background()
	p.Maintain(ctx)

	codes := p.Manager().Codes()
	require.Len(t, codes, 8)
	feed.failCodes[codes[0]] = true

	feed.mu.Lock()
	feed.batches = nil
	feed.mu.Unlock()
	pub.reset()

	p.Reconcile(ctx)

	feed.mu.Lock()
	batches := feed.batches
	feed.mu.Unlock()
	require.Len(t, batches, 4, "one core snapshot then three option batches")
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[3], 2)

	var options, quotes int
	for _, ev := range pub.events() {
		switch ev {
		case publish.EventOptionData:
			options++
		case publish.EventBidAskData:
			quotes++
		}
	}
	assert.Equal(t, 5, options, "the failed batch is skipped, the rest published")
	assert.Equal(t, 5, quotes)
	assert.JSONEq(t,
		fmt.Sprintf(`{"code":%q,"strike":22200,"expiration":"2025/06/18","cp":"P","bid1":49,"ask1":51}`, codes[7]),
		pub.last(publish.EventBidAskData))
}

func TestReconcilePausesAfterEachBatch(t *testing.T) {
	feed := newFakeFeed()
	cfg := testConfig()
	cfg.BatchPause = 30 * time.Millisecond
	p := NewPipeline(feed, testSessions(), &capturePublisher{}, zap.NewNop().Sugar(), nil, cfg)
	ctx := context.Background()
	require.NoError(t, p.Bootstrap(ctx))
	p.Maintain(ctx)

	feed.mu.Lock()
	feed.spans = nil
	feed.delay = 20 * time.Millisecond
	feed.mu.Unlock()

	p.Reconcile(ctx)

	feed.mu.Lock()
	spans := feed.spans
	feed.mu.Unlock()
	require.Len(t, spans, 4, "one core snapshot then three option batches")
	for i := 2; i < len(spans); i++ {
		gap := spans[i][0].Sub(spans[i-1][1])
		assert.GreaterOrEqual(t, gap, cfg.BatchPause, "batch %d started %s after the previous one finished", i, gap)
	}
}

func TestReconcileAnnouncesReferenceChange(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)
	pub.reset()
	ctx := context.Background()

	p.Reconcile(ctx)
	assert.Empty(t, pub.events(), "unchanged core snapshot publishes nothing")

	feed.mu.Lock()
	feed.snaps["TXFR1"] = provider.Snapshot{Code: "TXFR1", Close: 22070}
	feed.mu.Unlock()
	p.Reconcile(ctx)
	assert.Equal(t, []string{publish.EventPriceUpdate, publish.EventMarketInfo}, pub.events())
}

func TestSnapshotInstrumentFallsBackToDefaultExpiration(t *testing.T) {
	feed := newFakeFeed()
	p, _ := newTestPipeline(t, feed)

	inst := p.snapshotInstrument("TXO23500G5")
	assert.Equal(t, 23500.0, inst.Strike)
	assert.Equal(t, ladder.RightCall, inst.Right)
	assert.Equal(t, "2025/06/18", inst.Expiration)
}

func TestRunAndShutdown(t *testing.T) {
	feed := newFakeFeed()
	p, pub := newTestPipeline(t, feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	feed.events <- provider.Event{Tick: &provider.Tick{Code: callCode(22100), Close: 80}}
	assert.Eventually(t, func() bool {
		return p.Manager().Len() == 8 && pub.last(publish.EventOptionData) != ""
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, feed.subscriptions())
	assert.Equal(t, 0, p.Manager().Len())
}
