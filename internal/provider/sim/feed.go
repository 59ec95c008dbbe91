package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/session"
	"go.uber.org/zap"
)

type Config struct {
	BasePrice  float64
	Volatility float64
	// StrikeStep and StrikesPerSide shape each synthetic ladder around BasePrice.
	StrikeStep     float64
	StrikesPerSide int
	Months         int
	TickInterval   time.Duration

	FutureCode     string
	MiniFutureCode string
	IndexCode      string

	Seed int64
	Now  func() time.Time
}

func DefaultConfig() Config {
	return Config{
		BasePrice:      22000,
		Volatility:     0.0005,
		StrikeStep:     100,
		StrikesPerSide: 40,
		Months:         2,
		TickInterval:   500 * time.Millisecond,
		FutureCode:     "TXFR1",
		MiniFutureCode: "MX4R1",
		IndexCode:      "001",
		Now:            time.Now,
	}
}

type subscription struct {
	code string
	kind provider.QuoteKind
}

type contract struct {
	entry  ladder.CatalogEntry
	class  ladder.Class
	right  ladder.Right
	strike float64
	volume int64
}

// Feed is a self-contained provider producing a synthetic option chain that
// moves with a random-walk underlying. It serves local runs and tests.
type Feed struct {
	cfg    Config
	logger *zap.SugaredLogger
	events chan provider.Event

	mu        sync.RWMutex
	rng       *rand.Rand
	price     float64
	prevClose float64
	contracts map[string]*contract
	codes     []string
	subs      map[subscription]struct{}
	health    provider.Health

	stop context.CancelFunc
	done chan struct{}
}

var (
	_ provider.Feed        = (*Feed)(nil)
	_ provider.SessionFeed = (*Feed)(nil)
)

func NewFeed(cfg Config, logger *zap.SugaredLogger) *Feed {
	def := DefaultConfig()
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = def.BasePrice
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = def.Volatility
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = def.StrikeStep
	}
	if cfg.StrikesPerSide <= 0 {
		cfg.StrikesPerSide = def.StrikesPerSide
	}
	if cfg.Months <= 0 {
		cfg.Months = def.Months
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Now().UnixNano()
	}

	f := &Feed{
		cfg:       cfg,
		logger:    logger,
		events:    make(chan provider.Event, 1024),
		rng:       rand.New(rand.NewSource(seed)),
		price:     cfg.BasePrice,
		prevClose: cfg.BasePrice,
		contracts: make(map[string]*contract),
		subs:      make(map[subscription]struct{}),
		health: provider.Health{
			Healthy:     true,
			LastSuccess: cfg.Now(),
		},
	}
	f.buildCatalog()
	return f
}

// Name returns the provider identifier
func (f *Feed) Name() string {
	return "sim"
}

// Health returns current provider health status
func (f *Feed) Health() provider.Health {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.health
}

func (f *Feed) Events() <-chan provider.Event {
	return f.events
}

// OptionCode formats a TAIFEX option code: product, five strike digits, the
// month letter (A-L calls, M-X puts) and the last digit of the year.
func OptionCode(product string, strike float64, right ladder.Right, month time.Month, year int) string {
	letter := byte('A') + byte(month-1)
	if right == ladder.RightPut {
		letter = byte('M') + byte(month-1)
	}
	return fmt.Sprintf("%s%05d%c%d", product, int(strike), letter, year%10)
}

func (f *Feed) buildCatalog() {
	now := f.cfg.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	frontMonth := first.Format("200601")

	add := func(c *contract) {
		f.contracts[c.entry.Code] = c
		f.codes = append(f.codes, c.entry.Code)
	}
	add(&contract{entry: ladder.CatalogEntry{Code: f.cfg.FutureCode, Category: "TXF", DeliveryMonth: frontMonth}, class: ladder.ClassFuture})
	add(&contract{entry: ladder.CatalogEntry{Code: f.cfg.MiniFutureCode, Category: "MXF", DeliveryMonth: frontMonth}, class: ladder.ClassMiniFuture})
	add(&contract{entry: ladder.CatalogEntry{Code: f.cfg.IndexCode, Category: "IDX"}, class: ladder.ClassIndex})

	center := math.Round(f.cfg.BasePrice/f.cfg.StrikeStep) * f.cfg.StrikeStep
	for m := 0; m < f.cfg.Months; m++ {
		month := first.AddDate(0, m, 0)
		delivery := month.Format("200601")
		for k := -f.cfg.StrikesPerSide; k <= f.cfg.StrikesPerSide; k++ {
			strike := center + float64(k)*f.cfg.StrikeStep
			if strike <= 0 {
				continue
			}
			for _, right := range []ladder.Right{ladder.RightCall, ladder.RightPut} {
				code := OptionCode("TXO", strike, right, month.Month(), month.Year())
				add(&contract{
					entry:  ladder.CatalogEntry{Code: code, Category: "TXO", DeliveryMonth: delivery},
					class:  ladder.ClassOption,
					right:  right,
					strike: strike,
				})
			}
		}
	}
	sort.Strings(f.codes)
}

// Start begins the random walk and pushes updates for subscribed streams.
func (f *Feed) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.stop = cancel
	f.done = make(chan struct{})

	f.logger.Infow("Starting simulated feed",
		"basePrice", f.cfg.BasePrice,
		"contracts", len(f.codes),
		"interval", f.cfg.TickInterval,
	)

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Step()
				f.emit(ctx)
			}
		}
	}()
	return nil
}

func (f *Feed) Close() error {
	if f.stop != nil {
		f.stop()
		<-f.done
	}
	return nil
}

// Step advances the underlying by one random move. Exposed so tests can
// drive the walk without a ticker.
func (f *Feed) Step() {
	f.mu.Lock()
	defer f.mu.Unlock()

	change := f.rng.NormFloat64() * f.cfg.Volatility
	if f.rng.Float64() < 0.1 {
		change += (f.rng.Float64() - 0.5) * f.cfg.Volatility * 2
	}
	maxChange := f.cfg.Volatility * 5
	change = math.Max(-maxChange, math.Min(maxChange, change))

	f.price *= 1 + change
	minPrice, maxPrice := f.cfg.BasePrice*0.5, f.cfg.BasePrice*1.5
	f.price = math.Max(minPrice, math.Min(maxPrice, f.price))
	f.health.LastSuccess = f.cfg.Now()
}

// Price returns the current underlying level.
func (f *Feed) Price() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price
}

func (f *Feed) emit(ctx context.Context) {
	f.mu.Lock()
	var out []provider.Event
	for s := range f.subs {
		c, ok := f.contracts[s.code]
		if !ok {
			continue
		}
		switch s.kind {
		case provider.KindTick:
			c.volume += int64(1 + f.rng.Intn(5))
			t := f.tickLocked(c)
			out = append(out, provider.Event{Tick: &t})
		case provider.KindBidAsk:
			ba := f.depthLocked(c)
			out = append(out, provider.Event{BidAsk: &ba})
		}
	}
	f.mu.Unlock()

	for _, ev := range out {
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		default:
			// consumer is behind; the next step supersedes this one
		}
	}
}

// fairLocked prices a contract off the current underlying. Must hold f.mu.
func (f *Feed) fairLocked(c *contract) float64 {
	switch c.class {
	case ladder.ClassOption:
		var intrinsic float64
		if c.right == ladder.RightCall {
			intrinsic = math.Max(f.price-c.strike, 0)
		} else {
			intrinsic = math.Max(c.strike-f.price, 0)
		}
		timeValue := 150 * math.Exp(-math.Abs(f.price-c.strike)/800)
		return math.Max(1, math.Round((intrinsic+timeValue)*10)/10)
	case ladder.ClassIndex:
		return math.Round((f.price-40)*100) / 100
	default:
		return math.Round(f.price)
	}
}

func (f *Feed) tickSize(c *contract) float64 {
	if c.class == ladder.ClassOption {
		return 0.5
	}
	return 1
}

func (f *Feed) changeRateLocked(c *contract) float64 {
	ref := f.prevClose
	if c.class == ladder.ClassOption {
		return 0
	}
	return math.Round((f.price-ref)/ref*10000) / 100
}

func (f *Feed) tickLocked(c *contract) provider.Tick {
	return provider.Tick{
		Code:        c.entry.Code,
		Close:       f.fairLocked(c),
		ChangeRate:  f.changeRateLocked(c),
		TotalVolume: c.volume,
		TsMs:        f.cfg.Now().UnixMilli(),
	}
}

func (f *Feed) depthLocked(c *contract) provider.BidAsk {
	fair := f.fairLocked(c)
	step := f.tickSize(c)
	ba := provider.BidAsk{
		Code:      c.entry.Code,
		BidPrice:  make([]float64, 5),
		AskPrice:  make([]float64, 5),
		BidVolume: make([]int64, 5),
		AskVolume: make([]int64, 5),
		TsMs:      f.cfg.Now().UnixMilli(),
	}
	for i := 0; i < 5; i++ {
		bid := fair - step*float64(i+1)
		if bid > 0 {
			ba.BidPrice[i] = bid
			ba.BidVolume[i] = int64(1 + f.rng.Intn(50))
		}
		ba.AskPrice[i] = fair + step*float64(i+1)
		ba.AskVolume[i] = int64(1 + f.rng.Intn(50))
	}
	return ba
}

func (f *Feed) Catalog(ctx context.Context) ([]ladder.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]ladder.CatalogEntry, 0, len(f.codes))
	for _, code := range f.codes {
		out = append(out, f.contracts[code].entry)
	}
	return out, nil
}

// Snapshots skips unknown codes, like a real provider does.
func (f *Feed) Snapshots(ctx context.Context, codes []string) ([]provider.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]provider.Snapshot, 0, len(codes))
	for _, code := range codes {
		c, ok := f.contracts[code]
		if !ok {
			continue
		}
		fair := f.fairLocked(c)
		step := f.tickSize(c)
		out = append(out, provider.Snapshot{
			Code:        code,
			Close:       fair,
			BuyPrice:    math.Max(0, fair-step),
			SellPrice:   fair + step,
			ChangeRate:  f.changeRateLocked(c),
			TotalVolume: c.volume,
			TsMs:        f.cfg.Now().UnixMilli(),
		})
	}
	return out, nil
}

// KBars walks a fresh path from the previous close, one bar per hour between
// start and end. The live underlying is left untouched. Options have no bars.
func (f *Feed) KBars(ctx context.Context, code string, start, end time.Time) ([]provider.KBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.contracts[code]
	if !ok || c.class == ladder.ClassOption {
		return nil, fmt.Errorf("kbars %s: unknown contract", code)
	}

	level := f.prevClose
	var out []provider.KBar
	for ts := start.Truncate(time.Hour); ts.Before(end); ts = ts.Add(time.Hour) {
		if ts.Before(start) {
			continue
		}
		open := level
		high, low := open, open
		for i := 0; i < 4; i++ {
			level *= 1 + f.rng.NormFloat64()*f.cfg.Volatility*4
			high = math.Max(high, level)
			low = math.Min(low, level)
		}
		out = append(out, provider.KBar{
			TsMs:   ts.UnixMilli(),
			Open:   math.Round(open),
			High:   math.Round(high),
			Low:    math.Round(low),
			Close:  math.Round(level),
			Volume: int64(100 + f.rng.Intn(900)),
		})
	}
	return out, nil
}

func (f *Feed) Subscribe(ctx context.Context, code string, kind provider.QuoteKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.contracts[code]; !ok {
		return fmt.Errorf("subscribe %s: unknown contract", code)
	}
	f.subs[subscription{code: code, kind: kind}] = struct{}{}
	return nil
}

func (f *Feed) Unsubscribe(ctx context.Context, code string, kind provider.QuoteKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subscription{code: code, kind: kind})
	return nil
}

// Subscriptions returns the number of active streams.
func (f *Feed) Subscriptions() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Sessions returns day and night session rows for the front month. The night
// session only quotes the strikes nearest the money, so the merge has gaps to
// fill.
func (f *Feed) Sessions() []session.Source {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.cfg.Now().UTC()
	label, _, ok := ladder.ExpirationLabel(now.Format("200601"))
	if !ok {
		return nil
	}

	var day, night []session.ChainRow
	for _, code := range f.codes {
		c := f.contracts[code]
		if c.class != ladder.ClassOption || c.entry.DeliveryMonth != now.Format("200601") {
			continue
		}
		fair := f.fairLocked(c)
		oi := int64(100 + f.rng.Intn(5000))
		vol := int64(f.rng.Intn(2000))
		bid, ask := math.Max(0, fair-0.5), fair+0.5
		day = append(day, session.ChainRow{
			Expiration:   label,
			Strike:       c.strike,
			Right:        string(c.right),
			Volume:       &vol,
			Bid:          &bid,
			Ask:          &ask,
			Last:         &fair,
			OpenInterest: &oi,
		})
		if math.Abs(c.strike-f.price) <= 10*f.cfg.StrikeStep {
			nightLast := fair + 1
			night = append(night, session.ChainRow{
				Expiration: label,
				Strike:     c.strike,
				Right:      string(c.right),
				Last:       &nightLast,
			})
		}
	}
	return []session.Source{
		session.NewStaticSource("day", day),
		session.NewStaticSource("night", night),
	}
}
