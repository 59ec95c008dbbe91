package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/marketstate"
	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/session"
	"github.com/optstream/optstream/internal/window"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSessions       = errors.New("no session sources configured")
	ErrEmptyCatalog     = errors.New("catalog has no option ladders")
	ErrNoReferencePrice = errors.New("no reference price from core snapshot")
)

type PipelineConfig struct {
	FutureCode     string
	MiniFutureCode string
	IndexCode      string

	Window window.Config

	PollInterval time.Duration
	BatchSize    int
	BatchPause   time.Duration
	CoreTimeout  time.Duration
	BatchTimeout time.Duration

	// KBarDays is how many trading days of future bars go into futKbars.
	KBarDays int

	Now func() time.Time
}

// DefaultPipelineConfig returns a reasonable default configuration
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FutureCode:     "TXFR1",
		MiniFutureCode: "MX4R1",
		IndexCode:      "001",
		Window:         window.Config{CallCount: 15, PutCount: 25},
		PollInterval:   time.Second,
		BatchSize:      500,
		BatchPause:     200 * time.Millisecond,
		CoreTimeout:    5 * time.Second,
		BatchTimeout:   10 * time.Second,
		KBarDays:       30,
		Now:            time.Now,
	}
}

// reference is the latest underlying price the window is centered on, and
// the last priceUpdate announced for it.
type reference struct {
	mu    sync.RWMutex
	price float64
	ok    bool

	update    PriceUpdate
	announced bool
}

func (r *reference) set(price float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !r.ok || r.price != price
	r.price, r.ok = price, true
	return changed
}

func (r *reference) get() (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.price, r.ok
}

func (r *reference) announce(u PriceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update, r.announced = u, true
}

func (r *reference) lastUpdate() (PriceUpdate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.update, r.announced
}

// Pipeline wires the provider feed to the downstream publisher: it builds the
// ladder index at startup, keeps the subscription window centered on the
// reference price and republishes quotes as they change.
type Pipeline struct {
	feed     provider.Feed
	sessions []session.Source
	pub      publish.Publisher
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	cfg      PipelineConfig

	classifier ladder.Classifier
	index      *ladder.Index
	manager    *window.Manager
	differ     *marketstate.Differ

	core       map[string]marketstate.Tag
	coreCodes  []string
	defaultExp string
	ref        reference
}

func NewPipeline(feed provider.Feed, sessions []session.Source, pub publish.Publisher, logger *zap.SugaredLogger, m *metrics.Metrics, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CoreTimeout <= 0 {
		cfg.CoreTimeout = def.CoreTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.KBarDays <= 0 {
		cfg.KBarDays = def.KBarDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Pipeline{
		feed:       feed,
		sessions:   sessions,
		pub:        pub,
		logger:     logger,
		metrics:    m,
		cfg:        cfg,
		classifier: ladder.DefaultClassifier(),
		differ:     marketstate.NewDiffer(pub, logger, m),
		core:       make(map[string]marketstate.Tag),
	}
}

// Bootstrap runs the startup sequence. Any error is fatal: without the
// session snapshot, the catalog or a first reference price there is no
// meaningful state to stream. Missing future bars are only logged.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	if len(p.sessions) == 0 {
		return ErrNoSessions
	}
	rows, err := session.Load(ctx, p.logger, p.sessions...)
	if err != nil {
		return fmt.Errorf("load session snapshot: %w", err)
	}
	if err := p.pub.Publish(ctx, publish.EventDailySnap, DailySnap{ChainRows: rows}); err != nil {
		return fmt.Errorf("publish daily snapshot: %w", err)
	}
	p.publishKbars(ctx)

	if err := p.loadCatalog(ctx); err != nil {
		return err
	}

	if err := p.reconcileCore(ctx, false); err != nil {
		return fmt.Errorf("initial core snapshot: %w", err)
	}
	price, ok := p.ref.get()
	if !ok {
		return ErrNoReferencePrice
	}

	p.publishExpirations(ctx, price)
	p.flush(ctx)
	p.publishPrice(ctx, price)

	for _, code := range p.coreCodes {
		for _, kind := range provider.AllKinds {
			if err := p.feed.Subscribe(ctx, code, kind); err != nil {
				p.metrics.RecordSubscribeFailure(ctx, "core")
				p.logger.Warnw("Core subscribe failed", "code", code, "kind", kind, "error", err)
			}
		}
	}

	p.logger.Infow("Pipeline bootstrapped",
		"instruments", p.index.Len(),
		"expirations", len(p.index.SortedExpirations()),
		"defaultExpiration", p.defaultExp,
		"price", price,
	)
	return nil
}

func (p *Pipeline) loadCatalog(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	entries, err := p.feed.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	instruments := make([]ladder.Instrument, 0, len(entries)+3)
	skipped := 0
	for _, e := range entries {
		inst, err := p.classifier.Resolve(e)
		if err != nil {
			skipped++
			p.logger.Debugw("Skipping catalog entry", "code", e.Code, "error", err)
			continue
		}
		seen[inst.Code] = true
		instruments = append(instruments, inst)
	}
	if skipped > 0 {
		p.logger.Warnw("Skipped malformed catalog entries", "skipped", skipped, "total", len(entries))
	}

	// Core codes may be continuous aliases absent from the listed catalog.
	for _, code := range []string{p.cfg.FutureCode, p.cfg.MiniFutureCode, p.cfg.IndexCode} {
		if code == "" {
			continue
		}
		inst, _ := p.classifier.Resolve(ladder.CatalogEntry{Code: code})
		if !seen[code] {
			instruments = append(instruments, inst)
		}
		tag, ok := marketstate.TagOf(inst.Class)
		if !ok {
			return fmt.Errorf("core code %q is not a future, mini-future or index", code)
		}
		p.core[code] = tag
		p.coreCodes = append(p.coreCodes, code)
	}

	p.index = ladder.Build(instruments)
	if len(p.index.SortedExpirations()) == 0 {
		return ErrEmptyCatalog
	}
	p.defaultExp = p.index.Nearest(p.cfg.Now())
	p.manager = window.NewManager(p.index, provider.Subscriber{Feed: p.feed}, p.cfg.Window, p.logger, p.metrics)
	return nil
}

// Run drives the push handler, the reconciliation loop and the subscription
// loop until ctx is done or one of them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.index == nil {
		return errors.New("pipeline not bootstrapped")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.handleEvents(ctx) })
	g.Go(func() error { return p.every(ctx, "reconcile", p.Reconcile) })
	g.Go(func() error {
		return p.every(ctx, "subscriptions", func(ctx context.Context) { p.Maintain(ctx) })
	})
	return g.Wait()
}

func (p *Pipeline) every(ctx context.Context, name string, fn func(context.Context)) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Infow("Starting loop", "loop", name, "interval", p.cfg.PollInterval)
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			p.logger.Infow("Loop stopping due to context cancellation", "loop", name)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain recenters the subscription window of the default expiration and
// republishes expiration metadata when it grew.
func (p *Pipeline) Maintain(ctx context.Context) window.Change {
	price, ok := p.ref.get()
	if !ok {
		return window.Change{}
	}
	change := p.manager.Ensure(ctx, p.defaultExp, price)
	if change.Expanded() {
		p.publishExpirations(ctx, price)
	}
	return change
}

// Shutdown releases every stream the pipeline opened. Best effort.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var errs []error
	if p.manager != nil {
		if err := p.manager.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, code := range p.coreCodes {
		for _, kind := range provider.AllKinds {
			if err := p.feed.Unsubscribe(ctx, code, kind); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe %s %s: %w", code, kind, err))
			}
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warnw("Released subscriptions with errors", "error", err)
	} else {
		p.logger.Infow("Released subscriptions")
	}
	return err
}

func (p *Pipeline) Index() *ladder.Index {
	return p.index
}

func (p *Pipeline) Manager() *window.Manager {
	return p.manager
}

func (p *Pipeline) DefaultExpiration() string {
	return p.defaultExp
}

// ReferencePrice returns the price the window is centered on.
func (p *Pipeline) ReferencePrice() (float64, bool) {
	return p.ref.get()
}

// MarketInfo returns the current marketInfo payload, whether or not it has
// been flushed yet.
func (p *Pipeline) MarketInfo() (json.RawMessage, bool) {
	view, ok, err := p.differ.View()
	if err != nil {
		p.logger.Warnw("Failed to encode market state", "error", err)
		return nil, false
	}
	return view, ok
}

// LastPriceUpdate returns the most recent priceUpdate the pipeline announced.
func (p *Pipeline) LastPriceUpdate() (PriceUpdate, bool) {
	return p.ref.lastUpdate()
}

// ExpirationData builds the expiration metadata for a reference price.
func (p *Pipeline) ExpirationData(price float64) ExpirationData {
	exps := p.index.SortedExpirations()
	subsets := make(map[string][]float64, len(exps))
	for _, exp := range exps {
		w := window.Select(p.index.Ladder(exp), price, p.cfg.Window.CallCount, p.cfg.Window.PutCount)
		subsets[exp] = w.Strikes()
	}
	return ExpirationData{
		Expirations:               exps,
		DefaultExpiration:         p.defaultExp,
		StrikesByExpiration:       p.index.StrikesByExpiration(),
		DefaultSubsetByExpiration: subsets,
	}
}

func (p *Pipeline) publishExpirations(ctx context.Context, price float64) {
	p.publish(ctx, publish.EventExpirationData, p.ExpirationData(price))
}

func (p *Pipeline) publishPrice(ctx context.Context, price float64) {
	update := PriceUpdate{Ts: p.cfg.Now().UnixMilli(), Price: price}
	p.ref.announce(update)
	p.publish(ctx, publish.EventPriceUpdate, update)
}

func (p *Pipeline) publish(ctx context.Context, event string, payload any) {
	if err := p.pub.Publish(ctx, event, payload); err != nil {
		p.logger.Warnw("Failed to publish", "event", event, "error", err)
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	if _, err := p.differ.Flush(ctx); err != nil {
		p.logger.Warnw("Failed to flush market state", "error", err)
	}
}

// SubscribedCodes lists the option codes currently held by the window.
func (p *Pipeline) SubscribedCodes() []string {
	if p.manager == nil {
		return nil
	}
	return p.manager.Codes()
}
