package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/metrics"
	"go.uber.org/zap"
)

// Subscriber issues streaming commands to the market-data provider.
type Subscriber interface {
	Subscribe(ctx context.Context, inst ladder.Instrument) error
	Unsubscribe(ctx context.Context, inst ladder.Instrument) error
}

type Config struct {
	CallCount int
	PutCount  int
	// UnsubscribeAfter is the number of consecutive cycles a subscribed
	// instrument must sit outside the window before it is released.
	// Zero keeps every subscription for the life of the process.
	UnsubscribeAfter int
}

// Change reports what one Ensure call did. Codes are sorted.
type Change struct {
	Added   []string
	Removed []string
}

// Expanded is true when new instruments were subscribed.
func (c Change) Expanded() bool {
	return len(c.Added) > 0
}

// Manager keeps the provider subscriptions in line with the current window.
type Manager struct {
	index   *ladder.Index
	sub     Subscriber
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	// opMu serializes Ensure and Release so no instrument is subscribed twice
	// while provider calls run outside mu.
	opMu sync.Mutex

	mu         sync.RWMutex
	subscribed map[string]ladder.Instrument
	misses     map[string]int
}

func NewManager(index *ladder.Index, sub Subscriber, cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Manager {
	return &Manager{
		index:      index,
		sub:        sub,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		subscribed: make(map[string]ladder.Instrument),
		misses:     make(map[string]int),
	}
}

// Window computes the current window for one expiration.
func (m *Manager) Window(expiration string, price float64) Window {
	return Select(m.index.Ladder(expiration), price, m.cfg.CallCount, m.cfg.PutCount)
}

// Ensure subscribes both rights of every strike that entered the window and
// has a listed call and put. Failed commands are logged and retried on the
// next call. With UnsubscribeAfter set, instruments that stayed out of the
// window long enough are released.
func (m *Manager) Ensure(ctx context.Context, expiration string, price float64) Change {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	targets := m.targets(expiration, price)

	m.mu.RLock()
	var pending []ladder.Instrument
	for _, inst := range targets {
		if _, ok := m.subscribed[inst.Code]; !ok {
			pending = append(pending, inst)
		}
	}
	m.mu.RUnlock()

	var change Change
	for _, inst := range pending {
		if err := m.sub.Subscribe(ctx, inst); err != nil {
			m.metrics.RecordSubscribeFailure(ctx, "subscribe")
			m.logger.Warnw("Subscribe failed, will retry next cycle",
				"code", inst.Code,
				"expiration", inst.Expiration,
				"error", err,
			)
			continue
		}
		m.mu.Lock()
		m.subscribed[inst.Code] = inst
		m.mu.Unlock()
		change.Added = append(change.Added, inst.Code)
	}
	if n := len(change.Added); n > 0 {
		m.metrics.AddSubscriptions(ctx, int64(n))
	}

	if m.cfg.UnsubscribeAfter > 0 {
		change.Removed = m.expire(ctx, targets)
	}

	sort.Strings(change.Added)
	if len(change.Added) > 0 || len(change.Removed) > 0 {
		m.logger.Infow("Subscription window updated",
			"expiration", expiration,
			"price", price,
			"added", len(change.Added),
			"removed", len(change.Removed),
			"total", m.Len(),
		)
	}
	return change
}

// targets lists the call and put of every window strike that has both, in
// strike order.
func (m *Manager) targets(expiration string, price float64) []ladder.Instrument {
	w := m.Window(expiration, price)
	var out []ladder.Instrument
	for _, k := range w.Strikes() {
		call, put, ok := m.index.Pair(expiration, k)
		if !ok {
			continue
		}
		out = append(out, call, put)
	}
	return out
}

func (m *Manager) expire(ctx context.Context, targets []ladder.Instrument) []string {
	inWindow := make(map[string]struct{}, len(targets))
	for _, inst := range targets {
		inWindow[inst.Code] = struct{}{}
	}

	m.mu.Lock()
	var stale []ladder.Instrument
	for code, inst := range m.subscribed {
		if _, ok := inWindow[code]; ok {
			delete(m.misses, code)
			continue
		}
		m.misses[code]++
		if m.misses[code] >= m.cfg.UnsubscribeAfter {
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].Code < stale[j].Code })

	var removed []string
	for _, inst := range stale {
		if err := m.sub.Unsubscribe(ctx, inst); err != nil {
			m.metrics.RecordSubscribeFailure(ctx, "unsubscribe")
			m.logger.Warnw("Unsubscribe failed, will retry next cycle", "code", inst.Code, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.subscribed, inst.Code)
		delete(m.misses, inst.Code)
		m.mu.Unlock()
		removed = append(removed, inst.Code)
	}
	if n := len(removed); n > 0 {
		m.metrics.AddSubscriptions(ctx, -int64(n))
	}
	return removed
}

// Release unsubscribes everything. Every instrument is attempted even when
// some fail; the failures are returned joined.
func (m *Manager) Release(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs []error
	for _, inst := range m.Subscribed() {
		if err := m.sub.Unsubscribe(ctx, inst); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", inst.Code, err))
			continue
		}
		m.mu.Lock()
		delete(m.subscribed, inst.Code)
		delete(m.misses, inst.Code)
		m.mu.Unlock()
		m.metrics.AddSubscriptions(ctx, -1)
	}
	return errors.Join(errs...)
}

// Subscribed returns the subscribed instruments ordered by code.
func (m *Manager) Subscribed() []ladder.Instrument {
	m.mu.RLock()
	out := make([]ladder.Instrument, 0, len(m.subscribed))
	for _, inst := range m.subscribed {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Codes returns the subscribed codes in order.
func (m *Manager) Codes() []string {
	insts := m.Subscribed()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Code
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribed)
}
