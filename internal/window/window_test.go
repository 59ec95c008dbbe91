package window

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLadder = ladder.Ladder{100, 105, 110, 115, 120, 125}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		l       ladder.Ladder
		price   float64
		calls   int
		puts    int
		want    Window
		strikes []float64
	}{
		{
			name:    "centered",
			l:       testLadder,
			price:   112,
			calls:   2,
			puts:    2,
			want:    Window{Calls: []float64{115, 120}, Puts: []float64{105, 110}},
			strikes: []float64{105, 110, 115, 120},
		},
		{
			name:    "price on a strike counts as put",
			l:       testLadder,
			price:   110,
			calls:   2,
			puts:    2,
			want:    Window{Calls: []float64{115, 120}, Puts: []float64{105, 110}},
			strikes: []float64{105, 110, 115, 120},
		},
		{
			name:    "top of ladder backfills below",
			l:       testLadder,
			price:   124,
			calls:   2,
			puts:    2,
			want:    Window{Calls: []float64{125}, Puts: []float64{115, 120}, Backfill: []float64{110}},
			strikes: []float64{110, 115, 120, 125},
		},
		{
			name:    "bottom of ladder backfills above",
			l:       testLadder,
			price:   99,
			calls:   2,
			puts:    2,
			want:    Window{Calls: []float64{100, 105}, Backfill: []float64{110, 115}},
			strikes: []float64{100, 105, 110, 115},
		},
		{
			name:    "ladder smaller than window",
			l:       ladder.Ladder{100, 105},
			price:   102,
			calls:   5,
			puts:    5,
			want:    Window{Calls: []float64{105}, Puts: []float64{100}},
			strikes: []float64{100, 105},
		},
		{
			name:  "empty ladder",
			l:     nil,
			price: 100,
			calls: 2,
			puts:  2,
			want:  Window{},
		},
		{
			name:  "unknown price",
			l:     testLadder,
			price: math.NaN(),
			calls: 2,
			puts:  2,
			want:  Window{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.l, tt.price, tt.calls, tt.puts)
			assert.Equal(t, tt.want, got)
			if tt.strikes == nil {
				assert.Empty(t, got.Strikes())
			} else {
				assert.Equal(t, tt.strikes, got.Strikes())
			}
		})
	}
}

func TestSelectProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(60)
		l := make(ladder.Ladder, 0, n)
		k := 15000.0
		for i := 0; i < n; i++ {
			k += float64(50 * (1 + rng.Intn(3)))
			l = append(l, k)
		}
		price := 15000 + rng.Float64()*float64(n*120)
		calls, puts := rng.Intn(20), rng.Intn(30)

		w := Select(l, price, calls, puts)

		above := 0
		for _, s := range l {
			if s > price {
				above++
			}
		}
		below := n - above
		assert.Len(t, w.Calls, min(calls, above))
		assert.Len(t, w.Puts, min(puts, below))
		assert.Equal(t, min(n, calls+puts), w.Len(), "window fills up to the ladder size")

		members := make(map[float64]bool, n)
		for _, s := range l {
			members[s] = true
		}
		strikes := w.Strikes()
		assert.True(t, sort.Float64sAreSorted(strikes))
		for _, s := range strikes {
			assert.True(t, members[s], "strike %v not on ladder", s)
		}
	}
}

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
	failOnce     map[string]bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, inst ladder.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[inst.Code] {
		delete(f.failOnce, inst.Code)
		return errors.New("provider busy")
	}
	f.subscribes = append(f.subscribes, inst.Code)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, inst ladder.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, inst.Code)
	return nil
}

const testExpiration = "2025/06/18"

func testIndex(skipPut ...float64) *ladder.Index {
	expiry := time.Date(2025, 6, 18, 0, 0, 0, 0, time.UTC)
	skip := make(map[float64]bool)
	for _, k := range skipPut {
		skip[k] = true
	}
	var insts []ladder.Instrument
	for _, k := range testLadder {
		insts = append(insts, ladder.Instrument{
			Code: fmt.Sprintf("TXO%05.0fF5", k), Class: ladder.ClassOption, Right: ladder.RightCall,
			Strike: k, HasStrike: true, Expiration: testExpiration, Expiry: expiry,
		})
		if skip[k] {
			continue
		}
		insts = append(insts, ladder.Instrument{
			Code: fmt.Sprintf("TXO%05.0fR5", k), Class: ladder.ClassOption, Right: ladder.RightPut,
			Strike: k, HasStrike: true, Expiration: testExpiration, Expiry: expiry,
		})
	}
	return ladder.Build(insts)
}

func newTestManager(ix *ladder.Index, sub Subscriber, unsubscribeAfter int) *Manager {
	cfg := Config{CallCount: 2, PutCount: 2, UnsubscribeAfter: unsubscribeAfter}
	return NewManager(ix, sub, cfg, zap.NewNop().Sugar(), nil)
}

func TestEnsureIsIdempotent(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(), sub, 0)
	ctx := context.Background()

	first := m.Ensure(ctx, testExpiration, 112)
	assert.True(t, first.Expanded())
	assert.Equal(t, []string{
		"TXO00105F5", "TXO00105R5", "TXO00110F5", "TXO00110R5",
		"TXO00115F5", "TXO00115R5", "TXO00120F5", "TXO00120R5",
	}, first.Added)
	assert.Len(t, sub.subscribes, 8)

	second := m.Ensure(ctx, testExpiration, 112)
	assert.False(t, second.Expanded())
	assert.Empty(t, second.Removed)
	assert.Len(t, sub.subscribes, 8, "no new subscribe commands")
	assert.Equal(t, 8, m.Len())
}

func TestEnsureRequiresBothRights(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(120), sub, 0)

	change := m.Ensure(context.Background(), testExpiration, 112)
	assert.NotContains(t, change.Added, "TXO00120F5")
	assert.Len(t, change.Added, 6)
}

func TestEnsureRetriesFailedSubscribe(t *testing.T) {
	sub := &fakeSubscriber{failOnce: map[string]bool{"TXO00115R5": true}}
	m := newTestManager(testIndex(), sub, 0)
	ctx := context.Background()

	first := m.Ensure(ctx, testExpiration, 112)
	assert.Len(t, first.Added, 7)
	assert.NotContains(t, m.Codes(), "TXO00115R5")

	second := m.Ensure(ctx, testExpiration, 112)
	assert.Equal(t, []string{"TXO00115R5"}, second.Added)
	assert.Contains(t, m.Codes(), "TXO00115R5")
}

func TestEnsureNeverShrinksByDefault(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(), sub, 0)
	ctx := context.Background()

	m.Ensure(ctx, testExpiration, 112)
	for i := 0; i < 3; i++ {
		change := m.Ensure(ctx, testExpiration, 124)
		assert.Empty(t, change.Removed)
	}
	assert.Empty(t, sub.unsubscribes)
	assert.Equal(t, 10, m.Len(), "105..125 stay subscribed")
}

func TestEnsureUnsubscribesAfterHysteresis(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(), sub, 2)
	ctx := context.Background()

	m.Ensure(ctx, testExpiration, 112)

	first := m.Ensure(ctx, testExpiration, 124)
	assert.Equal(t, []string{"TXO00125F5", "TXO00125R5"}, first.Added)
	assert.Empty(t, first.Removed, "one miss is not enough")

	second := m.Ensure(ctx, testExpiration, 124)
	assert.Equal(t, []string{"TXO00105F5", "TXO00105R5"}, second.Removed)
	assert.Equal(t, []string{"TXO00105F5", "TXO00105R5"}, sub.unsubscribes)
	assert.Equal(t, 8, m.Len())
}

func TestEnsureResetsMissesWhenBackInWindow(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(), sub, 2)
	ctx := context.Background()

	m.Ensure(ctx, testExpiration, 112)
	m.Ensure(ctx, testExpiration, 124)
	m.Ensure(ctx, testExpiration, 112)
	change := m.Ensure(ctx, testExpiration, 124)
	assert.Empty(t, change.Removed)
	assert.Empty(t, sub.unsubscribes)
}

func TestRelease(t *testing.T) {
	sub := &fakeSubscriber{}
	m := newTestManager(testIndex(), sub, 0)
	ctx := context.Background()

	m.Ensure(ctx, testExpiration, 112)
	require.NoError(t, m.Release(ctx))
	assert.Equal(t, 0, m.Len())
	assert.Len(t, sub.unsubscribes, 8)
}
