package window

import (
	"math"
	"sort"

	"github.com/optstream/optstream/internal/ladder"
)

// Window is the set of strikes tracked around a reference price.
//
// Calls holds strikes at and above the price, Puts the strikes below it.
// Backfill holds the strikes taken from the opposite side of the ladder when
// one side runs out before reaching its target count.
type Window struct {
	Calls    []float64
	Puts     []float64
	Backfill []float64
}

// Select computes the window for a sorted ladder. The insertion point is the
// first strike strictly greater than price, so a strike equal to the price is
// counted on the put side.
func Select(l ladder.Ladder, price float64, callCount, putCount int) Window {
	n := len(l)
	if n == 0 || math.IsNaN(price) || callCount < 0 || putCount < 0 {
		return Window{}
	}

	i := sort.Search(n, func(k int) bool { return l[k] > price })

	hi := min(n, i+callCount)
	lo := max(0, i-putCount)

	w := Window{
		Calls: clone(l[i:hi]),
		Puts:  clone(l[lo:i]),
	}

	if short := callCount - len(w.Calls); short > 0 && lo > 0 {
		w.Backfill = append(w.Backfill, l[max(0, lo-short):lo]...)
	}
	if short := putCount - len(w.Puts); short > 0 && hi < n {
		w.Backfill = append(w.Backfill, l[hi:min(n, hi+short)]...)
	}
	return w
}

// Strikes returns the sorted, deduplicated union of every side.
func (w Window) Strikes() []float64 {
	size := len(w.Calls) + len(w.Puts) + len(w.Backfill)
	seen := make(map[float64]struct{}, size)
	out := make([]float64, 0, size)
	for _, side := range [][]float64{w.Calls, w.Puts, w.Backfill} {
		for _, k := range side {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Float64s(out)
	return out
}

// Len is the number of distinct strikes in the window.
func (w Window) Len() int {
	return len(w.Strikes())
}

func clone(s []float64) []float64 {
	if len(s) == 0 {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
