package ladder

import (
	"sort"
	"time"
)

// Ladder is the ascending list of distinct strikes for one expiration.
type Ladder []float64

// Index maps every catalog instrument to its ladder position. It is built
// once per process and read-only afterwards, so it is safe for concurrent use.
type Index struct {
	instruments map[string]Instrument
	ladders     map[string]Ladder
	expiries    map[string]time.Time
	expirations []string
	chains      map[string]map[float64]*pair
}

type pair struct {
	call *Instrument
	put  *Instrument
}

// Build groups option instruments by expiration and sorts their strikes.
// Non-option instruments are indexed for lookup but have no ladder, and so
// are options without a positive strike.
func Build(instruments []Instrument) *Index {
	ix := &Index{
		instruments: make(map[string]Instrument, len(instruments)),
		ladders:     make(map[string]Ladder),
		expiries:    make(map[string]time.Time),
		chains:      make(map[string]map[float64]*pair),
	}

	for _, inst := range instruments {
		if inst.Code == "" || inst.Class == ClassUnknown {
			continue
		}
		ix.instruments[inst.Code] = inst
		if inst.Class != ClassOption || !inst.HasStrike || inst.Strike <= 0 {
			continue
		}

		chain, ok := ix.chains[inst.Expiration]
		if !ok {
			chain = make(map[float64]*pair)
			ix.chains[inst.Expiration] = chain
			ix.expiries[inst.Expiration] = inst.Expiry
		}
		p, ok := chain[inst.Strike]
		if !ok {
			p = &pair{}
			chain[inst.Strike] = p
			ix.ladders[inst.Expiration] = append(ix.ladders[inst.Expiration], inst.Strike)
		}
		stored := inst
		switch inst.Right {
		case RightCall:
			p.call = &stored
		case RightPut:
			p.put = &stored
		}
	}

	for exp, l := range ix.ladders {
		sort.Float64s(l)
		ix.ladders[exp] = l
		ix.expirations = append(ix.expirations, exp)
	}
	sort.Slice(ix.expirations, func(i, j int) bool {
		a, b := ix.expirations[i], ix.expirations[j]
		ta, tb := ix.expiries[a], ix.expiries[b]
		switch {
		case ta.IsZero() && tb.IsZero():
			return a < b
		case ta.IsZero():
			return false
		case tb.IsZero():
			return true
		case ta.Equal(tb):
			return a < b
		default:
			return ta.Before(tb)
		}
	})
	return ix
}

// Lookup returns the instrument registered under code.
func (ix *Index) Lookup(code string) (Instrument, bool) {
	inst, ok := ix.instruments[code]
	return inst, ok
}

// Ladder returns the sorted strikes of an expiration. Callers must not modify it.
func (ix *Index) Ladder(expiration string) Ladder {
	return ix.ladders[expiration]
}

// SortedExpirations lists expirations by settlement date; opaque labels sort last.
func (ix *Index) SortedExpirations() []string {
	out := make([]string, len(ix.expirations))
	copy(out, ix.expirations)
	return out
}

// Nearest returns the first expiration settling on or after now's calendar
// day, falling back to the earliest expiration.
func (ix *Index) Nearest(now time.Time) string {
	if len(ix.expirations) == 0 {
		return ""
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, exp := range ix.expirations {
		t := ix.expiries[exp]
		if t.IsZero() {
			break
		}
		if !t.Before(today) {
			return exp
		}
	}
	return ix.expirations[0]
}

// StrikesByExpiration copies every ladder for publication.
func (ix *Index) StrikesByExpiration() map[string][]float64 {
	out := make(map[string][]float64, len(ix.ladders))
	for exp, l := range ix.ladders {
		cp := make([]float64, len(l))
		copy(cp, l)
		out[exp] = cp
	}
	return out
}

// Pair returns the call and put listed at strike. ok is false unless both exist.
func (ix *Index) Pair(expiration string, strike float64) (call, put Instrument, ok bool) {
	p := ix.chains[expiration][strike]
	if p == nil || p.call == nil || p.put == nil {
		return Instrument{}, Instrument{}, false
	}
	return *p.call, *p.put, true
}

// Len is the number of indexed instruments.
func (ix *Index) Len() int {
	return len(ix.instruments)
}

// ByClass returns the indexed instruments of one class in code order.
func (ix *Index) ByClass(class Class) []Instrument {
	var out []Instrument
	for _, inst := range ix.instruments {
		if inst.Class == class {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
