package session

import (
	"sort"

	"github.com/optstream/optstream/internal/ladder"
)

// ChainRow is one (expiration, strike, right) record of the daily option
// chain. Nil fields were not reported by any session and are left out of
// the JSON object.
type ChainRow struct {
	Expiration   string   `json:"expiration"`
	Strike       float64  `json:"strike"`
	Right        string   `json:"cp"`
	Volume       *int64   `json:"volume,omitempty"`
	Bid          *float64 `json:"bid,omitempty"`
	Ask          *float64 `json:"ask,omitempty"`
	Last         *float64 `json:"last,omitempty"`
	Change       *float64 `json:"chg,omitempty"`
	OpenInterest *int64   `json:"oi,omitempty"`
	NetPosition  *int64   `json:"netPos,omitempty"`
}

// Key identifies a row across sessions.
type Key struct {
	Expiration string
	Strike     float64
	Right      string
}

func (r ChainRow) Key() Key {
	return Key{Expiration: r.Expiration, Strike: r.Strike, Right: r.Right}
}

// Merge folds sessions into one row per key, in argument order. A field from
// a later session replaces an earlier one only when it is present and
// non-zero; the upstream export writes zero for "no data", so a real zero
// can never overwrite a known value.
//
// Callers pass the day session first and the night session second. Rows are
// returned sorted by expiration, strike and right.
func Merge(sessions ...[]ChainRow) []ChainRow {
	merged := make(map[Key]*ChainRow)
	for _, rows := range sessions {
		for _, r := range rows {
			k := r.Key()
			acc, ok := merged[k]
			if !ok {
				acc = &ChainRow{Expiration: r.Expiration, Strike: r.Strike, Right: r.Right}
				merged[k] = acc
			}
			acc.apply(r)
		}
	}

	out := make([]ChainRow, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})
	return out
}

func (r *ChainRow) apply(src ChainRow) {
	overlayInt(&r.Volume, src.Volume)
	overlayFloat(&r.Bid, src.Bid)
	overlayFloat(&r.Ask, src.Ask)
	overlayFloat(&r.Last, src.Last)
	overlayFloat(&r.Change, src.Change)
	overlayInt(&r.OpenInterest, src.OpenInterest)
	overlayInt(&r.NetPosition, src.NetPosition)
}

func overlayFloat(dst **float64, v *float64) {
	if v == nil || *v == 0 {
		return
	}
	x := *v
	*dst = &x
}

func overlayInt(dst **int64, v *int64) {
	if v == nil || *v == 0 {
		return
	}
	x := *v
	*dst = &x
}

// Normalize canonicalizes rows as read from an export: month codes become
// "yyyy/mm/dd" labels (undecodable codes pass through as opaque labels) and
// rights become "C"/"P". Rows without a usable strike or right are dropped
// and counted.
func Normalize(rows []ChainRow) ([]ChainRow, int) {
	out := make([]ChainRow, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		right, ok := ladder.ParseRight(r.Right)
		if !ok || r.Strike <= 0 {
			dropped++
			continue
		}
		r.Right = string(right)
		r.Expiration, _, _ = ladder.ExpirationLabel(r.Expiration)
		out = append(out, r)
	}
	return out, dropped
}
