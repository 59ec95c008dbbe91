package jobs

import (
	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/session"
)

// Wire payloads. Field names are what existing consumers read.

type DailySnap struct {
	ChainRows []session.ChainRow `json:"chainRows"`
}

// FutKbars carries the daily bars of the front future for the chart.
type FutKbars struct {
	Kbars []KBarRow `json:"kbars"`
}

// KBarRow is one daily bar. Ts is the bucket start in epoch milliseconds.
type KBarRow struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"Open"`
	High   float64 `json:"High"`
	Low    float64 `json:"Low"`
	Close  float64 `json:"Close"`
	Volume int64   `json:"Volume"`
}

type ExpirationData struct {
	Expirations               []string             `json:"expirations"`
	DefaultExpiration         string               `json:"defaultExpiration"`
	StrikesByExpiration       map[string][]float64 `json:"strikesByExpiration"`
	DefaultSubsetByExpiration map[string][]float64 `json:"defaultSubsetByExpiration"`
}

type PriceUpdate struct {
	Ts    int64   `json:"ts"`
	Price float64 `json:"price"`
}

// OptionData is the per-instrument trade update.
type OptionData struct {
	Code        string   `json:"code"`
	Strike      *float64 `json:"strike"`
	Expiration  string   `json:"expiration"`
	Right       string   `json:"cp"`
	Last        float64  `json:"last"`
	ChangeRate  float64  `json:"change_rate"`
	TotalVolume int64    `json:"total_volume"`
}

// BidAskData is the five-level depth pushed by the provider. Missing or zero
// levels are null.
type BidAskData struct {
	Code       string   `json:"code"`
	Strike     *float64 `json:"strike"`
	Expiration string   `json:"expiration"`
	Right      string   `json:"cp"`
	Bid1       *float64 `json:"bid1"`
	Bid2       *float64 `json:"bid2"`
	Bid3       *float64 `json:"bid3"`
	Bid4       *float64 `json:"bid4"`
	Bid5       *float64 `json:"bid5"`
	Ask1       *float64 `json:"ask1"`
	Ask2       *float64 `json:"ask2"`
	Ask3       *float64 `json:"ask3"`
	Ask4       *float64 `json:"ask4"`
	Ask5       *float64 `json:"ask5"`
	BidVolume  []int64  `json:"bid_volume"`
	AskVolume  []int64  `json:"ask_volume"`
}

// BidAskTop is the best bid/ask taken from a reconciliation snapshot.
type BidAskTop struct {
	Code       string   `json:"code"`
	Strike     *float64 `json:"strike"`
	Expiration string   `json:"expiration"`
	Right      string   `json:"cp"`
	Bid1       float64  `json:"bid1"`
	Ask1       float64  `json:"ask1"`
}

func optionFromTick(inst ladder.Instrument, t provider.Tick) OptionData {
	return OptionData{
		Code:        t.Code,
		Strike:      inst.StrikePtr(),
		Expiration:  inst.Expiration,
		Right:       string(inst.Right),
		Last:        t.Close,
		ChangeRate:  t.ChangeRate,
		TotalVolume: t.TotalVolume,
	}
}

func optionFromSnapshot(inst ladder.Instrument, s provider.Snapshot) OptionData {
	return OptionData{
		Code:        s.Code,
		Strike:      inst.StrikePtr(),
		Expiration:  inst.Expiration,
		Right:       string(inst.Right),
		Last:        s.Close,
		ChangeRate:  s.ChangeRate,
		TotalVolume: s.TotalVolume,
	}
}

func topFromSnapshot(inst ladder.Instrument, s provider.Snapshot) BidAskTop {
	return BidAskTop{
		Code:       s.Code,
		Strike:     inst.StrikePtr(),
		Expiration: inst.Expiration,
		Right:      string(inst.Right),
		Bid1:       s.BuyPrice,
		Ask1:       s.SellPrice,
	}
}

func depthFromBidAsk(inst ladder.Instrument, ba provider.BidAsk) BidAskData {
	bids := levels(ba.BidPrice)
	asks := levels(ba.AskPrice)
	return BidAskData{
		Code:       ba.Code,
		Strike:     inst.StrikePtr(),
		Expiration: inst.Expiration,
		Right:      string(inst.Right),
		Bid1:       bids[0],
		Bid2:       bids[1],
		Bid3:       bids[2],
		Bid4:       bids[3],
		Bid5:       bids[4],
		Ask1:       asks[0],
		Ask2:       asks[1],
		Ask3:       asks[2],
		Ask4:       asks[3],
		Ask5:       asks[4],
		BidVolume:  volumes(ba.BidVolume),
		AskVolume:  volumes(ba.AskVolume),
	}
}

func levels(prices []float64) [5]*float64 {
	var out [5]*float64
	for i := 0; i < len(out) && i < len(prices); i++ {
		if prices[i] == 0 {
			continue
		}
		p := prices[i]
		out[i] = &p
	}
	return out
}

func volumes(v []int64) []int64 {
	out := make([]int64, len(v))
	copy(out, v)
	return out
}
