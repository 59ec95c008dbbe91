package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
)

// exchangeZone is TAIFEX local time. Taiwan observes no DST.
var exchangeZone = time.FixedZone("CST", 8*60*60)

// sessionOpen offsets daily buckets so a trading day runs 09:00 to 09:00 and
// the night session folds into the day it follows.
const sessionOpen = 9 * time.Hour

// dayBucket returns the start of the trading day ts belongs to.
func dayBucket(ts time.Time) time.Time {
	y, m, d := ts.In(exchangeZone).Add(-sessionOpen).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, exchangeZone).Add(sessionOpen)
}

// DailyBars resamples intraday bars into trading-day bars: first open, max
// high, min low, last close and summed volume. Days without bars are absent.
// Only the newest keep days are returned, oldest first.
func DailyBars(bars []provider.KBar, keep int) []KBarRow {
	sorted := append([]provider.KBar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TsMs < sorted[j].TsMs })

	days := make(map[int64]*KBarRow)
	for _, b := range sorted {
		key := dayBucket(time.UnixMilli(b.TsMs)).UnixMilli()
		row, ok := days[key]
		if !ok {
			days[key] = &KBarRow{Ts: key, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			continue
		}
		row.High = max(row.High, b.High)
		row.Low = min(row.Low, b.Low)
		row.Close = b.Close
		row.Volume += b.Volume
	}

	rows := make([]KBarRow, 0, len(days))
	for _, row := range days {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Ts < rows[j].Ts })
	if keep > 0 && len(rows) > keep {
		rows = rows[len(rows)-keep:]
	}
	return rows
}

// publishKbars sends the daily bars of the front future. History is only
// chart context, so a failed query is logged and the startup goes on.
func (p *Pipeline) publishKbars(ctx context.Context) {
	end := p.cfg.Now()
	start := end.AddDate(0, 0, -p.cfg.KBarDays)

	qctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()
	bars, err := p.feed.KBars(qctx, p.cfg.FutureCode, start, end)
	if err != nil {
		p.logger.Warnw("Failed to load future kbars", "code", p.cfg.FutureCode, "error", err)
		return
	}

	rows := DailyBars(bars, p.cfg.KBarDays)
	p.publish(ctx, publish.EventFutKbars, FutKbars{Kbars: rows})
	p.logger.Infow("Published future kbars", "code", p.cfg.FutureCode, "bars", len(bars), "days", len(rows))
}
