package jobs

import (
	"testing"
	"time"

	"github.com/optstream/optstream/internal/provider"
	"github.com/stretchr/testify/assert"
)

func bar(ts time.Time, o, h, l, c float64, v int64) provider.KBar {
	return provider.KBar{TsMs: ts.UnixMilli(), Open: o, High: h, Low: l, Close: c, Volume: v}
}

func day(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 9, 0, 0, 0, cst).UnixMilli()
}

func TestDailyBars(t *testing.T) {
	tests := []struct {
		name string
		bars []provider.KBar
		keep int
		want []KBarRow
	}{
		{
			name: "empty",
			want: []KBarRow{},
		},
		{
			name: "night session folds into the previous day",
			bars: []provider.KBar{
				bar(time.Date(2025, 5, 30, 9, 0, 0, 0, cst), 21810, 21900, 21800, 21880, 100),
				bar(time.Date(2025, 5, 30, 13, 0, 0, 0, cst), 21880, 21950, 21700, 21720, 50),
				bar(time.Date(2025, 5, 31, 3, 0, 0, 0, cst), 21720, 21760, 21710, 21750, 20),
			},
			want: []KBarRow{
				{Ts: day(2025, 5, 30), Open: 21810, High: 21950, Low: 21700, Close: 21750, Volume: 170},
			},
		},
		{
			name: "before the open belongs to the day before",
			bars: []provider.KBar{
				bar(time.Date(2025, 6, 2, 8, 45, 0, 0, cst), 21800, 21820, 21790, 21810, 10),
				bar(time.Date(2025, 6, 2, 9, 0, 0, 0, cst), 21810, 21830, 21805, 21825, 30),
			},
			want: []KBarRow{
				{Ts: day(2025, 6, 1), Open: 21800, High: 21820, Low: 21790, Close: 21810, Volume: 10},
				{Ts: day(2025, 6, 2), Open: 21810, High: 21830, Low: 21805, Close: 21825, Volume: 30},
			},
		},
		{
			name: "unordered input and gaps",
			bars: []provider.KBar{
				bar(time.Date(2025, 6, 4, 10, 0, 0, 0, cst), 3, 3, 3, 3, 3),
				bar(time.Date(2025, 6, 2, 11, 0, 0, 0, cst), 2, 2, 2, 2, 2),
				bar(time.Date(2025, 6, 2, 10, 0, 0, 0, cst), 1, 1, 1, 1, 1),
			},
			want: []KBarRow{
				{Ts: day(2025, 6, 2), Open: 1, High: 2, Low: 1, Close: 2, Volume: 3},
				{Ts: day(2025, 6, 4), Open: 3, High: 3, Low: 3, Close: 3, Volume: 3},
			},
		},
		{
			name: "keeps the newest days",
			bars: []provider.KBar{
				bar(time.Date(2025, 6, 2, 10, 0, 0, 0, cst), 1, 1, 1, 1, 1),
				bar(time.Date(2025, 6, 3, 10, 0, 0, 0, cst), 2, 2, 2, 2, 2),
				bar(time.Date(2025, 6, 4, 10, 0, 0, 0, cst), 3, 3, 3, 3, 3),
			},
			keep: 2,
			want: []KBarRow{
				{Ts: day(2025, 6, 3), Open: 2, High: 2, Low: 2, Close: 2, Volume: 2},
				{Ts: day(2025, 6, 4), Open: 3, High: 3, Low: 3, Close: 3, Volume: 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DailyBars(tt.bars, tt.keep))
		})
	}
}
