package ladder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedExpirationCode is returned when an expiration month code cannot
// be decoded into a settlement date.
var ErrMalformedExpirationCode = errors.New("malformed expiration code")

// LabelLayout is the calendar format used for expiration labels on the wire.
const LabelLayout = "2006/01/02"

const (
	settlementWeekday = time.Wednesday
	defaultWeek       = 3
)

// DecodeExpiration turns a month code into its settlement date.
//
// "yyyymm" settles on the third Wednesday of the month, "yyyymmWn" on the
// n-th Wednesday.
func DecodeExpiration(code string) (time.Time, error) {
	code = strings.TrimSpace(code)
	if len(code) < 6 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedExpirationCode, code)
	}

	year, err := strconv.Atoi(code[:4])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: bad year", ErrMalformedExpirationCode, code)
	}
	month, err := strconv.Atoi(code[4:6])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: %q: bad month", ErrMalformedExpirationCode, code)
	}

	week := defaultWeek
	if suffix := code[6:]; suffix != "" {
		if len(suffix) != 2 || suffix[0] != 'W' {
			return time.Time{}, fmt.Errorf("%w: %q: bad week marker", ErrMalformedExpirationCode, code)
		}
		week, err = strconv.Atoi(suffix[1:])
		if err != nil || week < 1 {
			return time.Time{}, fmt.Errorf("%w: %q: bad week number", ErrMalformedExpirationCode, code)
		}
	}

	return nthWeekday(year, time.Month(month), settlementWeekday, week, code)
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int, code string) (time.Time, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := first.AddDate(0, 0, offset+(n-1)*7)
	if day.Month() != month {
		return time.Time{}, fmt.Errorf("%w: %q: no %s #%d in %s %d",
			ErrMalformedExpirationCode, code, wd, n, month, year)
	}
	return day, nil
}

// ExpirationLabel normalizes either a month code or an already formatted
// settlement date into a "yyyy/mm/dd" label. When neither form decodes, the
// trimmed input is returned as an opaque label with ok=false.
func ExpirationLabel(raw string) (label string, expiry time.Time, ok bool) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(LabelLayout, raw); err == nil {
		return raw, t, true
	}
	t, err := DecodeExpiration(raw)
	if err != nil {
		return raw, time.Time{}, false
	}
	return t.Format(LabelLayout), t, true
}
