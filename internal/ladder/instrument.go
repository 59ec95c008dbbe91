package ladder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedStrike is returned for option codes whose strike digits do not parse.
var ErrMalformedStrike = errors.New("malformed strike")

// Class is the role an instrument plays in the pipeline. It is resolved once
// when the catalog is loaded and carried with the instrument afterwards.
type Class int

const (
	ClassUnknown Class = iota
	ClassFuture
	ClassMiniFuture
	ClassIndex
	ClassOption
)

func (c Class) String() string {
	switch c {
	case ClassFuture:
		return "future"
	case ClassMiniFuture:
		return "mini_future"
	case ClassIndex:
		return "index"
	case ClassOption:
		return "option"
	default:
		return "unknown"
	}
}

// Right is the call/put designation of an option. It serializes as "C" or "P".
type Right string

const (
	RightNone Right = ""
	RightCall Right = "C"
	RightPut  Right = "P"
)

// ParseRight accepts "C"/"P" as well as the spelled-out "Call"/"Put".
func ParseRight(s string) (Right, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return RightCall, true
	case "P", "PUT":
		return RightPut, true
	default:
		return RightNone, false
	}
}

// CatalogEntry is one tradable contract as listed by the provider.
type CatalogEntry struct {
	Code          string `json:"code"`
	Category      string `json:"category"`
	DeliveryDate  string `json:"delivery_date"`
	DeliveryMonth string `json:"delivery_month"`
}

// Instrument is an immutable, classified catalog entry.
type Instrument struct {
	Code       string
	Class      Class
	Right      Right
	Strike     float64
	HasStrike  bool
	Expiration string
	Expiry     time.Time
}

// StrikePtr returns the strike for payloads where a missing strike is null.
func (i Instrument) StrikePtr() *float64 {
	if !i.HasStrike {
		return nil
	}
	s := i.Strike
	return &s
}

// Classifier assigns classes to catalog codes by product prefix.
type Classifier struct {
	FuturePrefixes     []string
	MiniFuturePrefixes []string
	IndexCodes         []string
	OptionPrefixes     []string
}

// DefaultClassifier matches the TAIFEX product families the service streams.
func DefaultClassifier() Classifier {
	return Classifier{
		FuturePrefixes:     []string{"TXF"},
		MiniFuturePrefixes: []string{"MXF", "MX4"},
		IndexCodes:         []string{"001"},
		OptionPrefixes:     []string{"TXO", "TX1", "TX2", "TX4", "TX5"},
	}
}

// Resolve classifies a catalog entry. Entries that match no configured family
// come back as ClassUnknown without an error; option codes with undecodable
// strikes return ErrMalformedStrike.
func (c Classifier) Resolve(e CatalogEntry) (Instrument, error) {
	code := strings.TrimSpace(e.Code)
	inst := Instrument{Code: code}

	raw := e.DeliveryDate
	if strings.TrimSpace(raw) == "" {
		raw = e.DeliveryMonth
	}
	label, expiry, ok := ExpirationLabel(raw)
	if !ok && e.DeliveryMonth != "" && raw != e.DeliveryMonth {
		label, expiry, _ = ExpirationLabel(e.DeliveryMonth)
	}
	inst.Expiration = label
	inst.Expiry = expiry

	switch {
	case matchExact(code, c.IndexCodes):
		inst.Class = ClassIndex
	case matchPrefix(code, c.MiniFuturePrefixes):
		inst.Class = ClassMiniFuture
	case matchPrefix(code, c.FuturePrefixes):
		inst.Class = ClassFuture
	case matchPrefix(code, c.OptionPrefixes) || matchPrefix(e.Category, c.OptionPrefixes):
		strike, right, err := parseOptionCode(code)
		if err != nil {
			return inst, err
		}
		inst.Class = ClassOption
		inst.Strike = strike
		inst.HasStrike = true
		inst.Right = right
	}
	return inst, nil
}

// parseOptionCode reads strike digits at [3:8] and the month letter at [8]:
// A-L are call months, M-X put months.
func parseOptionCode(code string) (float64, Right, error) {
	if len(code) < 9 {
		return 0, RightNone, fmt.Errorf("%w: %q too short", ErrMalformedStrike, code)
	}
	strike, err := strconv.Atoi(code[3:8])
	if err != nil {
		return 0, RightNone, fmt.Errorf("%w: %q", ErrMalformedStrike, code)
	}
	right := RightPut
	if m := code[8] &^ 0x20; m >= 'A' && m <= 'L' {
		right = RightCall
	}
	return float64(strike), right, nil
}

func matchPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func matchExact(s string, codes []string) bool {
	for _, c := range codes {
		if s == c {
			return true
		}
	}
	return false
}
