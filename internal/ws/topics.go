package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/store"
)

// ParseEvents reads a comma-separated event filter. Unknown names are
// ignored; an empty filter selects every event.
func ParseEvents(param string) []string {
	if strings.TrimSpace(param) == "" {
		return append([]string(nil), publish.AllEvents...)
	}
	wanted := make(map[string]bool)
	for _, e := range strings.Split(param, ",") {
		wanted[strings.TrimSpace(e)] = true
	}
	var out []string
	for _, e := range publish.AllEvents {
		if wanted[e] {
			out = append(out, e)
		}
	}
	return out
}

type cachedEvent struct {
	event   string
	payload json.RawMessage
}

// latest collects the cached payload of every replayable event in events,
// in publish order. Events with nothing cached yet are skipped.
func latest(ctx context.Context, cache *store.Cache, events []string) ([]cachedEvent, error) {
	var out []cachedEvent
	for _, e := range events {
		if !publish.Replayable(e) {
			continue
		}
		raw, err := cache.Latest(ctx, e)
		if errors.Is(err, store.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, cachedEvent{event: e, payload: raw})
	}
	return out, nil
}
