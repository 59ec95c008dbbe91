package store

import (
	"context"
	"fmt"

	"github.com/optstream/optstream/internal/publish"
)

// EventSink fans events out over the cache's pub/sub channels and keeps the
// latest payload of every replayable event.
type EventSink struct {
	cache *Cache
}

func NewEventSink(cache *Cache) *EventSink {
	return &EventSink{cache: cache}
}

func (s *EventSink) Name() string {
	if s.cache.IsInMemoryMode() {
		return "memory"
	}
	return "redis"
}

// Send caches before publishing so a client that connects on the publish
// can already replay the payload.
func (s *EventSink) Send(ctx context.Context, msg publish.Message) error {
	if publish.Replayable(msg.Event) {
		if err := s.cache.SetLatest(ctx, msg.Event, msg.Payload); err != nil {
			return fmt.Errorf("cache latest %s: %w", msg.Event, err)
		}
	}
	return s.cache.Publish(ctx, EventChannel(msg.Event), msg.Payload)
}

// AllEventChannels lists the channel of every downstream event.
func AllEventChannels() []string {
	out := make([]string, len(publish.AllEvents))
	for i, e := range publish.AllEvents {
		out[i] = EventChannel(e)
	}
	return out
}
