package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/optstream/optstream/internal/store"
	"go.uber.org/zap"
)

type SSEHandler struct {
	cache     *store.Cache
	logger    *zap.SugaredLogger
	heartbeat time.Duration
}

func NewSSEHandler(cache *store.Cache, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:     cache,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

// HandleSSE streams events as server-sent events named after the event. The
// events query parameter filters them; cached state is replayed first.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := ParseEvents(r.URL.Query().Get("events"))
	channels := make([]string, len(events))
	for i, e := range events {
		channels[i] = store.EventChannel(e)
	}
	if len(channels) == 0 {
		http.Error(w, "no known events requested", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.logger.Debugw("SSE connection established", "events", events)
	h.sendEvent(w, flusher, "connected", "", json.RawMessage(`{}`))

	cached, err := latest(ctx, h.cache, events)
	if err != nil {
		h.logger.Warnw("Failed to load cached events for replay", "error", err)
	}
	for _, ev := range cached {
		h.sendEvent(w, flusher, ev.event, "snapshot", ev.payload)
	}

	// Listen runs in its own goroutine; all writes stay on this one.
	msgs := make(chan cachedEvent, 256)
	go func() {
		defer close(msgs)
		err := h.cache.Listen(ctx, channels, func(channel, payload string) {
			select {
			case msgs <- cachedEvent{event: store.EventFromChannel(channel), payload: json.RawMessage(payload)}:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			h.logger.Warnw("SSE subscription ended", "error", err)
		}
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, flusher, "heartbeat", "ping", json.RawMessage(fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix())))

		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.sendEvent(w, flusher, msg.event, "", msg.payload)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data json.RawMessage) {
	fmt.Fprintf(w, "event: %s\n", event)
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
