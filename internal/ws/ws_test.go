package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseEvents(t *testing.T) {
	tests := []struct {
		name  string
		param string
		want  []string
	}{
		{name: "empty selects all", param: "", want: publish.AllEvents},
		{name: "subset in publish order", param: "optionData, marketInfo", want: []string{publish.EventMarketInfo, publish.EventOptionData}},
		{name: "unknown ignored", param: "marketInfo,candles", want: []string{publish.EventMarketInfo}},
		{name: "nothing known", param: "candles", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEvents(tt.param))
		})
	}
}

func send(t *testing.T, sink *store.EventSink, event, payload string) {
	t.Helper()
	require.NoError(t, sink.Send(context.Background(), publish.Message{Event: event, Payload: json.RawMessage(payload)}))
}

func TestHubReplaysAndFilters(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()
	sink := store.NewEventSink(cache)
	send(t, sink, publish.EventMarketInfo, `{"TSE":{"last":21900}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(cache, nil, logger, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?events=marketInfo,optionData"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, TypeSnapshot, first.Type)
	assert.Equal(t, publish.EventMarketInfo, first.Topic)
	assert.JSONEq(t, `{"TSE":{"last":21900}}`, string(first.Data))

	got := make(chan Message, 1)
	go func() {
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if m.Type == TypeUpdate {
				got <- m
				return
			}
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-got:
			assert.Equal(t, publish.EventOptionData, m.Topic, "bidAskData is filtered out")
			assert.JSONEq(t, `{"code":"TXO22000F5"}`, string(m.Data))
			assert.Equal(t, 1, hub.ClientCount())
			return
		case <-time.After(20 * time.Millisecond):
			// the hub's subscription may not be live yet
			send(t, sink, publish.EventBidAskData, `{"code":"TXO22000R5"}`)
			send(t, sink, publish.EventOptionData, `{"code":"TXO22000F5"}`)
		case <-deadline:
			t.Fatal("no update delivered")
		}
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(cache, []string{"http://localhost:3000"}, logger, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}

func TestSSEStreamsEvents(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()
	sink := store.NewEventSink(cache)
	send(t, sink, publish.EventPriceUpdate, `{"ts":1,"price":22000}`)

	srv := httptest.NewServer(http.HandlerFunc(NewSSEHandler(cache, logger).HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?events=priceUpdate", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(3 * time.Second):
			t.Fatal("stream stalled")
			return ""
		}
	}

	assert.Equal(t, "event: connected", next())
	assert.Equal(t, "data: {}", next())
	assert.Equal(t, "", next())
	assert.Equal(t, "event: priceUpdate", next())
	assert.Equal(t, "id: snapshot", next())
	assert.Equal(t, `data: {"ts":1,"price":22000}`, next())

	deadline := time.After(3 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			require.True(t, ok)
			if l == `data: {"ts":2,"price":22001}` {
				return
			}
		case <-time.After(20 * time.Millisecond):
			send(t, sink, publish.EventPriceUpdate, `{"ts":2,"price":22001}`)
		case <-deadline:
			t.Fatal("no live event delivered")
		}
	}
}

func TestSSERejectsUnknownEvents(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream?events=candles", nil)
	NewSSEHandler(cache, logger).HandleSSE(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
