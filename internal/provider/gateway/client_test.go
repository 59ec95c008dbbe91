package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway answers the RPC methods and pushes one tick per subscribe.
type fakeGateway struct {
	mu         sync.Mutex
	subscribes map[string]int
	conns      int
	// dropAfterSubscribe closes the first connection right after the first subscribe reply.
	dropAfterSubscribe bool
	dropped            bool
	kbarParams         KBarsParams
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscribes: make(map[string]int)}
}

func (g *fakeGateway) subscribeCount(code string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribes[code]
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	g.mu.Lock()
	g.conns++
	g.mu.Unlock()

	reply := func(id string, result any) {
		raw, _ := json.Marshal(result)
		_ = conn.WriteJSON(Frame{ID: id, Result: raw})
	}

	for {
		var req Frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Method {
		case MethodCatalog:
			reply(req.ID, []ladder.CatalogEntry{
				{Code: "TXFF5", Category: "TXF", DeliveryDate: "2025/06/18"},
				{Code: "TXO22000F5", Category: "TXO", DeliveryMonth: "202506"},
			})

		case MethodSnapshots:
			var p SnapshotParams
			_ = json.Unmarshal(req.Params, &p)
			if len(p.Codes) > 0 && p.Codes[0] == "SLOW" {
				continue
			}
			snaps := make([]provider.Snapshot, 0, len(p.Codes))
			for _, code := range p.Codes {
				snaps = append(snaps, provider.Snapshot{Code: code, Close: 22000})
			}
			reply(req.ID, snaps)

		case MethodKBars:
			var p KBarsParams
			_ = json.Unmarshal(req.Params, &p)
			g.mu.Lock()
			g.kbarParams = p
			g.mu.Unlock()
			reply(req.ID, []provider.KBar{
				{TsMs: 1748826000000, Open: 22000, High: 22010, Low: 21990, Close: 22005, Volume: 120},
				{TsMs: 1748826060000, Open: 22005, High: 22020, Low: 22000, Close: 22015, Volume: 80},
			})

		case MethodSubscribe:
			var p SubscribeParams
			_ = json.Unmarshal(req.Params, &p)
			if p.Code == "BAD" {
				_ = conn.WriteJSON(Frame{ID: req.ID, Error: &RPCError{Code: 404, Message: "unknown code"}})
				continue
			}
			g.mu.Lock()
			g.subscribes[p.Code]++
			drop := g.dropAfterSubscribe && !g.dropped
			g.dropped = g.dropped || drop
			g.mu.Unlock()

			reply(req.ID, map[string]bool{"ok": true})
			if p.Kind == provider.KindTick {
				data, _ := json.Marshal(provider.Tick{Code: p.Code, Close: 22001, TotalVolume: 3})
				_ = conn.WriteJSON(Frame{Type: FrameTick, Data: data})
			}
			if drop {
				return
			}

		case MethodUnsubscribe:
			reply(req.ID, map[string]bool{"ok": true})
		}
	}
}

func startClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.DialTimeout = time.Second

	c := NewClient(cfg, zap.NewNop().Sugar())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientCatalogAndSnapshots(t *testing.T) {
	c := startClient(t, newFakeGateway())
	ctx := context.Background()

	entries, err := c.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "TXO22000F5", entries[1].Code)
	assert.Equal(t, "202506", entries[1].DeliveryMonth)

	snaps, err := c.Snapshots(ctx, []string{"TXFF5", "001"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "001", snaps[1].Code)
	assert.Equal(t, 22000.0, snaps[1].Close)

	assert.True(t, c.Health().Healthy)
}

func TestClientKBars(t *testing.T) {
	g := newFakeGateway()
	c := startClient(t, g)

	start := time.Date(2025, 5, 3, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	bars, err := c.KBars(context.Background(), "TXFR1", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 22015.0, bars[1].Close)
	assert.Equal(t, int64(80), bars[1].Volume)

	g.mu.Lock()
	params := g.kbarParams
	g.mu.Unlock()
	assert.Equal(t, KBarsParams{Code: "TXFR1", Start: "2025-05-03", End: "2025-06-02"}, params)
}

func TestClientSubscribeDeliversPushes(t *testing.T) {
	c := startClient(t, newFakeGateway())

	require.NoError(t, c.Subscribe(context.Background(), "TXFF5", provider.KindTick))
	assert.Equal(t, 1, c.Subscriptions())

	select {
	case ev := <-c.Events():
		require.NotNil(t, ev.Tick)
		assert.Equal(t, "TXFF5", ev.Code())
		assert.Equal(t, 22001.0, ev.Tick.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick pushed")
	}

	require.NoError(t, c.Unsubscribe(context.Background(), "TXFF5", provider.KindTick))
	assert.Equal(t, 0, c.Subscriptions())
}

func TestClientRPCError(t *testing.T) {
	c := startClient(t, newFakeGateway())

	err := c.Subscribe(context.Background(), "BAD", provider.KindTick)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 404, rpcErr.Code)
	assert.Equal(t, 0, c.Subscriptions(), "rejected subscriptions are not restored")
}

func TestClientSnapshotTimeout(t *testing.T) {
	c := startClient(t, newFakeGateway())

	_, err := provider.SnapshotsWithin(context.Background(), c, []string{"SLOW"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, provider.ErrTimeout)
}

func TestClientNotStarted(t *testing.T) {
	c := NewClient(DefaultConfig("ws://127.0.0.1:1"), zap.NewNop().Sugar())

	_, err := c.Catalog(context.Background())
	assert.ErrorIs(t, err, provider.ErrNotConnected)
}

func TestClientStartFails(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1")
	cfg.DialTimeout = 200 * time.Millisecond
	c := NewClient(cfg, zap.NewNop().Sugar())

	assert.Error(t, c.Start(context.Background()))
	assert.False(t, c.Health().Healthy)
}

func TestClientReconnectRestoresSubscriptions(t *testing.T) {
	g := newFakeGateway()
	g.dropAfterSubscribe = true
	c := startClient(t, g)

	require.NoError(t, c.Subscribe(context.Background(), "TXO22000F5", provider.KindBidAsk))

	assert.Eventually(t, func() bool {
		return g.connCount() >= 2 && g.subscribeCount("TXO22000F5") >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.Health().Healthy && c.Health().Reconnects >= 1
	}, 3*time.Second, 10*time.Millisecond)
}
