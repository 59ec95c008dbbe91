package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/provider"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Methods understood by the broker gateway.
const (
	MethodCatalog     = "catalog"
	MethodSnapshots   = "snapshots"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodKBars       = "kbars"
)

// Push frame types.
const (
	FrameTick   = "tick"
	FrameBidAsk = "bidask"
)

// Frame is the single JSON envelope used in both directions. Requests carry
// ID, Method and Params; responses echo ID with Result or Error; pushes
// carry Type and Data and no ID.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RPCError is a request rejected by the gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type SnapshotParams struct {
	Codes []string `json:"codes"`
}

// KBarsParams bounds a kbar query. Dates are YYYY-MM-DD in exchange time.
type KBarsParams struct {
	Code  string `json:"code"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type SubscribeParams struct {
	Code string             `json:"code"`
	Kind provider.QuoteKind `json:"kind"`
}

type Config struct {
	URL           string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	EventBuffer   int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		ReadTimeout:   90 * time.Second,
		PingInterval:  30 * time.Second,
		ReconnectBase: 500 * time.Millisecond,
		ReconnectMax:  30 * time.Second,
		EventBuffer:   4096,
	}
}

type subscription struct {
	code string
	kind provider.QuoteKind
}

// Client implements provider.Feed over the gateway's websocket protocol.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger
	dialer *websocket.Dialer
	events chan provider.Event

	connMu sync.RWMutex
	conn   *websocket.Conn
	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	subsMu sync.Mutex
	subs   map[subscription]struct{}

	healthMu sync.RWMutex
	health   provider.Health

	stop context.CancelFunc
	done chan struct{}
}

var _ provider.Feed = (*Client)(nil)

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig("").EventBuffer
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		events:  make(chan provider.Event, cfg.EventBuffer),
		pending: make(map[string]chan Frame),
		subs:    make(map[subscription]struct{}),
	}
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "gateway"
}

// Health returns current provider health status
func (c *Client) Health() provider.Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

func (c *Client) Events() <-chan provider.Event {
	return c.events
}

// Start dials the gateway once and then supervises the connection,
// reconnecting with exponential backoff and restoring subscriptions.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.updateHealth(false, err)
		return fmt.Errorf("connect gateway %s: %w", c.cfg.URL, err)
	}
	c.logger.Infow("Connected to gateway", "url", c.cfg.URL)

	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.done = make(chan struct{})
	go c.supervise(ctx, conn)
	return nil
}

func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

func (c *Client) supervise(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	resubscribe := false
	for {
		err := c.serve(ctx, conn, resubscribe)
		if ctx.Err() != nil {
			return
		}
		c.updateHealth(false, err)
		c.healthMu.Lock()
		c.health.Reconnects++
		c.healthMu.Unlock()
		c.logger.Warnw("Gateway connection lost, reconnecting", "error", err)

		b := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectBase))
		err = retry.Do(ctx, b, func(ctx context.Context) error {
			next, err := c.dial(ctx)
			if err != nil {
				c.updateHealth(false, err)
				c.logger.Debugw("Gateway dial failed", "error", err)
				return retry.RetryableError(err)
			}
			conn = next
			return nil
		})
		if err != nil {
			return
		}
		c.logger.Infow("Reconnected to gateway", "url", c.cfg.URL)
		resubscribe = true
	}
}

// serve owns one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, resubscribe bool) error {
	c.setConn(conn)
	c.updateHealth(true, nil)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	if resubscribe {
		go c.resubscribe(ctx)
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.drop(conn)
			<-readErr
			return ctx.Err()

		case err := <-readErr:
			c.drop(conn)
			return err

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debugw("Gateway ping failed", "error", err)
			}
		}
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	conn.Close()
	c.setConn(nil)
	c.failPending()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("gateway read: %w", err)
		}
		extend()
		c.dispatch(ctx, f)
	}
}

func (c *Client) dispatch(ctx context.Context, f Frame) {
	if f.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- f
		}
		return
	}

	var ev provider.Event
	switch f.Type {
	case FrameTick:
		var t provider.Tick
		if err := json.Unmarshal(f.Data, &t); err != nil {
			c.logger.Warnw("Failed to parse tick frame", "error", err, "data", string(f.Data))
			return
		}
		ev.Tick = &t
	case FrameBidAsk:
		var ba provider.BidAsk
		if err := json.Unmarshal(f.Data, &ba); err != nil {
			c.logger.Warnw("Failed to parse bidask frame", "error", err, "data", string(f.Data))
			return
		}
		ev.BidAsk = &ba
	default:
		c.logger.Debugw("Ignoring gateway frame", "type", f.Type)
		return
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) updateHealth(healthy bool, err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	c.health.Healthy = healthy
	if healthy {
		c.health.LastSuccess = time.Now()
		c.health.LastError = ""
	} else if err != nil {
		c.health.LastError = err.Error()
	}
}

// call sends one request and waits for its response or ctx.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn := c.currentConn()
	if conn == nil {
		return provider.ErrNotConnected
	}

	req := Frame{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, provider.ErrNotConnected)
		}
		if resp.Error != nil {
			return resp.Error
		}
		c.updateHealth(true, nil)
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) Catalog(ctx context.Context) ([]ladder.CatalogEntry, error) {
	var entries []ladder.CatalogEntry
	if err := c.call(ctx, MethodCatalog, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) Snapshots(ctx context.Context, codes []string) ([]provider.Snapshot, error) {
	var snaps []provider.Snapshot
	if err := c.call(ctx, MethodSnapshots, SnapshotParams{Codes: codes}, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *Client) KBars(ctx context.Context, code string, start, end time.Time) ([]provider.KBar, error) {
	params := KBarsParams{Code: code, Start: start.Format(time.DateOnly), End: end.Format(time.DateOnly)}
	var bars []provider.KBar
	if err := c.call(ctx, MethodKBars, params, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// Subscribe registers the stream so it is restored after a reconnect.
func (c *Client) Subscribe(ctx context.Context, code string, kind provider.QuoteKind) error {
	sub := subscription{code: code, kind: kind}
	c.subsMu.Lock()
	_, had := c.subs[sub]
	c.subs[sub] = struct{}{}
	c.subsMu.Unlock()

	if err := c.call(ctx, MethodSubscribe, SubscribeParams{Code: code, Kind: kind}, nil); err != nil {
		if !had {
			c.subsMu.Lock()
			delete(c.subs, sub)
			c.subsMu.Unlock()
		}
		return err
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, code string, kind provider.QuoteKind) error {
	err := c.call(ctx, MethodUnsubscribe, SubscribeParams{Code: code, Kind: kind}, nil)
	if err == nil || errors.Is(err, provider.ErrNotConnected) {
		c.subsMu.Lock()
		delete(c.subs, subscription{code: code, kind: kind})
		c.subsMu.Unlock()
	}
	return err
}

// Subscriptions returns the number of streams restored on reconnect.
func (c *Client) Subscriptions() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

func (c *Client) resubscribe(ctx context.Context) {
	c.subsMu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	failed := 0
	for _, s := range subs {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := c.call(callCtx, MethodSubscribe, SubscribeParams{Code: s.code, Kind: s.kind}, nil)
		cancel()
		if err != nil {
			failed++
			c.logger.Warnw("Resubscribe failed", "code", s.code, "kind", s.kind, "error", err)
		}
	}
	c.logger.Infow("Restored gateway subscriptions", "total", len(subs), "failed", failed)
}
