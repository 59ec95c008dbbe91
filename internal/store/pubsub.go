package store

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriptionBuffer = 256

// MockMessage mirrors redis.Message for the in-memory hub
type MockMessage struct {
	Channel string
	Payload string
}

// MockPubSub is one in-memory subscription, the counterpart of redis.PubSub
type MockPubSub struct {
	channels map[string]struct{}
	msgChan  chan *MockMessage
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func newMockPubSub(channels []string) *MockPubSub {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	return &MockPubSub{
		channels: set,
		msgChan:  make(chan *MockMessage, subscriptionBuffer),
		done:     make(chan struct{}),
	}
}

// Channel returns the message channel. It is closed by Close.
func (m *MockPubSub) Channel() <-chan *MockMessage {
	return m.msgChan
}

// Dropped counts messages discarded because the subscriber fell behind.
func (m *MockPubSub) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MockPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
		close(m.msgChan)
	}
	return nil
}

// deliver never blocks the publisher; a full buffer drops the message for
// this subscriber only, like a slow Redis client would. It reports false
// only for a drop.
func (m *MockPubSub) deliver(msg *MockMessage) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return true
	}
	if _, ok := m.channels[msg.Channel]; !ok {
		return true
	}
	select {
	case m.msgChan <- msg:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// PubSubHub routes in-memory publishes to subscriptions by channel
type PubSubHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*MockPubSub]struct{}
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string]map[*MockPubSub]struct{}),
	}
}

// Subscribe registers a subscription that lives until it is closed or ctx
// is done.
func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) *MockPubSub {
	sub := newMockPubSub(channels)

	h.mu.Lock()
	for _, ch := range channels {
		set, ok := h.subscribers[ch]
		if !ok {
			set = make(map[*MockPubSub]struct{})
			h.subscribers[ch] = set
		}
		set[sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
		h.remove(sub, channels)
	}()

	return sub
}

func (h *PubSubHub) remove(sub *MockPubSub, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range channels {
		delete(h.subscribers[ch], sub)
		if len(h.subscribers[ch]) == 0 {
			delete(h.subscribers, ch)
		}
	}
}

// Publish sends payload to every live subscription of channel. It returns
// how many subscriptions were targeted and how many of them dropped the
// message because they fell behind.
func (h *PubSubHub) Publish(channel, payload string) (reached, dropped int) {
	h.mu.RLock()
	subs := make([]*MockPubSub, 0, len(h.subscribers[channel]))
	for sub := range h.subscribers[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	msg := &MockMessage{Channel: channel, Payload: payload}
	for _, sub := range subs {
		if !sub.deliver(msg) {
			dropped++
		}
	}
	return len(subs), dropped
}

// Subscribers returns the number of subscriptions on channel.
func (h *PubSubHub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}
