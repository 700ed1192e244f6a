// Package ws fans pipeline events out to websocket subscribers.
package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	eventBuffer   = 1024
	controlBuffer = 128
)

// Hub owns the subscriber set. Only Run adds or removes subscribers and
// closes their send channels.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Client]struct{}

	events chan []byte
	joins  chan *Client
	leaves chan *Client
	done   chan struct{}
	once   sync.Once

	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Client]struct{}),
		events:      make(chan []byte, eventBuffer),
		joins:       make(chan *Client, controlBuffer),
		leaves:      make(chan *Client, controlBuffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run serves joins, leaves and events until ctx is done, then disconnects
// every subscriber. Register and Unregister never block after Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.remove(c, "left")
		case msg := <-h.events:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.subscribers[c] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug().Int("subscribers", n).Msg("ws subscriber joined")
}

func (h *Hub) remove(c *Client, reason string) {
	if c == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subscribers[c]
	if ok {
		delete(h.subscribers, c)
		close(c.send)
	}
	n := len(h.subscribers)
	h.mu.Unlock()
	if ok {
		h.logger.Debug().Str("reason", reason).Int("subscribers", n).Msg("ws subscriber removed")
	}
}

// fanOut delivers msg to every subscriber, dropping those whose send buffer
// is full.
func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.subscribers {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.remove(c, "slow consumer")
	}
}

func (h *Hub) shutdown() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	for c := range h.subscribers {
		delete(h.subscribers, c)
		close(c.send)
	}
	h.mu.Unlock()
	for {
		select {
		case c := <-h.joins:
			if c != nil {
				close(c.send)
			}
		default:
			return
		}
	}
}

func (h *Hub) Register(c *Client) {
	if h == nil {
		return
	}
	select {
	case h.joins <- c:
	case <-h.done:
		// hub is gone; let the write pump close the connection
		if c != nil {
			close(c.send)
		}
	}
}

func (h *Hub) Unregister(c *Client) {
	if h == nil {
		return
	}
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

// Broadcast queues msg for every subscriber. It never blocks; a full buffer
// drops the message.
func (h *Hub) Broadcast(msg []byte) {
	if h == nil {
		return
	}
	select {
	case h.events <- msg:
	default:
		h.logger.Warn().Str("reason", "buffer_full").Msg("ws broadcast dropped")
	}
}

func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
