package engine

import (
	"context"

	"vruitrack/pkg/protocol"
)

// Hub fans device snapshots out to subscribers. Slow subscribers miss
// snapshots instead of stalling the receive path.
type Hub struct {
	broadcast  chan protocol.Snapshot
	register   chan chan protocol.Snapshot
	unregister chan chan protocol.Snapshot
	clients    map[chan protocol.Snapshot]struct{}
	clientBuf  int
	done       chan struct{}
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Snapshot, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Snapshot, 64),
		register:   make(chan chan protocol.Snapshot),
		unregister: make(chan chan protocol.Snapshot),
		clients:    make(map[chan protocol.Snapshot]struct{}),
		clientBuf:  16,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case snap := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- snap:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Snapshot {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer registers a subscriber. The returned channel is closed
// when the hub stops; it is nil if the hub has already stopped.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Snapshot {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Snapshot, size)
	select {
	case h.register <- ch:
		return ch
	case <-h.done:
		return nil
	}
}

func (h *Hub) Unsubscribe(ch chan protocol.Snapshot) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish blocks while the broadcast buffer is full.
func (h *Hub) Publish(snap protocol.Snapshot) {
	select {
	case h.broadcast <- snap:
	case <-h.done:
	}
}

// TryPublish drops the snapshot when the broadcast buffer is full.
func (h *Hub) TryPublish(snap protocol.Snapshot) bool {
	select {
	case h.broadcast <- snap:
		return true
	default:
		return false
	}
}
