package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans events out to WebSocket subscribers. A subscriber whose queue is
// full is dropped instead of blocking the broadcaster.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	buffer      int
}

type subscriber struct {
	ch chan []byte
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subscribers: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func is idempotent and
// closes the channel.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	s := &subscriber{ch: make(chan []byte, h.buffer)}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	return s.ch, func() { h.remove(s) }
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast encodes the event once and queues it for every subscriber.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logf("[Notify] failed to encode %s event: %v", ev.Type, err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for s := range h.subscribers {
		select {
		case s.ch <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		logf("[Notify] dropping slow subscriber")
		h.remove(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.ch)
}

// Handler serves the live progress stream. Each frame is one JSON event.
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()

		events, cancel := h.Subscribe()
		defer cancel()

		// Clients never send anything; a read error means they went away.
		go func() {
			_, _ = io.Copy(io.Discard, conn)
			cancel()
		}()

		for data := range events {
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	})
}
