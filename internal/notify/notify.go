// Package notify carries notification events from the background loops to
// the delivery layer. Events are published after the owning transaction has
// committed; delivery never happens inside a store transaction.
package notify

import "log/slog"

// Kind labels where an event came from.
type Kind string

const (
	KindPriceChange Kind = "price_change"
	KindAutoSell    Kind = "auto_sell"
)

// Event is one (target, message) pair for the external delivery layer.
// Target is an opaque channel or user id; the engine does not interpret it.
type Event struct {
	Kind    Kind   `json:"kind"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// Hub is a bounded in-process event stream. Publish never blocks the
// producing loop: when the consumer falls behind, events are dropped and
// counted, matching the at-most-once delivery the notification surface
// promises.
type Hub struct {
	events chan Event
}

// NewHub creates a hub with the given buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{events: make(chan Event, buffer)}
}

// Publish enqueues an event, dropping it if the buffer is full.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("notification dropped, buffer full",
			"kind", string(ev.Kind), "target", ev.Target)
	}
}

// Events returns the receive side of the stream.
func (h *Hub) Events() <-chan Event {
	return h.events
}
