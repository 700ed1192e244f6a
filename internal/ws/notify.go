package ws

import (
	"encoding/json"
	"time"
)

const (
	EventHealth    = "health"
	EventRunLogged = "run_logged"
	EventWorker    = "worker"
)

type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Publisher accepts pipeline events. *Hub implements it; Nop discards.
type Publisher interface {
	Publish(eventType string, data any)
}

type nop struct{}

func (nop) Publish(string, any) {}

var Nop Publisher = nop{}

// Publish encodes an event and broadcasts it. Encoding failures are logged
// and dropped.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("type", eventType).Msg("ws event encode failed")
		return
	}
	h.Broadcast(b)
}
