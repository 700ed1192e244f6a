package ws

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Any origin may subscribe to the read-only event stream.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler mounts the event stream on a fiber route.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
	serve  fiber.Handler
}

func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	h := &Handler{hub: hub, logger: logger}
	h.serve = adaptor.HTTPHandlerFunc(h.subscribe)
	return h
}

// HandleEvents upgrades the request and streams hub events to it until the
// peer goes away or the hub shuts down.
func (h *Handler) HandleEvents(c fiber.Ctx) error {
	if h == nil || h.hub == nil {
		return fiber.ErrServiceUnavailable
	}
	if !strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket") {
		return fiber.ErrUpgradeRequired
	}
	return h.serve(c)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	client := NewClient(h.hub, conn)
	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
