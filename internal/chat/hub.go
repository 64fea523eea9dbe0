package chat

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/presence"
)

// Wire event names, matching the browser client.
const (
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send-message"
	EventMessageAck   = "message-ack"
	EventError        = "error"
	EventNewMessage   = "new-message"
	EventUserOnline   = "user-online"
	EventUserOffline  = "user-offline"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventUnreadCount  = "unread-notifications-count"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func marshalEvent(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal event data")
		raw = nil
	}
	b, _ := json.Marshal(Envelope{Event: event, Data: raw})
	return b
}

// Hub is the process-local broadcaster: it owns the connection-id to
// client mapping and pushes payloads into per-connection buffers. Who is
// behind a connection is the presence registry's business, never the
// hub's.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Client
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Client)}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
}

// Send pushes a payload to one connection without blocking. A full buffer
// means the client stopped draining; it is dropped, and the caller treats
// the connection as unreachable.
func (h *Hub) Send(connID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}

	if !c.enqueue(payload) {
		log.Warn().Str("conn_id", connID).Str("user_id", c.UserID).Msg("dropping slow client")
		h.Unregister(connID)
		return ErrDeliveryTimeout
	}
	return nil
}

// Broadcast publishes a payload on the global topic (every live
// connection). Slow clients are skipped, not dropped.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.enqueue(payload)
	}
}

// Hub implements presence.Publisher: presence transitions go out on the
// global topic.

func (h *Hub) PublishUserOnline(ev presence.Event) {
	h.Broadcast(marshalEvent(EventUserOnline, ev))
}

func (h *Hub) PublishUserOffline(ev presence.Event) {
	h.Broadcast(marshalEvent(EventUserOffline, ev))
}
