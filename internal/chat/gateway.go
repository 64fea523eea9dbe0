package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/auth"
	"github.com/alumnihub/backend/internal/metrics"
	"github.com/alumnihub/backend/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow CORS for demo; tighten in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authWait bounds how long an unauthenticated connection may sit idle
// before its authenticate frame arrives.
const authWait = 10 * time.Second

// UnreadCounter reports pending notifications, pushed to a client right
// after it authenticates.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Gateway accepts websocket connections, authenticates them and binds
// them to the presence registry.
type Gateway struct {
	hub        *Hub
	tracker    *presence.Tracker
	dispatcher *Dispatcher
	unread     UnreadCounter
	jwtSecret  string
}

func NewGateway(hub *Hub, tracker *presence.Tracker, dispatcher *Dispatcher, unread UnreadCounter, jwtSecret string) *Gateway {
	return &Gateway{hub: hub, tracker: tracker, dispatcher: dispatcher, unread: unread, jwtSecret: jwtSecret}
}

// RegisterWS mounts GET /ws. Auth works via:
// 1) Query:  ?token=<JWT>
// 2) Header: Authorization: Bearer <JWT>
// 3) First frame: authenticate{token} within authWait
func RegisterWS(rg *gin.RouterGroup, gw *Gateway) {
	rg.GET("/ws", gw.serve)
}

func (gw *Gateway) serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	userID, err := gw.authenticate(conn, token)
	if err != nil {
		log.Debug().Err(err).Msg("ws authentication rejected")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage,
			marshalEvent(EventError, errorPayload{Code: ErrorCode(ErrAuthentication), Message: "authentication failed"}))
		conn.Close()
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	gw.hub.Register(client)
	metrics.WsConnections.Inc()
	if err := gw.tracker.Connect(context.Background(), client.ID, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence connect")
	}

	if gw.unread != nil {
		if n, err := gw.unread.UnreadCount(context.Background(), userID); err == nil {
			client.enqueue(marshalEvent(EventUnreadCount, map[string]int{"count": n}))
		}
	}

	go client.writePump()
	go client.readPump(gw)
}

func (gw *Gateway) authenticate(conn *websocket.Conn, token string) (string, error) {
	if token == "" {
		conn.SetReadDeadline(time.Now().Add(authWait))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("%w: no authenticate frame: %v", ErrAuthentication, err)
		}
		conn.SetReadDeadline(time.Time{})

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event != EventAuthenticate {
			return "", fmt.Errorf("%w: expected %s event", ErrAuthentication, EventAuthenticate)
		}
		var data struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
			return "", fmt.Errorf("%w: missing token", ErrAuthentication)
		}
		token = data.Token
	}

	claims, err := auth.ParseToken(gw.jwtSecret, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return claims.UserID, nil
}

// dropClient unbinds a finished connection. The hub unregister is
// idempotent, so a client already dropped for backpressure is fine.
func (gw *Gateway) dropClient(c *Client) {
	gw.hub.Unregister(c.ID)
	metrics.WsConnections.Dec()
	if err := gw.tracker.Disconnect(context.Background(), c.ID); err != nil {
		log.Error().Err(err).Str("conn_id", c.ID).Msg("presence disconnect")
	}
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ackPayload struct {
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (gw *Gateway) handleFrame(c *Client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.enqueue(marshalEvent(EventError, errorPayload{Code: ErrorCode(ErrValidation), Message: "malformed frame"}))
		return
	}

	switch env.Event {
	case EventSendMessage:
		var data struct {
			ConversationID string         `json:"conversationId"`
			Content        string         `json:"content"`
			Type           string         `json:"type"`
			Metadata       map[string]any `json:"metadata"`
		}
		if env.Data != nil {
			_ = json.Unmarshal(env.Data, &data)
		}
		msg, err := gw.dispatcher.Send(context.Background(), SendInput{
			ConversationID: data.ConversationID,
			SenderID:       c.UserID,
			Content:        data.Content,
			Type:           data.Type,
			Metadata:       data.Metadata,
		})
		if err != nil {
			c.enqueue(marshalEvent(EventError, errorPayload{Code: ErrorCode(err), Message: err.Error()}))
			return
		}
		c.enqueue(marshalEvent(EventMessageAck, ackPayload{MessageID: msg.ID, CreatedAt: msg.CreatedAt}))

	case EventTypingStart, EventTypingStop:
		var data struct {
			ConversationID string `json:"conversationId"`
		}
		if env.Data != nil {
			_ = json.Unmarshal(env.Data, &data)
		}
		if err := gw.dispatcher.RelayTyping(context.Background(), data.ConversationID, c.UserID, env.Event); err != nil {
			log.Debug().Err(err).Str("user_id", c.UserID).Msg("typing relay")
		}

	case EventAuthenticate:
		// already authenticated at connect time

	default:
		c.enqueue(marshalEvent(EventError, errorPayload{Code: ErrorCode(ErrValidation), Message: "unknown event"}))
	}
}
