package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/metrics"
)

const deliveryTimeout = 10 * time.Second

// PresenceReader is the slice of the presence registry the dispatcher
// needs to resolve live connections.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	Connections(ctx context.Context, userID string) ([]string, error)
}

// Deliverer pushes a payload to one connection. Satisfied by *Hub.
type Deliverer interface {
	Send(connID string, payload []byte) error
}

// Notifier is the offline-fallback collaborator: invoked once per
// recipient with no reachable connection.
type Notifier interface {
	MessageReceived(ctx context.Context, userID string, msg *Message) error
}

type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	Metadata       map[string]any
}

// Dispatcher persists inbound messages and routes them to recipients.
// Sends within one conversation are serialized through a lane so persisted
// order and delivery order coincide; different conversations run in
// parallel.
type Dispatcher struct {
	store    *Store
	presence PresenceReader
	hub      Deliverer
	notifier Notifier

	lanes sync.Map // conversation id -> *lane
}

func NewDispatcher(store *Store, presence PresenceReader, hub Deliverer, notifier Notifier) *Dispatcher {
	return &Dispatcher{store: store, presence: presence, hub: hub, notifier: notifier}
}

// lane serializes one conversation. Persistence happens under mu, and the
// delivery job is queued before mu is released, so fan-out runs in
// persisted order without the lock being held across any socket write.
type lane struct {
	mu sync.Mutex

	qmu     sync.Mutex
	jobs    []func()
	running bool
}

func (l *lane) push(job func()) {
	l.qmu.Lock()
	l.jobs = append(l.jobs, job)
	if l.running {
		l.qmu.Unlock()
		return
	}
	l.running = true
	l.qmu.Unlock()
	go l.drain()
}

func (l *lane) drain() {
	for {
		l.qmu.Lock()
		if len(l.jobs) == 0 {
			l.running = false
			l.qmu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		l.qmu.Unlock()
		job()
	}
}

func (d *Dispatcher) lane(convID string) *lane {
	if v, ok := d.lanes.Load(convID); ok {
		return v.(*lane)
	}
	v, _ := d.lanes.LoadOrStore(convID, &lane{})
	return v.(*lane)
}

// Send validates, persists and fans out one message. The message id and
// created_at are assigned exactly once here; anything after the commit is
// delivery, which never re-persists.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (*Message, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if in.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	msgType := in.Type
	if msgType == "" {
		msgType = MessageText
	}
	if !ValidMessageType(msgType) {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrValidation, in.Type)
	}

	active, err := d.store.IsActiveParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrNotAParticipant
	}

	l := d.lane(in.ConversationID)
	l.mu.Lock()
	// created_at is stamped under the lane lock, so within a conversation
	// timestamps agree with commit order.
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           msgType,
		Metadata:       in.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	err = d.store.InsertMessage(ctx, msg)
	if err == nil {
		l.push(func() { d.fanOut(msg) })
	}
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.Inc()
	return msg, nil
}

type newMessagePayload struct {
	ConversationID string   `json:"conversationId"`
	Message        *Message `json:"message"`
}

func (d *Dispatcher) fanOut(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	recipients, err := d.store.ActiveParticipants(ctx, msg.ConversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("resolve recipients")
		return
	}

	payload := marshalEvent(EventNewMessage, newMessagePayload{
		ConversationID: msg.ConversationID,
		Message:        msg,
	})

	for _, uid := range recipients {
		if uid == msg.SenderID {
			continue
		}
		d.deliverTo(ctx, uid, msg, payload)
	}
}

// deliverTo fans one message out to every live connection of one user, or
// falls back to the notifier. A recipient whose connections all turn out
// unreachable counts as offline; the message is already committed, so
// nothing here surfaces to the sender.
func (d *Dispatcher) deliverTo(ctx context.Context, userID string, msg *Message, payload []byte) {
	online, err := d.presence.IsOnline(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence lookup")
		online = false
	}

	if online {
		conns, err := d.presence.Connections(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("resolve connections")
			conns = nil
		}
		delivered := false
		for _, connID := range conns {
			if err := d.hub.Send(connID, payload); err != nil {
				log.Debug().Err(err).Str("conn_id", connID).Msg("deliver")
				continue
			}
			delivered = true
		}
		if delivered {
			return
		}
	}

	if err := d.notifier.MessageReceived(ctx, userID, msg); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("offline notification")
	}
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// RelayTyping pushes a typing indicator to the other active participants.
// Nothing is persisted; recipients without a live connection just miss it.
func (d *Dispatcher) RelayTyping(ctx context.Context, convID, senderID, event string) error {
	active, err := d.store.IsActiveParticipant(ctx, convID, senderID)
	if err != nil {
		return err
	}
	if !active {
		return ErrNotAParticipant
	}

	recipients, err := d.store.ActiveParticipants(ctx, convID)
	if err != nil {
		return err
	}

	payload := marshalEvent(event, typingPayload{ConversationID: convID, UserID: senderID})
	for _, uid := range recipients {
		if uid == senderID {
			continue
		}
		conns, err := d.presence.Connections(ctx, uid)
		if err != nil {
			continue
		}
		for _, connID := range conns {
			_ = d.hub.Send(connID, payload)
		}
	}
	return nil
}
