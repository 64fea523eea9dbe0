package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/metrics"
)

// Event is a presence transition as it goes out on the wire.
type Event struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives presence events for broadcast. Implemented by the
// chat hub; kept as an interface so a message bus can replace it.
type Publisher interface {
	PublishUserOnline(Event)
	PublishUserOffline(Event)
}

// Tracker is the presence registry. The transition decision happens inside
// the Index; persistence and broadcast run after, outside any critical
// section, so a slow database write never blocks other users' transitions.
type Tracker struct {
	index Index
	store Store
	pub   Publisher
}

func NewTracker(index Index, store Store, pub Publisher) *Tracker {
	return &Tracker{index: index, store: store, pub: pub}
}

func (t *Tracker) Connect(ctx context.Context, connID, userID string) error {
	first, err := t.index.Add(ctx, connID, userID)
	if err != nil {
		return fmt.Errorf("presence: connect %s: %w", connID, err)
	}
	if !first {
		return nil
	}

	ev := Event{UserID: userID, Timestamp: time.Now().UTC()}
	metrics.PresenceTransitions.WithLabelValues("online").Inc()
	if err := t.store.SetOnline(ctx, userID); err != nil {
		// The in-memory state is still authoritative; the flag catches up
		// on the next transition.
		log.Error().Err(err).Str("user_id", userID).Msg("persist online flag")
	}
	t.pub.PublishUserOnline(ev)
	return nil
}

func (t *Tracker) Disconnect(ctx context.Context, connID string) error {
	userID, last, err := t.index.Remove(ctx, connID)
	if err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", connID, err)
	}
	if userID == "" || !last {
		return nil
	}

	ev := Event{UserID: userID, Timestamp: time.Now().UTC()}
	metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	if err := t.store.SetOffline(ctx, userID, ev.Timestamp); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("persist offline flag")
	}
	t.pub.PublishUserOffline(ev)
	return nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return t.index.IsOnline(ctx, userID)
}

func (t *Tracker) ConnectionCount(ctx context.Context, userID string) (int, error) {
	return t.index.ConnectionCount(ctx, userID)
}

func (t *Tracker) Connections(ctx context.Context, userID string) ([]string, error) {
	return t.index.Connections(ctx, userID)
}

func (t *Tracker) TotalOnlineUsers(ctx context.Context) (int, error) {
	return t.index.TotalOnline(ctx)
}

func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return t.index.OnlineUsers(ctx)
}
