package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/chat"
	"github.com/alumnihub/backend/internal/metrics"
)

// Emitter is the offline fallback: it writes a durable notification row
// for a recipient with no live connection, and optionally queues an email
// delivery task. The row is the at-least-once guarantee; email is
// best-effort on top.
type Emitter struct {
	db    *sql.DB
	queue *asynq.Client // nil when Redis is not configured
}

func NewEmitter(db *sql.DB, queue *asynq.Client) *Emitter {
	return &Emitter{db: db, queue: queue}
}

func (e *Emitter) MessageReceived(ctx context.Context, userID string, msg *chat.Message) error {
	id := uuid.NewString()
	data, _ := json.Marshal(map[string]string{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"sender_id":       msg.SenderID,
	})

	now := time.Now().UTC()
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, data, is_read, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'chat', ?, 0, ?, ?)`,
		id, userID, "New message", preview(msg.Content), string(data), now, now)
	if err != nil {
		return fmt.Errorf("notify: insert notification: %w", err)
	}
	metrics.OfflineNotifications.Inc()

	if e.queue != nil {
		payload, _ := json.Marshal(emailTaskPayload{NotificationID: id, UserID: userID})
		task := asynq.NewTask(TaskEmailNotification, payload)
		if _, err := e.queue.Enqueue(task, asynq.Queue("notifications"), asynq.MaxRetry(5)); err != nil {
			// The notification row is already durable; only the email lags.
			log.Warn().Err(err).Str("notification_id", id).Msg("enqueue email task")
		}
	}
	return nil
}

func (e *Emitter) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notifications WHERE user_id=? AND is_read=0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notify: unread count: %w", err)
	}
	return n, nil
}

func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	return content[:max] + "…"
}
