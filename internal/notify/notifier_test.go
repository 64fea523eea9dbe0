package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alumnihub/backend/internal/chat"
	"github.com/alumnihub/backend/internal/storage/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, conn.Migrate("../../sql/schema.sql"))
	t.Cleanup(func() { conn.Close() })
	return conn.Db
}

func seedUser(t *testing.T, db *sql.DB) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO users (id, email, password_hash, first_name, last_name)
		 VALUES (?, ?, 'x', 'Test', 'User')`,
		id, fmt.Sprintf("%s@example.edu", id))
	require.NoError(t, err)
	return id
}

func TestMessageReceivedWritesNotification(t *testing.T) {
	db := newTestDB(t)
	e := NewEmitter(db, nil)
	ctx := context.Background()

	recipient := seedUser(t, db)
	sender := seedUser(t, db)
	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		SenderID:       sender,
		Content:        "see you at the reunion",
		Type:           chat.MessageText,
		CreatedAt:      time.Now().UTC(),
	}

	require.NoError(t, e.MessageReceived(ctx, recipient, msg))

	var title, body, typ, data string
	var isRead bool
	err := db.QueryRow(
		`SELECT title, message, type, data, is_read FROM notifications WHERE user_id=?`,
		recipient).Scan(&title, &body, &typ, &data, &isRead)
	require.NoError(t, err)
	require.Equal(t, "New message", title)
	require.Equal(t, msg.Content, body)
	require.Equal(t, "chat", typ)
	require.Contains(t, data, msg.ID)
	require.False(t, isRead)

	n, err := e.UnreadCount(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// a read notification leaves the unread count
	_, err = db.Exec(`UPDATE notifications SET is_read=1 WHERE user_id=?`, recipient)
	require.NoError(t, err)
	n, err = e.UnreadCount(ctx, recipient)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPreviewTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := preview(long)
	require.Len(t, got, 120+len("…"))
	require.True(t, strings.HasSuffix(got, "…"))

	require.Equal(t, "short", preview("short"))
}
