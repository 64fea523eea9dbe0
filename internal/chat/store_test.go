package chat

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

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

func TestCreateDirectIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)

	conv1, created, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)
	require.True(t, created)

	conv2, created, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv1.ID, conv2.ID)

	// the pair is unordered
	conv3, created, err := store.CreateDirect(ctx, b, a)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv1.ID, conv3.ID)
}

func TestCreateDirectRejectsSelf(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	a := seedUser(t, db)
	_, _, err := store.CreateDirect(context.Background(), a, a)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateGroupValidation(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)

	_, err := store.CreateGroup(ctx, a, "", []string{b})
	require.ErrorIs(t, err, ErrValidation)

	_, err = store.CreateGroup(ctx, a, "Class of 2015", nil)
	require.ErrorIs(t, err, ErrValidation)

	conv, err := store.CreateGroup(ctx, a, "Class of 2015", []string{b, b, a})
	require.NoError(t, err)
	require.Equal(t, ConversationGroup, conv.Type)

	members, err := store.ActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestParticipantSoftLeaveAndRejoin(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	require.NoError(t, store.RemoveParticipant(ctx, conv.ID, b))
	active, err := store.IsActiveParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.False(t, active)

	// the row survives a soft leave
	p, err := store.Participant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.False(t, p.IsActive)
	before := p.JoinedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.AddParticipant(ctx, conv.ID, b))
	p, err = store.Participant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.True(t, p.IsActive)
	require.True(t, p.JoinedAt.After(before))
}

func TestAddParticipantUnknownConversation(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	u := seedUser(t, db)
	err := store.AddParticipant(context.Background(), uuid.NewString(), u)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMarkReadIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	t1 := time.Now().UTC().Truncate(time.Millisecond)
	t0 := t1.Add(-time.Hour)

	require.NoError(t, store.MarkRead(ctx, conv.ID, b, t1))
	p, err := store.Participant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)
	require.True(t, p.LastReadAt.Equal(t1))

	// an earlier timestamp is a no-op
	require.NoError(t, store.MarkRead(ctx, conv.ID, b, t0))
	p, err = store.Participant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.True(t, p.LastReadAt.Equal(t1))

	// so is replaying the same timestamp
	require.NoError(t, store.MarkRead(ctx, conv.ID, b, t1))
	p, err = store.Participant(ctx, conv.ID, b)
	require.NoError(t, err)
	require.True(t, p.LastReadAt.Equal(t1))
}

func TestInsertMessageAdvancesLastMessageAt(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)
	require.Nil(t, conv.LastMessageAt)

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       a,
		Content:        "hello",
		Type:           MessageText,
		Metadata:       map[string]any{"client": "web"},
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.InsertMessage(ctx, msg))

	got, err := store.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	require.True(t, got.LastMessageAt.Equal(msg.CreatedAt))

	list, err := store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, msg.ID, list[0].ID)
	require.Equal(t, "web", list[0].Metadata["client"])
}

func TestListMessagesNewestFirst(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 3; i++ {
		m := &Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       a,
			Content:        fmt.Sprintf("msg %d", i),
			Type:           MessageText,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.InsertMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	list, err := store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, ids[2], list[0].ID)
	require.Equal(t, ids[0], list[2].ID)
}
