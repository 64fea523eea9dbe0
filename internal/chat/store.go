package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store manages conversations, participants and messages on top of the
// relational schema.
type Store struct {
	db *sql.DB

	// directMu serializes direct-conversation creation so a concurrent
	// create for the same pair cannot insert a duplicate.
	directMu sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateDirect returns the direct conversation for the unordered pair
// (creatorID, otherID), creating it when absent. The second return value
// reports whether a new conversation was created.
func (s *Store) CreateDirect(ctx context.Context, creatorID, otherID string) (*Conversation, bool, error) {
	if otherID == "" || otherID == creatorID {
		return nil, false, fmt.Errorf("%w: direct conversation needs two distinct users", ErrValidation)
	}

	s.directMu.Lock()
	defer s.directMu.Unlock()

	existing, err := s.findDirect(ctx, creatorID, otherID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Type:      ConversationDirect,
		CreatedBy: creatorID,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_conversations (id, name, type, created_by, created_at, updated_at)
		 VALUES (?, NULL, ?, ?, ?, ?)`,
		conv.ID, conv.Type, conv.CreatedBy, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("%w: insert conversation: %v", ErrPersistence, err)
	}

	for _, uid := range []string{creatorID, otherID} {
		if err := insertParticipant(ctx, tx, conv.ID, uid, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return conv, true, nil
}

func (s *Store) findDirect(ctx context.Context, a, b string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.name, c.type, c.created_by, c.last_message_at, c.created_at
		 FROM chat_conversations c
		 JOIN chat_participants p1 ON p1.conversation_id=c.id AND p1.user_id=?
		 JOIN chat_participants p2 ON p2.conversation_id=c.id AND p2.user_id=?
		 WHERE c.type='direct' LIMIT 1`, a, b)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find direct conversation: %v", ErrPersistence, err)
	}
	return conv, nil
}

// CreateGroup creates a group conversation. The creator is always a
// participant; memberIDs are deduplicated.
func (s *Store) CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (*Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrValidation)
	}

	members := map[string]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		if id != "" {
			members[id] = struct{}{}
		}
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a group needs at least two participants", ErrValidation)
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      ConversationGroup,
		CreatedBy: creatorID,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_conversations (id, name, type, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Name, conv.Type, conv.CreatedBy, now, now)
	if err != nil {
		return nil, fmt.Errorf("%w: insert conversation: %v", ErrPersistence, err)
	}

	for uid := range members {
		if err := insertParticipant(ctx, tx, conv.ID, uid, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return conv, nil
}

func insertParticipant(ctx context.Context, tx *sql.Tx, convID, userID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chat_participants (id, conversation_id, user_id, joined_at, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		uuid.NewString(), convID, userID, now, now, now)
	if err != nil {
		return fmt.Errorf("%w: insert participant %s: %v", ErrPersistence, userID, err)
	}
	return nil
}

// AddParticipant adds a user to a conversation. Re-adding a previously
// removed user reactivates the existing row and refreshes joined_at.
func (s *Store) AddParticipant(ctx context.Context, convID, userID string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chat_conversations WHERE id=?`, convID).Scan(&n)
	if err != nil {
		return fmt.Errorf("%w: lookup conversation: %v", ErrPersistence, err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_participants SET is_active=1, joined_at=?, updated_at=?
		 WHERE conversation_id=? AND user_id=?`,
		now, now, convID, userID)
	if err != nil {
		return fmt.Errorf("%w: reactivate participant: %v", ErrPersistence, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_participants (id, conversation_id, user_id, joined_at, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		uuid.NewString(), convID, userID, now, now, now)
	if err != nil {
		return fmt.Errorf("%w: insert participant: %v", ErrPersistence, err)
	}
	return nil
}

// RemoveParticipant soft-leaves: the row stays so history survives.
func (s *Store) RemoveParticipant(ctx context.Context, convID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_participants SET is_active=0, updated_at=CURRENT_TIMESTAMP
		 WHERE conversation_id=? AND user_id=?`, convID, userID)
	if err != nil {
		return fmt.Errorf("%w: remove participant: %v", ErrPersistence, err)
	}
	return nil
}

// MarkRead advances last_read_at monotonically; a timestamp at or before
// the current value is a no-op.
func (s *Store) MarkRead(ctx context.Context, convID, userID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_participants SET last_read_at=?, updated_at=CURRENT_TIMESTAMP
		 WHERE conversation_id=? AND user_id=? AND (last_read_at IS NULL OR last_read_at < ?)`,
		ts, convID, userID, ts)
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) IsActiveParticipant(ctx context.Context, convID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chat_participants
		 WHERE conversation_id=? AND user_id=? AND is_active=1`, convID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: participant check: %v", ErrPersistence, err)
	}
	return n > 0, nil
}

func (s *Store) ActiveParticipants(ctx context.Context, convID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE conversation_id=? AND is_active=1`, convID)
	if err != nil {
		return nil, fmt.Errorf("%w: list participants: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan participant: %v", ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate participants: %v", ErrPersistence, err)
	}
	return ids, nil
}

func (s *Store) Participant(ctx context.Context, convID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, joined_at, last_read_at, is_active
		 FROM chat_participants WHERE conversation_id=? AND user_id=?`, convID, userID)

	var p Participant
	var lastRead sql.NullTime
	if err := row.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead, &p.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: load participant: %v", ErrPersistence, err)
	}
	if lastRead.Valid {
		p.LastReadAt = &lastRead.Time
	}
	return &p, nil
}

// InsertMessage persists a message and advances the conversation's
// last_message_at in one transaction. The message id and created_at must
// already be assigned; callers never re-run this on delivery retries.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	var metadata any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata: %v", ErrValidation, err)
		}
		metadata = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, conversation_id, sender_id, content, type, metadata, is_edited, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, metadata, m.CreatedAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", ErrPersistence, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_conversations SET last_message_at=?, updated_at=? WHERE id=?`,
		m.CreatedAt, m.CreatedAt, m.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: update last_message_at: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

// ListMessages pages newest-first through a conversation's messages.
func (s *Store) ListMessages(ctx context.Context, convID string, limit, offset int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, type, metadata, is_edited, edited_at, created_at
		 FROM chat_messages WHERE conversation_id=?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, convID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var metadata sql.NullString
		var editedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type,
			&metadata, &m.IsEdited, &editedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrPersistence, err)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		if editedAt.Valid {
			m.EditedAt = &editedAt.Time
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %v", ErrPersistence, err)
	}
	return out, nil
}

// ListMine returns the conversations where the user is an active
// participant, most recently active first.
func (s *Store) ListMine(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.type, c.created_by, c.last_message_at, c.created_at
		 FROM chat_conversations c
		 JOIN chat_participants p ON p.conversation_id=c.id
		 WHERE p.user_id=? AND p.is_active=1
		 ORDER BY c.last_message_at IS NULL, c.last_message_at DESC, c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan conversation: %v", ErrPersistence, err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate conversations: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, created_by, last_message_at, created_at
		 FROM chat_conversations WHERE id=?`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrPersistence, err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var name, createdBy sql.NullString
	var lastMessageAt sql.NullTime
	if err := row.Scan(&c.ID, &name, &c.Type, &createdBy, &lastMessageAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Name = name.String
	c.CreatedBy = createdBy.String
	if lastMessageAt.Valid {
		c.LastMessageAt = &lastMessageAt.Time
	}
	return &c, nil
}
