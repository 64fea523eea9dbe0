package chat

import "time"

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

func ValidMessageType(t string) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type Conversation struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Type          string     `json:"type"`
	CreatedBy     string     `json:"created_by"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// Message is immutable once persisted except for the edit fields.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsEdited       bool           `json:"is_edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
