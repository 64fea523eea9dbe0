package chat

import "errors"

// Service-level errors. Handlers and the gateway map these to HTTP status
// codes and wire error codes.
var (
	ErrNotAParticipant      = errors.New("sender is not an active participant")
	ErrValidation           = errors.New("invalid payload")
	ErrPersistence          = errors.New("persistence failure")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAuthentication       = errors.New("authentication failed")
	ErrConnectionGone       = errors.New("connection is gone")
	ErrDeliveryTimeout      = errors.New("delivery timed out")
)

// ErrorCode returns the machine-readable code used in websocket error
// events and REST error bodies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAParticipant):
		return "NOT_A_PARTICIPANT"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrConversationNotFound):
		return "CONVERSATION_NOT_FOUND"
	case errors.Is(err, ErrAuthentication):
		return "AUTHENTICATION_ERROR"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
