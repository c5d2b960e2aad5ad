package chat

// Change feed event types.
const (
	EventSessionsChanged = "sessions.changed"
	EventMessagesChanged = "messages.changed"
)

// ChangeEvent tells clients that server state moved. SessionID is set for
// message changes.
type ChangeEvent struct {
	Type      string `json:"type"`
	SessionID int64  `json:"sessionId,omitempty"`
}
