package chat

import (
	"context"
	"errors"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Store persists sessions and their messages. Session summaries (last
// message, message count, update time) are maintained by the store.
type Store interface {
	CreateSession(ctx context.Context, title string) (chat.Session, error)
	GetSession(ctx context.Context, id int64) (chat.Session, error)
	// ListSessions returns sessions ordered by most recent activity and the
	// total number of sessions.
	ListSessions(ctx context.Context, offset, limit int) ([]chat.Session, int, error)
	// DeleteSession removes the session and all of its messages.
	DeleteSession(ctx context.Context, id int64) error

	AppendMessage(ctx context.Context, msg chat.StoredMessage) (chat.StoredMessage, error)
	ListMessages(ctx context.Context, sessionID int64) ([]chat.StoredMessage, error)
	// DeleteMessage removes one message and returns it.
	DeleteMessage(ctx context.Context, id int64) (chat.StoredMessage, error)

	Close() error
}
