package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	defaultTitle    = "New chat"
)

var (
	ErrInvalidSession = errors.New("invalid session id")
	ErrEmptyContent   = errors.New("message content is required")
)

// Service encapsulates conversation state management on top of a Store.
type Service struct {
	store  Store
	events *Broker
}

// NewService wires the service to its store. A nil broker disables change
// events.
func NewService(store Store, events *Broker) *Service {
	if events == nil {
		events = NewBroker()
	}
	return &Service{store: store, events: events}
}

// Events exposes the change feed.
func (s *Service) Events() *Broker {
	return s.events
}

// CreateSession provisions a session. An empty title is derived from hint.
func (s *Service) CreateSession(ctx context.Context, title, hint string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.TitleFromContent(strings.TrimSpace(hint))
	}
	if title == "" {
		title = defaultTitle
	}

	session, err := s.store.CreateSession(ctx, title)
	if err != nil {
		return chat.Session{}, err
	}
	s.events.Publish(chat.ChangeEvent{Type: chat.EventSessionsChanged})
	return session, nil
}

// ListSessions returns one page of session summaries, most recent first.
func (s *Service) ListSessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, total, err := s.store.ListSessions(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return chat.SessionPage{}, err
	}
	if items == nil {
		items = []chat.Session{}
	}
	return chat.SessionPage{
		Items:      items,
		Pagination: chat.Pagination{Page: page, PageSize: pageSize, Total: total},
	}, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, id int64) (chat.Session, error) {
	if id <= 0 {
		return chat.Session{}, ErrInvalidSession
	}
	return s.store.GetSession(ctx, id)
}

// DeleteSession removes a session together with its messages.
func (s *Service) DeleteSession(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidSession
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.events.Publish(chat.ChangeEvent{Type: chat.EventSessionsChanged})
	return nil
}

// ListMessages returns the transcript of a session in insertion order.
func (s *Service) ListMessages(ctx context.Context, sessionID int64) ([]chat.StoredMessage, error) {
	if sessionID <= 0 {
		return nil, ErrInvalidSession
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []chat.StoredMessage{}
	}
	return messages, nil
}

// DeleteMessage removes a single message.
func (s *Service) DeleteMessage(ctx context.Context, id int64) error {
	msg, err := s.store.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	s.publishTurn(msg.SessionID)
	return nil
}

// Turn is the input of one generation: the prior transcript and the user
// message being answered.
type Turn struct {
	History []chat.StoredMessage
	User    chat.StoredMessage
}

// PrepareGeneration records the user side of a generation request and returns
// what the generator needs. On regenerate, assistant replies after the last
// user message are discarded and a matching user message is reused rather
// than stored twice.
//
// No change event is published here; the turn is announced once the reply is
// saved.
func (s *Service) PrepareGeneration(ctx context.Context, req chat.GenerationRequest) (Turn, error) {
	if req.SessionID <= 0 {
		return Turn{}, ErrInvalidSession
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && !req.HasAttachment() {
		return Turn{}, ErrEmptyContent
	}

	messages, err := s.store.ListMessages(ctx, req.SessionID)
	if err != nil {
		return Turn{}, err
	}

	if req.Regenerate {
		if messages, err = s.dropTrailingReplies(ctx, messages); err != nil {
			return Turn{}, err
		}
		if n := len(messages); n > 0 && hasMatchingUserMessage(messages[n-1], content, req.FileURL) {
			return Turn{History: messages[:n-1], User: messages[n-1]}, nil
		}
	}

	user := chat.StoredMessage{
		SessionID: req.SessionID,
		Role:      chat.RoleUser,
		Content:   content,
		FileURL:   req.FileURL,
		MimeType:  req.MimeType,
	}
	if req.HasAttachment() {
		user.FileName = chat.FileNameFromURL(req.FileURL)
		if user.MimeType == "" {
			user.MimeType = chat.MimeTypeFromURL(req.FileURL)
		}
	}
	if user, err = s.store.AppendMessage(ctx, user); err != nil {
		return Turn{}, err
	}
	return Turn{History: messages, User: user}, nil
}

// SaveAssistant stores the generated reply and announces the finished turn.
func (s *Service) SaveAssistant(ctx context.Context, sessionID int64, content string, status chat.Status) (chat.StoredMessage, error) {
	msg, err := s.store.AppendMessage(ctx, chat.StoredMessage{
		SessionID: sessionID,
		Role:      chat.RoleAssistant,
		Content:   content,
		Status:    status,
	})
	if err != nil {
		return chat.StoredMessage{}, err
	}
	s.publishTurn(sessionID)
	return msg, nil
}

func (s *Service) dropTrailingReplies(ctx context.Context, messages []chat.StoredMessage) ([]chat.StoredMessage, error) {
	for len(messages) > 0 {
		last := messages[len(messages)-1]
		if last.Role == chat.RoleUser {
			break
		}
		if _, err := s.store.DeleteMessage(ctx, last.ID); err != nil && !errors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
		messages = messages[:len(messages)-1]
	}
	return messages, nil
}

func (s *Service) publishTurn(sessionID int64) {
	s.events.Publish(chat.ChangeEvent{Type: chat.EventMessagesChanged, SessionID: sessionID})
	s.events.Publish(chat.ChangeEvent{Type: chat.EventSessionsChanged})
}

func hasMatchingUserMessage(last chat.StoredMessage, content, fileURL string) bool {
	if last.Role != chat.RoleUser {
		return false
	}
	return last.Content == content && last.FileURL == fileURL
}
