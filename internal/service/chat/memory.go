package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// MemoryStore keeps everything in process memory. Suitable for development and
// tests.
type MemoryStore struct {
	mu            sync.RWMutex
	nextSessionID int64
	nextMessageID int64
	sessions      map[int64]chat.Session
	messages      map[int64][]chat.StoredMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]chat.Session),
		messages: make(map[int64][]chat.StoredMessage),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, title string) (chat.Session, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSessionID++
	session := chat.Session{
		ID:        s.nextSessionID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.StoredMessage, 0, 16)
	return session, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id int64) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, offset, limit int) ([]chat.Session, int, error) {
	s.mu.RLock()
	all := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, session)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	total := len(all)
	if offset >= total {
		return []chat.Session{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg chat.StoredMessage) (chat.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return chat.StoredMessage{}, ErrSessionNotFound
	}

	s.nextMessageID++
	msg.ID = s.nextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)

	session.LastMessage = msg.Content
	session.MessageCount = len(s.messages[msg.SessionID])
	session.UpdatedAt = msg.CreatedAt
	s.sessions[msg.SessionID] = session
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID int64) ([]chat.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := make([]chat.StoredMessage, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id int64) (chat.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID, messages := range s.messages {
		for i, msg := range messages {
			if msg.ID != id {
				continue
			}
			messages = append(messages[:i], messages[i+1:]...)
			s.messages[sessionID] = messages

			session := s.sessions[sessionID]
			session.MessageCount = len(messages)
			session.LastMessage = ""
			if n := len(messages); n > 0 {
				session.LastMessage = messages[n-1].Content
			}
			s.sessions[sessionID] = session
			return msg, nil
		}
	}
	return chat.StoredMessage{}, ErrMessageNotFound
}

func (s *MemoryStore) Close() error { return nil }
