// Package overlay holds optimistic, not yet persisted messages per session.
package overlay

import (
	"slices"
	"sort"
	"sync"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// Patch changes selected fields of an overlay message. Nil fields are left alone.
type Patch struct {
	Text   *string
	Status *chat.Status
}

// Store maps a session id to its ordered overlay messages. Entries are always
// newer than the session's last persisted message.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64][]chat.Message
}

// NewStore returns an empty overlay store.
func NewStore() *Store {
	return &Store{sessions: make(map[int64][]chat.Message)}
}

// Append adds msg to the end of the session's overlay.
func (s *Store) Append(sessionID int64, msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msg.Clone())
}

// Patch applies p to the message with messageID. It reports false, changing
// nothing, when the session or message is unknown.
func (s *Store) Patch(sessionID int64, messageID string, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[sessionID]
	i := indexOf(list, messageID)
	if i < 0 {
		return false
	}

	msg := list[i].Clone()
	if p.Text != nil {
		msg.Content = setText(msg.Content, *p.Text)
	}
	if p.Status != nil {
		msg.Status = *p.Status
	}
	list[i] = msg
	return true
}

// Clear drops the whole overlay of a session.
func (s *Store) Clear(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Remove deletes one message from the overlay.
func (s *Store) Remove(sessionID int64, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[sessionID]
	i := indexOf(list, messageID)
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(s.sessions, sessionID)
	} else {
		s.sessions[sessionID] = list
	}
	return true
}

// Read returns a copy of the session's overlay, oldest first.
func (s *Store) Read(sessionID int64) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.sessions[sessionID]
	if len(list) == 0 {
		return nil
	}
	out := make([]chat.Message, len(list))
	for i, msg := range list {
		out[i] = msg.Clone()
	}
	return out
}

// Get returns a copy of one overlay message.
func (s *Store) Get(sessionID int64, messageID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.sessions[sessionID]
	i := indexOf(list, messageID)
	if i < 0 {
		return chat.Message{}, false
	}
	return list[i].Clone(), true
}

// Sessions lists the sessions that currently have overlay entries.
func (s *Store) Sessions() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func indexOf(list []chat.Message, messageID string) int {
	for i := range list {
		if list[i].ID == messageID {
			return i
		}
	}
	return -1
}

// setText replaces the first text part, appending one when there is none.
func setText(parts []chat.Part, text string) []chat.Part {
	for i := range parts {
		if parts[i].Type == chat.PartText {
			parts[i].Text = text
			return parts
		}
	}
	return append(parts, chat.Part{Type: chat.PartText, Text: text})
}
