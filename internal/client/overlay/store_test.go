package overlay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

func textMessage(id string, role chat.Role, text string, status chat.Status) chat.Message {
	return chat.Message{
		ID:      id,
		Role:    role,
		Content: []chat.Part{{Type: chat.PartText, Text: text}},
		Status:  status,
	}
}

func ptr[T any](v T) *T { return &v }

func TestStoreAppendKeepsOrder(t *testing.T) {
	s := NewStore()
	s.Append(1, textMessage("temp-u", chat.RoleUser, "hi", chat.StatusComplete))
	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "", chat.StatusLoading))
	s.Append(2, textMessage("temp-x", chat.RoleUser, "other", chat.StatusComplete))

	got := s.Read(1)
	require.Len(t, got, 2)
	assert.Equal(t, "temp-u", got[0].ID)
	assert.Equal(t, "temp-a", got[1].ID)
	assert.Equal(t, []int64{1, 2}, s.Sessions())
}

func TestStorePatch(t *testing.T) {
	s := NewStore()
	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "", chat.StatusLoading))

	ok := s.Patch(1, "temp-a", Patch{Text: ptr("Hel"), Status: ptr(chat.StatusIncomplete)})
	require.True(t, ok)

	msg, found := s.Get(1, "temp-a")
	require.True(t, found)
	assert.Equal(t, "Hel", msg.Text())
	assert.Equal(t, chat.StatusIncomplete, msg.Status)

	// status only
	require.True(t, s.Patch(1, "temp-a", Patch{Status: ptr(chat.StatusComplete)}))
	msg, _ = s.Get(1, "temp-a")
	assert.Equal(t, "Hel", msg.Text())
	assert.Equal(t, chat.StatusComplete, msg.Status)
}

func TestStorePatchAppendsTextPart(t *testing.T) {
	s := NewStore()
	s.Append(1, chat.Message{
		ID:      "temp-u",
		Role:    chat.RoleUser,
		Content: []chat.Part{{Type: chat.PartImage, URL: "http://h/a.png", MimeType: "image/png"}},
	})

	require.True(t, s.Patch(1, "temp-u", Patch{Text: ptr("caption")}))
	msg, _ := s.Get(1, "temp-u")
	require.Len(t, msg.Content, 2)
	assert.Equal(t, chat.PartImage, msg.Content[0].Type)
	assert.Equal(t, "caption", msg.Content[1].Text)
}

func TestStorePatchUnknownIsNoop(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Patch(1, "temp-missing", Patch{Text: ptr("x")}))

	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "keep", chat.StatusLoading))
	assert.False(t, s.Patch(1, "temp-other", Patch{Text: ptr("x")}))
	msg, _ := s.Get(1, "temp-a")
	assert.Equal(t, "keep", msg.Text())
}

func TestStoreClearAndRemove(t *testing.T) {
	s := NewStore()
	s.Append(1, textMessage("temp-u", chat.RoleUser, "hi", chat.StatusComplete))
	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "", chat.StatusLoading))

	assert.True(t, s.Remove(1, "temp-a"))
	assert.False(t, s.Remove(1, "temp-a"))
	require.Len(t, s.Read(1), 1)

	s.Clear(1)
	assert.Empty(t, s.Read(1))
	assert.Empty(t, s.Sessions())

	// clearing an empty session is fine
	s.Clear(42)
}

func TestStoreReadReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "original", chat.StatusLoading))

	got := s.Read(1)
	got[0].Content[0].Text = "mutated"
	got[0].Status = chat.StatusError

	msg, _ := s.Get(1, "temp-a")
	assert.Equal(t, "original", msg.Text())
	assert.Equal(t, chat.StatusLoading, msg.Status)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	s.Append(1, textMessage("temp-a", chat.RoleAssistant, "", chat.StatusLoading))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Patch(1, "temp-a", Patch{Text: ptr("x")})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Read(1)
			}
		}()
	}
	wg.Wait()

	msg, ok := s.Get(1, "temp-a")
	require.True(t, ok)
	assert.Equal(t, "x", msg.Text())
}
