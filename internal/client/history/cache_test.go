package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

type fakeSource struct {
	mu        sync.Mutex
	messages  map[int64][]chat.Message
	sessions  []chat.Session
	msgCalls  atomic.Int32
	sessCalls atomic.Int32
	gate      chan struct{}
	err       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(map[int64][]chat.Message)}
}

func (f *fakeSource) ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	f.msgCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.messages[sessionID]...), nil
}

func (f *fakeSource) ListSessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	f.sessCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return chat.SessionPage{
		Items:      append([]chat.Session(nil), f.sessions...),
		Pagination: chat.Pagination{Page: page, PageSize: pageSize, Total: len(f.sessions)},
	}, nil
}

func (f *fakeSource) setMessages(sessionID int64, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]chat.Message, 0, len(texts))
	for i, text := range texts {
		msgs = append(msgs, chat.FromStored(chat.StoredMessage{ID: int64(i + 1), SessionID: sessionID, Role: chat.RoleUser, Content: text}))
	}
	f.messages[sessionID] = msgs
}

func TestCacheReadThrough(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "a", "b")
	c := New(src)
	ctx := context.Background()

	got, err := c.Messages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = c.Messages(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.msgCalls.Load(), "second read served from cache")
}

func TestCacheInvalidateRefetches(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "a")
	c := New(src)
	ctx := context.Background()

	_, err := c.Messages(ctx, 1)
	require.NoError(t, err)

	src.setMessages(1, "a", "b")
	c.InvalidateMessages(1)
	got, err := c.Messages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 2, src.msgCalls.Load())
	assert.Equal(t, 1, c.Invalidations(MessagesKey(1)))
	assert.Zero(t, c.Invalidations(MessagesKey(2)))
}

func TestCacheTTL(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "a")
	now := time.Unix(1_700_000_000, 0)
	c := New(src, WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := c.Messages(ctx, 1)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = c.Messages(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.msgCalls.Load())

	now = now.Add(31 * time.Second)
	_, err = c.Messages(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.msgCalls.Load())
}

func TestCacheSharesConcurrentFetches(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "a")
	src.gate = make(chan struct{})
	c := New(src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Messages(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return src.msgCalls.Load() == 1 }, time.Second, time.Millisecond)
	// give the other readers time to join the flight
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.EqualValues(t, 1, src.msgCalls.Load())
}

func TestCacheStaleFetchIsNotStored(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "old")
	src.gate = make(chan struct{})
	c := New(src)

	done := make(chan []chat.Message)
	go func() {
		got, _ := c.Messages(context.Background(), 1)
		done <- got
	}()
	require.Eventually(t, func() bool { return src.msgCalls.Load() == 1 }, time.Second, time.Millisecond)

	c.InvalidateMessages(1)
	close(src.gate)
	<-done

	src.gate = nil
	src.setMessages(1, "old", "new")
	got, err := c.Messages(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, got, 2, "fetch that raced an invalidation must not be served as fresh")
	assert.EqualValues(t, 2, src.msgCalls.Load())
}

func TestCacheErrorsAreNotCached(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("boom")
	c := New(src)

	_, err := c.Messages(context.Background(), 1)
	require.Error(t, err)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	_, err = c.Messages(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.msgCalls.Load())
}

func TestCacheSessionsPagesShareInvalidation(t *testing.T) {
	src := newFakeSource()
	src.sessions = []chat.Session{{ID: 1, Title: "one"}}
	c := New(src)
	ctx := context.Background()

	page, err := c.Sessions(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Total)
	_, err = c.Sessions(ctx, 2, 10)
	require.NoError(t, err)
	_, err = c.Sessions(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.sessCalls.Load())

	c.InvalidateSessions()
	_, err = c.Sessions(ctx, 1, 10)
	require.NoError(t, err)
	_, err = c.Sessions(ctx, 2, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 4, src.sessCalls.Load())
	assert.Equal(t, 1, c.Invalidations(SessionsKey))
}

func TestCacheApplyEvent(t *testing.T) {
	c := New(newFakeSource())

	c.ApplyEvent(chat.ChangeEvent{Type: chat.EventMessagesChanged, SessionID: 7})
	c.ApplyEvent(chat.ChangeEvent{Type: chat.EventSessionsChanged})
	c.ApplyEvent(chat.ChangeEvent{Type: chat.EventMessagesChanged})
	c.ApplyEvent(chat.ChangeEvent{Type: "unknown"})

	assert.Equal(t, 1, c.Invalidations(MessagesKey(7)))
	assert.Equal(t, 1, c.Invalidations(SessionsKey))
}

func TestCacheReturnsCopies(t *testing.T) {
	src := newFakeSource()
	src.setMessages(1, "a")
	c := New(src)

	got, err := c.Messages(context.Background(), 1)
	require.NoError(t, err)
	got[0].Content[0].Text = "mutated"

	again, err := c.Messages(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Text())
}
