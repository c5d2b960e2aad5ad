package reconciler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-chat/internal/client/history"
	"github.com/zhouzirui/tavern-chat/internal/client/overlay"
	"github.com/zhouzirui/tavern-chat/internal/client/stream"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var errBackend = errors.New("backend unavailable")

// fakeBackend implements API and history.Source in memory.
type fakeBackend struct {
	mu          sync.Mutex
	nextSession int64
	messages    map[int64][]chat.Message
	sessions    []chat.Session

	createErr     error
	createGate    chan struct{}
	createCalls   []string
	deleteMsgErr  error
	deleteSessErr error
	deletedMsgs   []int64
	deletedSess   []int64
	uploadErr     error
	uploads       []string
	cancels       []int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextSession: 100, messages: make(map[int64][]chat.Message)}
}

func (b *fakeBackend) CreateSession(ctx context.Context, title, hint string) (chat.Session, error) {
	b.mu.Lock()
	b.createCalls = append(b.createCalls, title)
	gate := b.createGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return chat.Session{}, b.createErr
	}
	b.nextSession++
	s := chat.Session{ID: b.nextSession, Title: title}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) DeleteSession(ctx context.Context, sessionID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteSessErr != nil {
		return b.deleteSessErr
	}
	b.deletedSess = append(b.deletedSess, sessionID)
	return nil
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, messageID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteMsgErr != nil {
		return b.deleteMsgErr
	}
	b.deletedMsgs = append(b.deletedMsgs, messageID)
	return nil
}

func (b *fakeBackend) UploadAttachment(ctx context.Context, name string, r io.Reader) (chat.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return chat.Attachment{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return chat.Attachment{}, b.uploadErr
	}
	b.uploads = append(b.uploads, name)
	return chat.Attachment{
		URL:      "http://localhost/uploads/" + name,
		MimeType: chat.MimeTypeFromURL(name),
		Name:     name,
		Size:     int64(len(data)),
	}, nil
}

func (b *fakeBackend) CancelGeneration(ctx context.Context, sessionID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, sessionID)
	return nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chat.Message, 0, len(b.messages[sessionID]))
	for _, m := range b.messages[sessionID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (b *fakeBackend) ListSessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chat.SessionPage{
		Items:      append([]chat.Session(nil), b.sessions...),
		Pagination: chat.Pagination{Page: page, PageSize: pageSize, Total: len(b.sessions)},
	}, nil
}

func (b *fakeBackend) setMessages(sessionID int64, stored ...chat.StoredMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]chat.Message, 0, len(stored))
	for _, s := range stored {
		s.SessionID = sessionID
		msgs = append(msgs, chat.FromStored(s))
	}
	b.messages[sessionID] = msgs
}

// fakeTransport hands each opened stream to the test as a pipe writer.
type fakeTransport struct {
	mu       sync.Mutex
	requests []chat.GenerationRequest
	reply    chat.StoredMessage
	opened   chan *io.PipeWriter
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *io.PipeWriter, 8)}
}

func (f *fakeTransport) OpenStream(ctx context.Context, req chat.GenerationRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	f.opened <- pw
	return pr, nil
}

func (f *fakeTransport) Send(ctx context.Context, req chat.GenerationRequest) (chat.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply, nil
}

func (f *fakeTransport) lastRequest() chat.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type noteRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *noteRecorder) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *noteRecorder) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, note := range n.notes {
		if note.Level == LevelError {
			count++
		}
	}
	return count
}

type harness struct {
	backend   *fakeBackend
	transport *fakeTransport
	cache     *history.Cache
	overlay   *overlay.Store
	notes     *noteRecorder
	rec       *Reconciler
}

func newHarness(t *testing.T, active int64, opts ...stream.ControllerOption) *harness {
	t.Helper()
	h := &harness{
		backend:   newFakeBackend(),
		transport: newFakeTransport(),
		overlay:   overlay.NewStore(),
		notes:     &noteRecorder{},
	}
	h.cache = history.New(h.backend)
	h.rec = New(Options{
		API:           h.backend,
		Streams:       stream.NewController(h.transport, opts...),
		History:       h.cache,
		Overlay:       h.overlay,
		Notifier:      h.notes,
		ActiveSession: active,
		CancelTimeout: time.Second,
	})
	t.Cleanup(h.rec.Close)
	return h
}

func (h *harness) nextStream(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-h.transport.opened:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.rec.IsStreaming() }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) placeholder(t *testing.T, sessionID int64) chat.Message {
	t.Helper()
	msgs := h.overlay.Read(sessionID)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, chat.RoleAssistant, last.Role)
	return last
}
