package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-chat/internal/client/api"
	"github.com/zhouzirui/tavern-chat/internal/client/history"
	"github.com/zhouzirui/tavern-chat/internal/client/reconciler"
	"github.com/zhouzirui/tavern-chat/internal/client/stream"
	"github.com/zhouzirui/tavern-chat/internal/config"
	"github.com/zhouzirui/tavern-chat/internal/handler"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
	aiService "github.com/zhouzirui/tavern-chat/internal/service/ai"
	chatService "github.com/zhouzirui/tavern-chat/internal/service/chat"
)

func init() {
	color.NoColor = true
}

func assistant(id, text string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleAssistant, Content: []chat.Part{{Type: chat.PartText, Text: text}}}
}

func TestStreamViewPrintsDeltas(t *testing.T) {
	var out bytes.Buffer
	var v streamView
	placeholder := chat.TempIDPrefix + "a"

	assert.False(t, v.update(&out, []chat.Message{assistant(placeholder, "")}, true))
	assert.False(t, v.update(&out, []chat.Message{assistant(placeholder, "Hel")}, true))
	assert.False(t, v.update(&out, []chat.Message{assistant(placeholder, "Hello")}, true))
	assert.True(t, v.update(&out, []chat.Message{assistant("7", "Hello there")}, false))

	assert.Equal(t, "assistant: Hello there\n", out.String())
	assert.Empty(t, v.id)
}

func TestStreamViewKeepsOverlayOutcome(t *testing.T) {
	var out bytes.Buffer
	var v streamView
	placeholder := chat.TempIDPrefix + "b"

	v.update(&out, []chat.Message{assistant(placeholder, "partial")}, true)
	v.update(&out, []chat.Message{assistant("3", "older reply"), assistant(placeholder, "partial"+reconciler.InterruptedSuffix)}, false)

	assert.Equal(t, "assistant: partial"+reconciler.InterruptedSuffix+"\n", out.String())
}

func TestStreamViewRewritesReplacedText(t *testing.T) {
	var out bytes.Buffer
	var v streamView
	placeholder := chat.TempIDPrefix + "c"

	v.update(&out, []chat.Message{assistant(placeholder, "half")}, true)
	v.update(&out, []chat.Message{assistant(placeholder, reconciler.FailureText)}, false)

	assert.Equal(t, "assistant: half\n"+reconciler.FailureText+"\n", out.String())
}

func TestStreamViewIgnoresIdleState(t *testing.T) {
	var out bytes.Buffer
	var v streamView

	assert.False(t, v.update(&out, []chat.Message{assistant("1", "persisted")}, false))
	assert.False(t, v.update(&out, nil, true))
	assert.Empty(t, out.String())
}

type replFixture struct {
	repl    *repl
	rec     *reconciler.Reconciler
	chatSvc *chatService.Service
	out     *bytes.Buffer
}

func newREPLFixture(t *testing.T, tokensPerSecond float64) *replFixture {
	t.Helper()
	ctx := context.Background()

	chatSvc := chatService.NewService(chatService.NewMemoryStore(), nil)
	aiSvc, err := aiService.NewServiceWithModel(ctx, config.AIConfig{StreamResponse: true}, aiService.NewEchoModel(tokensPerSecond))
	require.NoError(t, err)
	server := httptest.NewServer(handler.NewRouter(chatSvc, aiSvc, nil, ""))
	t.Cleanup(server.Close)

	client := api.New(server.URL)
	rec := reconciler.New(reconciler.Options{
		API:     client,
		Streams: stream.NewController(client),
		History: history.New(client),
	})
	t.Cleanup(rec.Close)

	out := &bytes.Buffer{}
	return &replFixture{repl: newREPL(rec, out, 10), rec: rec, chatSvc: chatSvc, out: out}
}

func (f *replFixture) output() string {
	f.repl.mu.Lock()
	defer f.repl.mu.Unlock()
	return f.out.String()
}

func TestREPLStreamsReply(t *testing.T) {
	f := newREPLFixture(t, 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsubscribe := f.rec.Subscribe()
	defer unsubscribe()
	go f.repl.render(ctx, changes)

	require.NoError(t, f.repl.handle(ctx, "hello repl"))
	require.Eventually(t, func() bool {
		return strings.Contains(f.output(), "assistant: Echo: hello repl\n")
	}, 3*time.Second, 5*time.Millisecond)

	sessionID, ok := f.rec.ActiveSession()
	require.True(t, ok)
	stored, err := f.chatSvc.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestREPLCommands(t *testing.T) {
	f := newREPLFixture(t, 1000)
	ctx := context.Background()

	assert.ErrorIs(t, f.repl.handle(ctx, "/quit"), errQuit)
	assert.ErrorIs(t, f.repl.handle(ctx, "/exit"), errQuit)
	assert.NoError(t, f.repl.handle(ctx, "   "))
	assert.NoError(t, f.repl.handle(ctx, "/retry"))
	assert.NoError(t, f.repl.handle(ctx, "/switch nope"))
	assert.NoError(t, f.repl.handle(ctx, "/bogus"))

	session, err := f.chatSvc.CreateSession(ctx, "picked", "")
	require.NoError(t, err)
	require.NoError(t, f.repl.handle(ctx, "/switch "+strconv.FormatInt(session.ID, 10)))
	active, _ := f.rec.ActiveSession()
	assert.Equal(t, session.ID, active)
	assert.Contains(t, f.output(), "(no messages)")

	require.NoError(t, f.repl.handle(ctx, "/sessions"))
	assert.Contains(t, f.output(), "picked")

	require.NoError(t, f.repl.handle(ctx, "/delete"))
	_, ok := f.rec.ActiveSession()
	assert.False(t, ok)
	_, err = f.chatSvc.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, chatService.ErrSessionNotFound)

	require.NoError(t, f.repl.handle(ctx, "/new"))
}

func TestREPLInterrupt(t *testing.T) {
	f := newREPLFixture(t, 1000)
	assert.ErrorIs(t, f.repl.interrupt(), errQuit)
}

func TestREPLAttachRejectsUnsupportedFile(t *testing.T) {
	f := newREPLFixture(t, 1000)
	path := filepath.Join(t.TempDir(), "notes.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0o600))

	require.NoError(t, f.repl.handle(context.Background(), "/attach "+path))
	assert.Nil(t, f.repl.pending)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "0", "-1", "x"} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}
