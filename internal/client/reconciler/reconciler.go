// Package reconciler drives sends, streams and deletes for the chat UI and
// folds optimistic overlay messages back into server history.
package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-chat/internal/client/overlay"
	"github.com/zhouzirui/tavern-chat/internal/client/stream"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const (
	// FailureText replaces the placeholder when a generation fails.
	FailureText = "Sorry, something went wrong. Please try again."
	// InterruptedSuffix is appended to a reply canceled by the user.
	InterruptedSuffix = " [interrupted]"

	defaultCancelTimeout = 5 * time.Second
)

// State is the lifecycle of the reply generated for a session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleting
	StateErroring
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateErroring:
		return "erroring"
	case StateCancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// API is the persistence backend used by the reconciler.
type API interface {
	CreateSession(ctx context.Context, title, hint string) (chat.Session, error)
	DeleteSession(ctx context.Context, sessionID int64) error
	DeleteMessage(ctx context.Context, messageID int64) error
	UploadAttachment(ctx context.Context, name string, r io.Reader) (chat.Attachment, error)
	CancelGeneration(ctx context.Context, sessionID int64) error
}

// Streams starts and cancels generations, one per session.
type Streams interface {
	Start(req chat.GenerationRequest, cb stream.Callbacks) (*stream.Handle, error)
	Cancel(sessionID int64) bool
	CancelAll()
}

// History reads server state and accepts invalidations. Invalidate methods are
// called with the reconciler's mutex held and must not call back into it.
type History interface {
	Messages(ctx context.Context, sessionID int64) ([]chat.Message, error)
	Sessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error)
	InvalidateMessages(sessionID int64)
	InvalidateSessions()
}

// Options wires a Reconciler. API, Streams and History are required.
type Options struct {
	API      API
	Streams  Streams
	History  History
	Overlay  *overlay.Store
	Notifier Notifier
	// ActiveSession restores a previously selected session; 0 means none.
	ActiveSession int64
	// CancelTimeout bounds the background server cancel request.
	CancelTimeout time.Duration
}

// turn is the in-flight generation of one session.
type turn struct {
	sessionID     int64
	placeholderID string
}

// Reconciler is safe for concurrent use. It never holds its mutex while
// calling Streams.Start or Streams.Cancel; stream callbacks take it.
type Reconciler struct {
	api           API
	streams       Streams
	history       History
	overlay       *overlay.Store
	notifier      Notifier
	cancelTimeout time.Duration

	mu        sync.Mutex
	active    int64
	epoch     uint64
	states    map[int64]State
	turns     map[int64]*turn
	hidden    map[int64]map[string]struct{}
	uploading int

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int

	bg sync.WaitGroup
}

// New builds a reconciler from opts.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		api:           opts.API,
		streams:       opts.Streams,
		history:       opts.History,
		overlay:       opts.Overlay,
		notifier:      opts.Notifier,
		cancelTimeout: opts.CancelTimeout,
		active:        opts.ActiveSession,
		states:        make(map[int64]State),
		turns:         make(map[int64]*turn),
		hidden:        make(map[int64]map[string]struct{}),
		subs:          make(map[int]chan struct{}),
	}
	if r.overlay == nil {
		r.overlay = overlay.NewStore()
	}
	if r.notifier == nil {
		r.notifier = logNotifier{}
	}
	if r.cancelTimeout <= 0 {
		r.cancelTimeout = defaultCancelTimeout
	}
	return r
}

// SendMessage sends content, with an optional uploaded attachment, in the
// active session. A session is created first when none is active.
func (r *Reconciler) SendMessage(ctx context.Context, content string, att *chat.Attachment) error {
	text := strings.TrimSpace(content)
	if text == "" && att == nil {
		return ErrEmptyMessage
	}

	r.mu.Lock()
	sessionID, epoch := r.active, r.epoch
	if sessionID != 0 {
		r.states[sessionID] = StateSending
	}
	r.mu.Unlock()

	if sessionID == 0 {
		id, err := r.createSession(ctx, text, att, epoch)
		if err != nil {
			return err
		}
		sessionID = id
	}

	user := chat.Message{
		ID:        chat.NewTempID(),
		Role:      chat.RoleUser,
		Status:    chat.StatusComplete,
		CreatedAt: time.Now(),
	}
	if text != "" {
		user.Content = append(user.Content, chat.Part{Type: chat.PartText, Text: text})
	}
	req := chat.GenerationRequest{SessionID: sessionID, Content: text}
	if att != nil {
		user.Content = append(user.Content, chat.AttachmentPart(*att))
		req.FileURL = att.URL
		req.MimeType = att.MimeType
		if req.MimeType == "" {
			req.MimeType = chat.MimeTypeFromURL(att.URL)
		}
	}

	return r.startTurn(sessionID, req, &user)
}

func (r *Reconciler) createSession(ctx context.Context, text string, att *chat.Attachment, epoch uint64) (int64, error) {
	seed := text
	if seed == "" && att != nil {
		seed = att.Name
	}

	session, err := r.api.CreateSession(ctx, chat.TitleFromContent(seed), text)
	if err != nil {
		r.notify(LevelError, "Failed to create a new conversation")
		return 0, &PersistenceError{Op: "create session", Err: err}
	}
	r.history.InvalidateSessions()

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		slog.Debug("send aborted while creating session", "session_id", session.ID)
		return 0, ErrSendAborted
	}
	r.active = session.ID
	r.states[session.ID] = StateSending
	r.mu.Unlock()

	r.changed()
	return session.ID, nil
}

// startTurn appends the optimistic messages and opens the stream. A live
// stream of the session is canceled first so its placeholder settles.
func (r *Reconciler) startTurn(sessionID int64, req chat.GenerationRequest, user *chat.Message) error {
	r.streams.Cancel(sessionID)

	placeholder := chat.Message{
		ID:        chat.NewTempID(),
		Role:      chat.RoleAssistant,
		Content:   []chat.Part{{Type: chat.PartText}},
		Status:    chat.StatusLoading,
		CreatedAt: time.Now(),
	}
	t := &turn{sessionID: sessionID, placeholderID: placeholder.ID}

	r.mu.Lock()
	if user != nil {
		r.overlay.Append(sessionID, *user)
	}
	r.overlay.Append(sessionID, placeholder)
	r.turns[sessionID] = t
	r.states[sessionID] = StateStreaming
	r.mu.Unlock()
	r.changed()

	if _, err := r.streams.Start(req, r.callbacks(t)); err != nil {
		r.onError(t, err.Error())
		return fmt.Errorf("start stream: %w", err)
	}
	return nil
}

func (r *Reconciler) callbacks(t *turn) stream.Callbacks {
	return stream.Callbacks{
		OnContent: func(full string) { r.onContent(t, full) },
		OnDone:    func() { r.onDone(t) },
		OnError:   func(msg string) { r.onError(t, msg) },
		OnCancel:  func() { r.onCancel(t) },
	}
}

// current reports whether t is still the live turn of its session. Callers
// hold r.mu.
func (r *Reconciler) current(t *turn) bool {
	return r.turns[t.sessionID] == t
}

func (r *Reconciler) onContent(t *turn, full string) {
	r.mu.Lock()
	if !r.current(t) {
		r.mu.Unlock()
		return
	}
	status := chat.StatusIncomplete
	r.overlay.Patch(t.sessionID, t.placeholderID, overlay.Patch{Text: &full, Status: &status})
	r.mu.Unlock()
	r.changed()
}

func (r *Reconciler) onDone(t *turn) {
	r.mu.Lock()
	if !r.current(t) {
		r.mu.Unlock()
		return
	}
	r.states[t.sessionID] = StateCompleting
	status := chat.StatusComplete
	r.overlay.Patch(t.sessionID, t.placeholderID, overlay.Patch{Status: &status})
	r.overlay.Clear(t.sessionID)
	r.history.InvalidateMessages(t.sessionID)
	r.history.InvalidateSessions()
	delete(r.turns, t.sessionID)
	delete(r.hidden, t.sessionID)
	r.states[t.sessionID] = StateIdle
	r.mu.Unlock()
	r.changed()
}

func (r *Reconciler) onError(t *turn, msg string) {
	r.mu.Lock()
	if !r.current(t) {
		r.mu.Unlock()
		return
	}
	r.states[t.sessionID] = StateErroring
	text, status := FailureText, chat.StatusError
	r.overlay.Patch(t.sessionID, t.placeholderID, overlay.Patch{Text: &text, Status: &status})
	delete(r.turns, t.sessionID)
	r.states[t.sessionID] = StateIdle
	r.mu.Unlock()

	slog.Warn("generation failed", "session_id", t.sessionID, "error", msg)
	r.notify(LevelError, "Failed to get a reply: "+msg)
	r.changed()
}

func (r *Reconciler) onCancel(t *turn) {
	r.mu.Lock()
	if !r.current(t) {
		r.mu.Unlock()
		return
	}
	r.states[t.sessionID] = StateCancelling
	if msg, ok := r.overlay.Get(t.sessionID, t.placeholderID); ok {
		text, status := msg.Text()+InterruptedSuffix, chat.StatusComplete
		r.overlay.Patch(t.sessionID, t.placeholderID, overlay.Patch{Text: &text, Status: &status})
	}
	delete(r.turns, t.sessionID)
	r.states[t.sessionID] = StateIdle
	r.mu.Unlock()
	r.changed()
}

// CancelStream stops the reply of the active session. It also aborts a send
// that is still creating its session. The server is told to stop in the
// background. It reports whether a live stream was canceled.
func (r *Reconciler) CancelStream() bool {
	r.mu.Lock()
	r.epoch++
	sessionID := r.active
	if _, ok := r.turns[sessionID]; ok {
		r.states[sessionID] = StateCancelling
	}
	r.mu.Unlock()

	if sessionID == 0 || !r.streams.Cancel(sessionID) {
		return false
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cancelTimeout)
		defer cancel()
		if err := r.api.CancelGeneration(ctx, sessionID); err != nil {
			slog.Debug("server cancel failed", "session_id", sessionID, "error", err)
		}
	}()
	return true
}

// DeleteMessage deletes a persisted message of the active session.
func (r *Reconciler) DeleteMessage(ctx context.Context, messageID string) error {
	if chat.IsTemporaryID(messageID) {
		return ErrTemporaryMessage
	}
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	if err := r.api.DeleteMessage(ctx, id); err != nil {
		r.notify(LevelError, "Failed to delete message")
		return &PersistenceError{Op: "delete message", Err: err}
	}

	if sessionID, ok := r.ActiveSession(); ok {
		r.history.InvalidateMessages(sessionID)
	}
	r.changed()
	return nil
}

// DeleteSession deletes a session. Its live stream and overlay are dropped and
// it stops being active.
func (r *Reconciler) DeleteSession(ctx context.Context, sessionID int64) error {
	if err := r.api.DeleteSession(ctx, sessionID); err != nil {
		r.notify(LevelError, "Failed to delete conversation")
		return &PersistenceError{Op: "delete session", Err: err}
	}

	r.mu.Lock()
	delete(r.turns, sessionID)
	delete(r.hidden, sessionID)
	delete(r.states, sessionID)
	if r.active == sessionID {
		r.active = 0
		r.epoch++
	}
	r.mu.Unlock()

	r.streams.Cancel(sessionID)
	r.overlay.Clear(sessionID)
	r.history.InvalidateSessions()
	r.notify(LevelInfo, "Conversation deleted")
	r.changed()
	return nil
}

// RegenerateLast drops the reply to the last user message and asks again with
// the same text and attachment.
func (r *Reconciler) RegenerateLast(ctx context.Context) error {
	sessionID, ok := r.ActiveSession()
	if !ok {
		return ErrNothingToRegenerate
	}
	r.streams.Cancel(sessionID)

	persisted, err := r.persisted(ctx, sessionID)
	if err != nil {
		return &PersistenceError{Op: "load messages", Err: err}
	}
	merged := append(persisted, r.overlay.Read(sessionID)...)

	last := -1
	for i := len(merged) - 1; i >= 0; i-- {
		if merged[i].Role == chat.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return ErrNothingToRegenerate
	}

	r.mu.Lock()
	for _, msg := range merged[last+1:] {
		if msg.Role != chat.RoleAssistant {
			continue
		}
		if chat.IsTemporaryID(msg.ID) {
			r.overlay.Remove(sessionID, msg.ID)
			continue
		}
		if r.hidden[sessionID] == nil {
			r.hidden[sessionID] = make(map[string]struct{})
		}
		r.hidden[sessionID][msg.ID] = struct{}{}
	}
	r.states[sessionID] = StateSending
	r.mu.Unlock()

	user := merged[last]
	req := chat.GenerationRequest{SessionID: sessionID, Content: user.Text(), Regenerate: true}
	if att, ok := user.AttachmentRef(); ok {
		req.FileURL = att.URL
		req.MimeType = att.MimeType
		if req.MimeType == "" {
			req.MimeType = chat.MimeTypeFromURL(att.URL)
		}
	}
	return r.startTurn(sessionID, req, nil)
}

// UploadAttachment validates and uploads a file for the next message.
func (r *Reconciler) UploadAttachment(ctx context.Context, name string, src io.Reader) (chat.Attachment, error) {
	mimeType := chat.MimeTypeFromURL(name)
	if !chat.AllowedAttachment(mimeType) {
		return chat.Attachment{}, &UploadError{Name: name, Err: ErrUnsupportedAttachment}
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, src, chat.MaxAttachmentSize+1)
	if err != nil && err != io.EOF {
		return chat.Attachment{}, &UploadError{Name: name, Err: err}
	}
	if n > chat.MaxAttachmentSize {
		return chat.Attachment{}, &UploadError{Name: name, Err: ErrAttachmentTooLarge}
	}

	r.setUploading(1)
	defer r.setUploading(-1)

	att, err := r.api.UploadAttachment(ctx, name, &buf)
	if err != nil {
		r.notify(LevelError, "File upload failed")
		return chat.Attachment{}, &UploadError{Name: name, Err: err}
	}
	if att.MimeType == "" {
		att.MimeType = mimeType
	}
	if att.Name == "" {
		att.Name = name
	}
	return att, nil
}

func (r *Reconciler) setUploading(delta int) {
	r.mu.Lock()
	r.uploading += delta
	r.mu.Unlock()
	r.changed()
}

// SetActiveSession selects a session; 0 clears the selection. A send that is
// still creating its session is aborted.
func (r *Reconciler) SetActiveSession(sessionID int64) {
	r.mu.Lock()
	r.active = sessionID
	r.epoch++
	r.mu.Unlock()
	r.changed()
}

// ActiveSession returns the selected session.
func (r *Reconciler) ActiveSession() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != 0
}

// IsStreaming reports whether the active session has a reply in flight.
func (r *Reconciler) IsStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.turns[r.active]
	return ok
}

// Uploading reports whether an attachment upload is in progress.
func (r *Reconciler) Uploading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploading > 0
}

// State returns the reply lifecycle of a session.
func (r *Reconciler) State(sessionID int64) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[sessionID]
}

// Messages returns the visible list of the active session: persisted history
// followed by the overlay.
func (r *Reconciler) Messages(ctx context.Context) ([]chat.Message, error) {
	sessionID, ok := r.ActiveSession()
	if !ok {
		return nil, nil
	}
	return r.SessionMessages(ctx, sessionID)
}

// SessionMessages is Messages for an explicit session.
func (r *Reconciler) SessionMessages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	persisted, err := r.persisted(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return append(persisted, r.overlay.Read(sessionID)...), nil
}

// Sessions returns one page of the session list.
func (r *Reconciler) Sessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	return r.history.Sessions(ctx, page, pageSize)
}

func (r *Reconciler) persisted(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	msgs, err := r.history.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	hidden := r.hidden[sessionID]
	r.mu.Unlock()
	if len(hidden) == 0 {
		return msgs, nil
	}

	out := msgs[:0]
	for _, msg := range msgs {
		if _, skip := hidden[msg.ID]; !skip {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Subscribe returns a channel that receives a value after state changes.
// Bursts of changes coalesce into one value. Call the returned func to stop.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Reconciler) changed() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Reconciler) notify(level Level, msg string) {
	r.notifier.Notify(Notification{Level: level, Message: msg})
}

// Close cancels every stream and waits for background server cancels.
func (r *Reconciler) Close() {
	r.streams.CancelAll()
	r.bg.Wait()
}
