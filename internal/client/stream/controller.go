package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var (
	// ErrInvalidSession is returned by Start when no session id is given.
	ErrInvalidSession = errors.New("stream: session id is required")
	// ErrStreamCanceled is the cancellation cause recorded on a handle's context.
	ErrStreamCanceled = errors.New("stream: canceled")
)

const defaultReadSize = 4096

// Transport opens generation requests against the backend.
type Transport interface {
	// OpenStream starts a streaming generation. A non-2xx handshake must be
	// returned as an error before any body is read.
	OpenStream(ctx context.Context, req chat.GenerationRequest) (io.ReadCloser, error)
	// Send performs a single non-streaming generation and returns the reply.
	Send(ctx context.Context, req chat.GenerationRequest) (chat.StoredMessage, error)
}

// Callbacks receive the outcome of one generation. Exactly one of OnDone,
// OnError or OnCancel runs, after every OnContent. Callbacks of one handle never
// run concurrently and must not call back into the Controller for the same
// session.
type Callbacks struct {
	// OnContent receives the full text accumulated so far.
	OnContent func(full string)
	OnDone    func()
	OnError   func(msg string)
	OnCancel  func()
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithNonStreamingAttachments routes requests that carry an attachment through
// Transport.Send instead of the streaming endpoint.
func WithNonStreamingAttachments(enabled bool) ControllerOption {
	return func(c *Controller) {
		c.nonStreamingAttachments = enabled
	}
}

// WithBaseContext sets the parent context of every stream. Canceling it aborts
// all streams as cancellations.
func WithBaseContext(ctx context.Context) ControllerOption {
	return func(c *Controller) {
		c.base = ctx
	}
}

// WithReadSize sets the buffer size used for each transport read.
func WithReadSize(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// Controller owns at most one live generation per session.
type Controller struct {
	transport               Transport
	base                    context.Context
	nonStreamingAttachments bool
	readSize                int

	nextID  atomic.Uint64
	mu      sync.Mutex
	handles map[int64]*Handle
}

// NewController builds a controller over transport.
func NewController(transport Transport, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport: transport,
		base:      context.Background(),
		readSize:  defaultReadSize,
		handles:   make(map[int64]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a generation for req.SessionID. A live handle for the same session
// is canceled, with its OnCancel run, before the new stream begins.
func (c *Controller) Start(req chat.GenerationRequest, cb Callbacks) (*Handle, error) {
	if req.SessionID <= 0 {
		return nil, ErrInvalidSession
	}

	ctx, cancel := context.WithCancelCause(c.base)
	h := &Handle{
		id:        c.nextID.Add(1),
		sessionID: req.SessionID,
		ctx:       ctx,
		cancel:    cancel,
		cb:        cb,
		ctrl:      c,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	old := c.handles[req.SessionID]
	c.handles[req.SessionID] = h
	c.mu.Unlock()

	if old != nil {
		slog.Debug("replacing live stream", "session_id", req.SessionID, "handle", old.id)
		old.finish(outcome{kind: outcomeCancel})
	}

	go c.run(h, req)
	return h, nil
}

// Cancel aborts the live generation of sessionID and runs its OnCancel
// synchronously. It reports whether a live handle existed.
func (c *Controller) Cancel(sessionID int64) bool {
	c.mu.Lock()
	h := c.handles[sessionID]
	delete(c.handles, sessionID)
	c.mu.Unlock()

	if h == nil {
		return false
	}
	return h.finish(outcome{kind: outcomeCancel})
}

// CancelAll cancels every live generation.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for id, h := range c.handles {
		handles = append(handles, h)
		delete(c.handles, id)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.finish(outcome{kind: outcomeCancel})
	}
}

// Live reports whether sessionID has a generation in flight.
func (c *Controller) Live(sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[sessionID]
	return ok
}

// Current returns the live handle for sessionID, if any.
func (c *Controller) Current(sessionID int64) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

func (c *Controller) release(h *Handle) {
	c.mu.Lock()
	if c.handles[h.sessionID] == h {
		delete(c.handles, h.sessionID)
	}
	c.mu.Unlock()
}

func (c *Controller) run(h *Handle, req chat.GenerationRequest) {
	if c.nonStreamingAttachments && req.HasAttachment() {
		c.runSingle(h, req)
		return
	}

	body, err := c.transport.OpenStream(h.ctx, req)
	if err != nil {
		c.fail(h, err)
		return
	}
	defer body.Close()

	dec := NewDecoder()
	var full strings.Builder
	buf := make([]byte, c.readSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if c.dispatch(h, dec.Feed(string(buf[:n])), &full) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if c.dispatch(h, dec.Flush(), &full) {
				return
			}
			// The server closed the stream without a terminal frame.
			h.finish(outcome{kind: outcomeDone})
			return
		}
		c.fail(h, readErr)
		return
	}
}

func (c *Controller) runSingle(h *Handle, req chat.GenerationRequest) {
	reply, err := c.transport.Send(h.ctx, req)
	if err != nil {
		c.fail(h, err)
		return
	}
	if reply.Content != "" && !h.deliver(reply.Content) {
		return
	}
	h.finish(outcome{kind: outcomeDone})
}

// dispatch forwards decoded events and reports whether the handle is finished.
func (c *Controller) dispatch(h *Handle, events []Event, full *strings.Builder) bool {
	for _, ev := range events {
		switch ev.Kind {
		case EventContent:
			full.WriteString(ev.Content)
			if !h.deliver(full.String()) {
				return true
			}
		case EventDone:
			h.finish(outcome{kind: outcomeDone})
			return true
		case EventError:
			h.finish(outcome{kind: outcomeError, msg: ev.Err})
			return true
		}
	}
	return h.Finished()
}

// fail turns a transport error into a terminal outcome. Errors observed after
// the handle's context was canceled are the cancellation itself, not failures.
func (c *Controller) fail(h *Handle, err error) {
	if h.ctx.Err() != nil {
		slog.Debug("stream read aborted", "session_id", h.sessionID, "cause", context.Cause(h.ctx))
		h.finish(outcome{kind: outcomeCancel})
		return
	}
	slog.Warn("stream transport failed", "session_id", h.sessionID, "error", err)
	h.finish(outcome{kind: outcomeError, msg: err.Error()})
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota + 1
	outcomeError
	outcomeCancel
)

type outcome struct {
	kind outcomeKind
	msg  string
}

// Handle is one live generation.
type Handle struct {
	id        uint64
	sessionID int64
	ctx       context.Context
	cancel    context.CancelCauseFunc
	cb        Callbacks
	ctrl      *Controller
	done      chan struct{}

	mu       sync.Mutex
	finished bool
}

// ID identifies the handle within its controller.
func (h *Handle) ID() uint64 { return h.id }

// SessionID returns the session the handle generates for.
func (h *Handle) SessionID() int64 { return h.sessionID }

// Cancel aborts this handle. It is a no-op once the handle has finished.
func (h *Handle) Cancel() bool {
	h.ctrl.release(h)
	return h.finish(outcome{kind: outcomeCancel})
}

// Done is closed once a terminal callback has run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finished reports whether a terminal callback has run.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *Handle) deliver(full string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	if h.cb.OnContent != nil {
		h.cb.OnContent(full)
	}
	return true
}

// finish runs the terminal callback once and reports whether this call did so.
func (h *Handle) finish(o outcome) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true

	switch o.kind {
	case outcomeCancel:
		h.cancel(ErrStreamCanceled)
		if h.cb.OnCancel != nil {
			h.cb.OnCancel()
		}
	case outcomeError:
		h.cancel(fmt.Errorf("stream: %s", o.msg))
		if h.cb.OnError != nil {
			h.cb.OnError(o.msg)
		}
	default:
		h.cancel(nil)
		if h.cb.OnDone != nil {
			h.cb.OnDone()
		}
	}
	h.mu.Unlock()

	h.ctrl.release(h)
	close(h.done)
	return true
}
