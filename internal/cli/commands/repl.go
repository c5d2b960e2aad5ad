package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/zhouzirui/tavern-chat/internal/cli/ui"
	"github.com/zhouzirui/tavern-chat/internal/client/reconciler"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const replHelp = `commands:
  /stop              stop the reply being generated (or press Ctrl-C)
  /retry             generate the last reply again
  /attach <path>     upload a file and send it with the next message
  /new               start a new conversation
  /sessions [page]   list conversations
  /switch <id>       continue another conversation
  /history           print the current conversation
  /rm <message-id>   delete a message
  /delete            delete the current conversation
  /quit              exit`

var errQuit = errors.New("quit")

// streamView prints a streaming reply incrementally. It tracks the optimistic
// placeholder being printed and how much of its text is already on screen.
type streamView struct {
	id      string
	printed string
}

// update writes whatever changed since the last call. messages is the
// visible list of the active session.
func (v *streamView) update(w io.Writer, messages []chat.Message, streaming bool) (finished bool) {
	if streaming {
		last, ok := lastMessage(messages)
		if !ok || last.Role != chat.RoleAssistant || !chat.IsTemporaryID(last.ID) {
			return false
		}
		if last.ID != v.id {
			if v.id != "" {
				fmt.Fprintln(w)
			}
			v.id, v.printed = last.ID, ""
			ui.AssistantLabel(w)
		}
		v.write(w, last.Text())
		return false
	}

	if v.id == "" {
		return false
	}
	final := v.settled(messages)
	v.write(w, final)
	fmt.Fprintln(w)
	v.id, v.printed = "", ""
	return true
}

// settled finds the final text of the tracked reply: the overlay copy when it
// is still visible, otherwise the persisted reply that replaced it.
func (v *streamView) settled(messages []chat.Message) string {
	for _, msg := range messages {
		if msg.ID == v.id {
			return msg.Text()
		}
	}
	if last, ok := lastMessage(messages); ok && last.Role == chat.RoleAssistant {
		return last.Text()
	}
	return v.printed
}

func (v *streamView) write(w io.Writer, text string) {
	if strings.HasPrefix(text, v.printed) {
		fmt.Fprint(w, text[len(v.printed):])
	} else {
		fmt.Fprint(w, "\n"+text)
	}
	v.printed = text
}

func lastMessage(messages []chat.Message) (chat.Message, bool) {
	if len(messages) == 0 {
		return chat.Message{}, false
	}
	return messages[len(messages)-1], true
}

// repl runs the interactive conversation on top of a reconciler.
type repl struct {
	rec      *reconciler.Reconciler
	out      io.Writer
	pageSize int

	mu      sync.Mutex
	view    streamView
	pending *chat.Attachment
}

func newREPL(rec *reconciler.Reconciler, out io.Writer, pageSize int) *repl {
	return &repl{rec: rec, out: out, pageSize: pageSize}
}

// refresh redraws the streaming reply after a state change.
func (r *repl) refresh(ctx context.Context) {
	streaming := r.rec.IsStreaming()
	messages, err := r.rec.Messages(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.printf(ui.PrintWarning, "failed to refresh conversation: %v", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view.update(r.out, messages, streaming) {
		ui.Prompt()
	}
}

// render refreshes on every reconciler change until ctx ends. changes comes
// from Reconciler.Subscribe.
func (r *repl) render(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			r.refresh(ctx)
		}
	}
}

// interrupt handles Ctrl-C: it stops a live reply, otherwise it quits.
func (r *repl) interrupt() error {
	if r.rec.CancelStream() {
		return nil
	}
	return errQuit
}

// handle runs one input line. It returns errQuit to end the session.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.println(replHelp)
	case "/stop":
		if !r.rec.CancelStream() {
			r.printf(ui.PrintInfo, "nothing is being generated")
		}
	case "/retry":
		return r.report(r.rec.RegenerateLast(ctx))
	case "/attach":
		return r.attach(ctx, arg)
	case "/new":
		r.rec.SetActiveSession(0)
		r.printf(ui.PrintInfo, "started a new conversation")
	case "/sessions":
		page := 1
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				r.printf(ui.PrintError, "invalid page %q", arg)
				return nil
			}
			page = n
		}
		return r.sessions(ctx, page)
	case "/switch":
		id, err := parseID(arg)
		if err != nil {
			r.printf(ui.PrintError, "%v", err)
			return nil
		}
		r.rec.SetActiveSession(id)
		return r.history(ctx)
	case "/history":
		return r.history(ctx)
	case "/rm":
		return r.report(r.rec.DeleteMessage(ctx, arg))
	case "/delete":
		id, ok := r.rec.ActiveSession()
		if !ok {
			r.printf(ui.PrintInfo, "no conversation selected")
			return nil
		}
		return r.report(r.rec.DeleteSession(ctx, id))
	default:
		r.printf(ui.PrintError, "unknown command %s, try /help", name)
	}
	return nil
}

func (r *repl) send(ctx context.Context, text string) error {
	r.mu.Lock()
	att := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err := r.rec.SendMessage(ctx, text, att); err != nil {
		r.mu.Lock()
		if r.pending == nil {
			r.pending = att
		}
		r.mu.Unlock()
		return r.report(err)
	}
	return nil
}

func (r *repl) attach(ctx context.Context, path string) error {
	if path == "" {
		r.printf(ui.PrintError, "usage: /attach <path>")
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		r.printf(ui.PrintError, "failed to open %s: %v", path, err)
		return nil
	}
	defer file.Close()

	att, err := r.rec.UploadAttachment(ctx, filepath.Base(path), file)
	if err != nil {
		return r.report(err)
	}

	r.mu.Lock()
	r.pending = &att
	r.mu.Unlock()
	r.printf(ui.PrintSuccess, "attached %s (%s), it will be sent with your next message", att.Name, att.MimeType)
	return nil
}

func (r *repl) sessions(ctx context.Context, page int) error {
	list, err := r.rec.Sessions(ctx, page, r.pageSize)
	if err != nil {
		return r.report(err)
	}
	active, _ := r.rec.ActiveSession()

	r.mu.Lock()
	defer r.mu.Unlock()
	ui.RenderSessions(r.out, list, active)
	return nil
}

func (r *repl) history(ctx context.Context) error {
	if _, ok := r.rec.ActiveSession(); !ok {
		r.printf(ui.PrintInfo, "no conversation selected")
		return nil
	}
	messages, err := r.rec.Messages(ctx)
	if err != nil {
		return r.report(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ui.RenderTranscript(r.out, messages)
	return nil
}

// report prints err and swallows it; a failed command never ends the session.
func (r *repl) report(err error) error {
	if err == nil {
		return nil
	}
	// failed backend calls were already surfaced through the notifier
	var persistErr *reconciler.PersistenceError
	if errors.As(err, &persistErr) {
		return nil
	}
	var uploadErr *reconciler.UploadError
	if errors.As(err, &uploadErr) && !errors.Is(err, reconciler.ErrUnsupportedAttachment) && !errors.Is(err, reconciler.ErrAttachmentTooLarge) {
		return nil
	}
	r.printf(ui.PrintError, "%v", err)
	return nil
}

func (r *repl) notify(n reconciler.Notification) {
	if n.Level == reconciler.LevelError {
		r.printf(ui.PrintError, "%s", n.Message)
		return
	}
	r.printf(ui.PrintInfo, "%s", n.Message)
}

func (r *repl) printf(print func(string, ...any), format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	print(format, args...)
}

func (r *repl) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}
