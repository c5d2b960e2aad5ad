package stream

import (
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
)

// EventKind enumerates the logical frames carried by a generation stream.
type EventKind int

const (
	// EventContent carries an incremental text fragment.
	EventContent EventKind = iota + 1
	// EventDone marks the end of generation.
	EventDone
	// EventError reports a server-side failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded frame.
type Event struct {
	Kind    EventKind
	Content string
	Err     string
}

const (
	doneSentinel       = "[DONE]"
	genericStreamError = "stream processing error"
	unknownStreamError = "unknown error"
)

// Decoder turns arbitrarily split text chunks into frames. Partial lines are
// buffered until their newline arrives. Once a Done or Error frame has been
// produced the decoder is finished and discards further input.
type Decoder struct {
	buf          strings.Builder
	pendingError bool
	finished     bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether a terminal frame has been produced.
func (d *Decoder) Done() bool {
	return d.finished
}

// Feed appends chunk to the residual buffer and returns every frame completed
// by it, in order.
func (d *Decoder) Feed(chunk string) []Event {
	if d.finished {
		return nil
	}
	d.buf.WriteString(chunk)

	pending := d.buf.String()
	var events []Event
	for !d.finished {
		idx := strings.IndexByte(pending, '\n')
		if idx < 0 {
			break
		}
		line := pending[:idx]
		pending = pending[idx+1:]
		events = d.processLine(line, events)
	}

	d.buf.Reset()
	if !d.finished {
		d.buf.WriteString(pending)
	}
	return events
}

// Flush treats any buffered partial line as complete. It is called once the
// transport reports end of stream.
func (d *Decoder) Flush() []Event {
	if d.finished {
		return nil
	}
	rest := d.buf.String()
	d.buf.Reset()

	var events []Event
	if rest != "" {
		events = d.processLine(rest, events)
	}
	if !d.finished && d.pendingError {
		events = d.emit(events, Event{Kind: EventError, Err: genericStreamError})
	}
	return events
}

func (d *Decoder) emit(events []Event, ev Event) []Event {
	if ev.Kind == EventDone || ev.Kind == EventError {
		d.finished = true
		d.pendingError = false
	}
	return append(events, ev)
}

func (d *Decoder) processLine(raw string, events []Event) []Event {
	line := strings.TrimSpace(raw)

	// The line after "event: error" carries the error detail, if any.
	if d.pendingError {
		msg := genericStreamError
		if payload, ok := dataPayload(line); ok {
			var body struct {
				Error string `json:"error"`
			}
			if err := sonic.UnmarshalString(payload, &body); err == nil && body.Error != "" {
				msg = body.Error
			}
		}
		return d.emit(events, Event{Kind: EventError, Err: msg})
	}

	if payload, ok := dataPayload(line); ok {
		return d.processData(payload, events)
	}

	if name, ok := eventName(line); ok {
		switch name {
		case "done":
			return d.emit(events, Event{Kind: EventDone})
		case "error":
			d.pendingError = true
		}
	}
	// Blank separators, comments, id:/retry: fields and other events are ignored.
	return events
}

func (d *Decoder) processData(payload string, events []Event) []Event {
	if payload == doneSentinel {
		return d.emit(events, Event{Kind: EventDone})
	}

	var value any
	if err := sonic.UnmarshalString(payload, &value); err != nil {
		if payload == "" {
			return events
		}
		slog.Debug("stream frame is not JSON, using plain text", "payload_len", len(payload))
		return d.emit(events, Event{Kind: EventContent, Content: payload})
	}

	switch v := value.(type) {
	case string:
		if v != "" {
			return d.emit(events, Event{Kind: EventContent, Content: v})
		}
	case map[string]any:
		return d.processObject(v, events)
	}
	return events
}

func (d *Decoder) processObject(obj map[string]any, events []Event) []Event {
	switch typ, _ := obj["type"].(string); typ {
	case "content", "message":
		if content, _ := obj["content"].(string); content != "" {
			return d.emit(events, Event{Kind: EventContent, Content: content})
		}
		return events
	case "done":
		return d.emit(events, Event{Kind: EventDone})
	case "error":
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = unknownStreamError
		}
		return d.emit(events, Event{Kind: EventError, Err: msg})
	}

	if content := openAIDelta(obj); content != "" {
		return d.emit(events, Event{Kind: EventContent, Content: content})
	}
	return events
}

// openAIDelta extracts choices[0].delta.content.
func openAIDelta(obj map[string]any) string {
	choices, _ := obj["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	delta, _ := first["delta"].(map[string]any)
	content, _ := delta["content"].(string)
	return content
}

func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(line[len("data:"):]), true
}

func eventName(line string) (string, bool) {
	if !strings.HasPrefix(line, "event:") {
		return "", false
	}
	return strings.TrimSpace(line[len("event:"):]), true
}
