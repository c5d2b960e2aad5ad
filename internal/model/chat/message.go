package chat

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks the lifecycle of a message. Persisted messages leave it empty,
// which reads as complete.
type Status string

const (
	StatusLoading    Status = "loading"
	StatusIncomplete Status = "incomplete"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// PartType tags one element of a message's content list.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
	PartFile  PartType = "file_url"
)

// TempIDPrefix marks ids generated on the client for optimistic messages.
const TempIDPrefix = "temp-"

// Part is a single typed content element. Text parts use Text; attachment parts
// use URL, MimeType, Name and Size.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Name     string   `json:"name,omitempty"`
	Size     int64    `json:"size,omitempty"`
}

// Message is the client-side view of one chat turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   []Part    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StoredMessage is the persisted shape shared by the backend and the wire.
type StoredMessage struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	FileURL   string    `json:"fileUrl,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
}

// NewTempID returns a client-side id that can never collide with a server id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Text returns the first text part, or "" when there is none.
func (m Message) Text() string {
	for _, part := range m.Content {
		if part.Type == PartText {
			return part.Text
		}
	}
	return ""
}

// AttachmentRef returns the first image or file part as an Attachment.
func (m Message) AttachmentRef() (Attachment, bool) {
	for _, part := range m.Content {
		if part.Type == PartImage || part.Type == PartFile {
			return Attachment{URL: part.URL, MimeType: part.MimeType, Name: part.Name, Size: part.Size}, true
		}
	}
	return Attachment{}, false
}

// EffectiveStatus treats an empty status as complete.
func (m Message) EffectiveStatus() Status {
	if m.Status == "" {
		return StatusComplete
	}
	return m.Status
}

// Clone returns a copy whose Content slice is not shared.
func (m Message) Clone() Message {
	out := m
	out.Content = append([]Part(nil), m.Content...)
	return out
}

// AttachmentPart builds the content part for an attachment. Image mime types
// render inline, everything else as a file reference.
func AttachmentPart(att Attachment) Part {
	if strings.HasPrefix(att.MimeType, "image/") {
		return Part{Type: PartImage, URL: att.URL, MimeType: att.MimeType, Name: att.Name, Size: att.Size}
	}
	name := att.Name
	if name == "" {
		name = FileNameFromURL(att.URL)
	}
	return Part{Type: PartFile, URL: att.URL, MimeType: att.MimeType, Name: name, Size: att.Size}
}

// FileNameFromURL returns the last path segment of url, or "file".
func FileNameFromURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	base := path.Base(url)
	if base == "" || base == "." || base == "/" {
		return "file"
	}
	return base
}

// FromStored converts a persisted message into the client view. The attachment
// part, when present, precedes the text part.
func FromStored(s StoredMessage) Message {
	msg := Message{
		ID:        strconv.FormatInt(s.ID, 10),
		Role:      s.Role,
		Content:   make([]Part, 0, 2),
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
	if msg.Status == "" {
		msg.Status = StatusComplete
	}

	if s.FileURL != "" && s.MimeType != "" {
		msg.Content = append(msg.Content, AttachmentPart(Attachment{
			URL:      s.FileURL,
			MimeType: s.MimeType,
			Name:     s.FileName,
			Size:     s.FileSize,
		}))
	}
	if s.Content != "" || len(msg.Content) == 0 {
		msg.Content = append(msg.Content, Part{Type: PartText, Text: s.Content})
	}
	return msg
}

// GenerationRequest asks the backend to produce an assistant reply for content
// in a session. It is also the JSON body of the generation endpoints.
type GenerationRequest struct {
	SessionID  int64  `json:"sessionId"`
	Content    string `json:"content"`
	FileURL    string `json:"fileUrl,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

// HasAttachment reports whether the request references an uploaded file.
func (r GenerationRequest) HasAttachment() bool {
	return r.FileURL != ""
}
