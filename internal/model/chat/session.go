package chat

import "time"

// Session is a persisted conversation thread.
type Session struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
}

// SessionPage is one page of the session summary list.
type SessionPage struct {
	Items      []Session  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// TitleFromContent derives a session title from the first message: at most 20
// characters, with an ellipsis when truncated.
func TitleFromContent(content string) string {
	runes := []rune(content)
	if len(runes) > 20 {
		return string(runes[:20]) + "..."
	}
	return content
}
