package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// EventsURL returns the websocket address of the change feed.
func (c *Client) EventsURL() string {
	u := c.baseURL + "/api/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// WatchEvents reads the server change feed and calls fn for every event until
// ctx ends or the connection drops. It returns nil when ctx ended.
func (c *Client) WatchEvents(ctx context.Context, fn func(chat.ChangeEvent)) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.EventsURL(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial change feed: %w", &StatusError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return fmt.Errorf("dial change feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var ev chat.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			slog.Debug("change feed read failed", "error", err)
			return fmt.Errorf("read change feed: %w", err)
		}
		fn(ev)
	}
}
