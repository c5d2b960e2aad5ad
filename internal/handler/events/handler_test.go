package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
	chatService "github.com/zhouzirui/tavern-chat/internal/service/chat"
)

func TestEventsStreamsBrokerEvents(t *testing.T) {
	broker := chatService.NewBroker()
	r := chi.NewRouter()
	New(broker).RegisterRoutes(r)
	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := chat.ChangeEvent{Type: chat.EventMessagesChanged, SessionID: 9}
	broker.Publish(want)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got chat.ChangeEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected event %+v", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline = time.Now().Add(2 * time.Second)
	for broker.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
