package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
	chatservice "github.com/zhouzirui/tavern-chat/internal/service/chat"
)

func setupRouter() (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(chatservice.NewMemoryStore(), nil)
	handler := New(chatSvc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Body = http.NoBody
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeData(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, resp.Body.String())
	}
	if env.Code != 0 {
		t.Fatalf("unexpected envelope code %d", env.Code)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func TestCreateSessionDerivesTitle(t *testing.T) {
	r, _ := setupRouter()

	resp := do(t, r, http.MethodPost, "/chat/sessions", map[string]string{"hint": "hello"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var session chat.Session
	decodeData(t, resp, &session)
	if session.ID == 0 || session.Title != "hello" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestCreateSessionInvalidBody(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/chat/sessions", bytes.NewReader([]byte("{")))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListSessionsPagination(t *testing.T) {
	r, svc := setupRouter()
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateSession(context.Background(), "s", ""); err != nil {
			t.Fatalf("CreateSession err: %v", err)
		}
	}

	resp := do(t, r, http.MethodGet, "/chat/sessions?page=2&pageSize=2", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var page chat.SessionPage
	decodeData(t, resp, &page)
	if len(page.Items) != 1 || page.Pagination.Total != 3 || page.Pagination.Page != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	if resp := do(t, r, http.MethodGet, "/chat/sessions?page=x", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page, got %d", resp.Code)
	}
}

func TestMessagesLifecycle(t *testing.T) {
	r, svc := setupRouter()
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx, "t", "")
	turn, err := svc.PrepareGeneration(ctx, chat.GenerationRequest{SessionID: session.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("PrepareGeneration err: %v", err)
	}

	base := "/chat/sessions/" + strconv.FormatInt(session.ID, 10)
	resp := do(t, r, http.MethodGet, base+"/messages", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var messages []chat.StoredMessage
	decodeData(t, resp, &messages)
	if len(messages) != 1 || messages[0].Content != "hi" {
		t.Fatalf("unexpected messages %+v", messages)
	}

	msgPath := "/chat/messages/" + strconv.FormatInt(turn.User.ID, 10)
	if resp := do(t, r, http.MethodDelete, msgPath, nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodDelete, msgPath, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.Code)
	}

	resp = do(t, r, http.MethodGet, base+"/messages", nil)
	decodeData(t, resp, &messages)
	if len(messages) != 0 {
		t.Fatalf("expected empty list, got %+v", messages)
	}
}

func TestDeleteSession(t *testing.T) {
	r, svc := setupRouter()
	session, _ := svc.CreateSession(context.Background(), "t", "")
	path := "/chat/sessions/" + strconv.FormatInt(session.ID, 10)

	if resp := do(t, r, http.MethodDelete, path, nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodGet, path, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodDelete, "/chat/sessions/abc", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.Code)
	}
}
