// Package api is the HTTP client for the tavern chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const maxErrorBody = 4 << 10

// StatusError is returned for HTTP responses with status >= 400 and for
// envelopes carrying a non-zero code.
type StatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces http.DefaultClient. It must not set a total timeout,
// streams stay open for the whole generation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client talks to the backend REST, SSE and WebSocket endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateSession creates a conversation. hint is an optional first message the
// server may use for the title.
func (c *Client) CreateSession(ctx context.Context, title, hint string) (chat.Session, error) {
	body := map[string]string{"title": title, "hint": hint}
	var session chat.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/sessions", body, &session); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// ListSessions returns one page of sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var out chat.SessionPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/sessions?"+q.Encode(), nil, &out); err != nil {
		return chat.SessionPage{}, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// ListMessages returns the persisted history of a session, oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	var stored []chat.StoredMessage
	path := "/api/chat/sessions/" + strconv.FormatInt(sessionID, 10) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &stored); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]chat.Message, 0, len(stored))
	for _, s := range stored {
		msgs = append(msgs, chat.FromStored(s))
	}
	return msgs, nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID int64) error {
	path := "/api/chat/sessions/" + strconv.FormatInt(sessionID, 10)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteMessage removes one persisted message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	path := "/api/chat/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UploadAttachment streams r as the multipart field "file".
func (c *Client) UploadAttachment(ctx context.Context, name string, r io.Reader) (chat.Attachment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		contentType := chat.MimeTypeFromURL(name)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/ai/upload", pr)
	if err != nil {
		pr.Close()
		return chat.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att chat.Attachment
	if err := c.do(req, &att); err != nil {
		pr.Close()
		return chat.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return att, nil
}

// OpenStream starts a streaming generation and returns the raw SSE body. The
// caller closes it; canceling ctx aborts the read.
func (c *Client) OpenStream(ctx context.Context, req chat.GenerationRequest) (io.ReadCloser, error) {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/ai/message/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// Send runs a generation without streaming and returns the stored reply.
func (c *Client) Send(ctx context.Context, req chat.GenerationRequest) (chat.StoredMessage, error) {
	var reply chat.StoredMessage
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/message", req, &reply); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("send message: %w", err)
	}
	return reply, nil
}

// CancelGeneration asks the server to stop generating for a session.
func (c *Client) CancelGeneration(ctx context.Context, sessionID int64) error {
	body := map[string]int64{"sessionId": sessionID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/message/cancel", body, nil); err != nil {
		return fmt.Errorf("cancel generation: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &StatusError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var env struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := sonic.Unmarshal(raw, &env); err == nil {
		se.Code = env.Code
		se.Message = env.Message
		if se.Message == "" {
			se.Message = env.Error
		}
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}
