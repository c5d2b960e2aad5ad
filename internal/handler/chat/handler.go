package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/tavern-chat/internal/service/chat"
	"github.com/zhouzirui/tavern-chat/pkg/logger"
	"github.com/zhouzirui/tavern-chat/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/sessions", h.handleCreateSession)
		r.Get("/sessions", h.handleListSessions)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
		r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
		r.Delete("/messages/{messageID}", h.handleDeleteMessage)
	})
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
		Hint  string `json:"hint"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), payload.Title, payload.Hint)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	utils.RespondOK(w, http.StatusCreated, session)
}

// handleListSessions 分页列出会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid pageSize")
		return
	}

	result, err := h.chatSvc.ListSessions(r.Context(), page, pageSize)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondOK(w, http.StatusOK, result)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	session, err := h.chatSvc.GetSession(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondOK(w, http.StatusOK, session)
}

// handleDeleteSession 删除会话及其全部消息
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	if err := h.chatSvc.DeleteSession(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondOK(w, http.StatusOK, nil)
}

// handleListMessages 返回会话的全部消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	messages, err := h.chatSvc.ListMessages(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondOK(w, http.StatusOK, messages)
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	if err := h.chatSvc.DeleteMessage(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondOK(w, http.StatusOK, nil)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// StatusFor 把服务层错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound), errors.Is(err, chatService.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrInvalidSession), errors.Is(err, chatService.ErrEmptyContent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("chat request failed", "error", err)
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}
