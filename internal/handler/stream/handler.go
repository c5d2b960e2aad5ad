package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	chatHandler "github.com/zhouzirui/tavern-chat/internal/handler/chat"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
	aiService "github.com/zhouzirui/tavern-chat/internal/service/ai"
	chatService "github.com/zhouzirui/tavern-chat/internal/service/chat"
	"github.com/zhouzirui/tavern-chat/pkg/logger"
	"github.com/zhouzirui/tavern-chat/pkg/utils"
)

// Frame types written on the event stream.
const (
	FrameContent = "content"
	FrameError   = "error"
)

const generationFailed = "AI generation failed"

var errGenerationCanceled = errors.New("generation canceled")

// Handler manages AI responses, streamed via Server-Sent Events or returned
// whole.
type Handler struct {
	aiService *aiService.Service
	chatSvc   *chatService.Service
}

// New creates a new stream handler
func New(aiSvc *aiService.Service, chatSvc *chatService.Service) *Handler {
	return &Handler{aiService: aiSvc, chatSvc: chatSvc}
}

// Frame is one data frame of the event stream.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterRoutes 注册生成相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ai/message", func(r chi.Router) {
		r.Post("/", h.handleSend)
		r.Post("/stream", h.handleStream)
		r.Post("/cancel", h.handleCancel)
	})
}

// handleStream 以 SSE 推送生成内容：若干 content 帧后以 [DONE] 结束，失败时发送 error 帧。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	turn, err := h.chatSvc.PrepareGeneration(r.Context(), req)
	if err != nil {
		respondPrepareError(w, r, err)
		return
	}

	ctx, release := h.aiService.Begin(r.Context(), req.SessionID)
	defer release()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	content, err := h.dispatchAIResponse(ctx, w, flusher, turn)
	switch {
	case err == nil:
	case errors.Is(err, errGenerationCanceled):
		log.Info("generation stopped", "session", req.SessionID, "cause", context.Cause(ctx), "partial_length", len(content))
		return
	default:
		log.Error("generation failed", "session", req.SessionID, "error", err)
		if sendErr := utils.SendSSEChunk(w, flusher, Frame{Type: FrameError, Error: generationFailed}); sendErr != nil {
			log.Debug("failed to deliver error frame", "error", sendErr)
		}
		return
	}

	if _, err := h.chatSvc.SaveAssistant(r.Context(), req.SessionID, content, ""); err != nil {
		log.Error("failed to save assistant message", "session", req.SessionID, "error", err)
		utils.SendSSEChunk(w, flusher, Frame{Type: FrameError, Error: "failed to save reply"})
		return
	}
	if err := utils.SendSSEDone(w, flusher); err != nil {
		log.Debug("failed to deliver done frame", "error", err)
	}
	log.Info("completed response", "session", req.SessionID, "length", len(content))
}

// dispatchAIResponse writes content frames and returns the full reply.
func (h *Handler) dispatchAIResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, turn chatService.Turn) (string, error) {
	if !h.aiService.StreamingEnabled() {
		response, err := h.aiService.GenerateResponse(ctx, turn.History, turn.User)
		if err != nil {
			return "", classify(ctx, err)
		}
		if err := utils.SendSSEChunk(w, flusher, Frame{Type: FrameContent, Content: response.Content}); err != nil {
			return response.Content, err
		}
		return response.Content, nil
	}

	stream, err := h.aiService.StreamResponse(ctx, turn.History, turn.User)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return full.String(), classify(ctx, recvErr)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		if err := utils.SendSSEChunk(w, flusher, Frame{Type: FrameContent, Content: chunk.Content}); err != nil {
			return full.String(), classify(ctx, err)
		}
	}
	return full.String(), nil
}

// handleSend 非流式生成，返回保存后的助手消息。
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	turn, err := h.chatSvc.PrepareGeneration(r.Context(), req)
	if err != nil {
		respondPrepareError(w, r, err)
		return
	}

	ctx, release := h.aiService.Begin(r.Context(), req.SessionID)
	defer release()

	response, err := h.aiService.GenerateResponse(ctx, turn.History, turn.User)
	if err != nil {
		if errors.Is(classify(ctx, err), errGenerationCanceled) {
			utils.RespondError(w, http.StatusConflict, "generation canceled")
			return
		}
		log.Error("generation failed", "session", req.SessionID, "error", err)
		utils.RespondError(w, http.StatusBadGateway, generationFailed)
		return
	}

	saved, err := h.chatSvc.SaveAssistant(r.Context(), req.SessionID, response.Content, "")
	if err != nil {
		log.Error("failed to save assistant message", "session", req.SessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to save reply")
		return
	}
	utils.RespondOK(w, http.StatusOK, saved)
}

// handleCancel 取消会话正在进行的生成，没有进行中的生成时同样返回成功。
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID int64 `json:"sessionId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.SessionID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	canceled := h.aiService.Cancel(payload.SessionID)
	utils.RespondOK(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (chat.GenerationRequest, bool) {
	var req chat.GenerationRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return chat.GenerationRequest{}, false
	}
	return req, true
}

func respondPrepareError(w http.ResponseWriter, r *http.Request, err error) {
	status := chatHandler.StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("failed to prepare generation", "error", err)
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

// classify folds any failure observed after ctx ended into errGenerationCanceled.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errGenerationCanceled
	}
	return err
}
