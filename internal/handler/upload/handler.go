package upload

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
	uploadService "github.com/zhouzirui/tavern-chat/internal/service/upload"
	"github.com/zhouzirui/tavern-chat/pkg/logger"
	"github.com/zhouzirui/tavern-chat/pkg/utils"
)

// multipartOverhead 为 multipart 边界与头部预留的额外字节。
const multipartOverhead = 1 << 20

// Handler 附件上传处理器
type Handler struct {
	uploads *uploadService.Service
}

// New 创建上传处理器
func New(uploads *uploadService.Service) *Handler {
	return &Handler{uploads: uploads}
}

// RegisterRoutes 注册上传路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/ai/upload", h.handleUpload)
}

// handleUpload 读取 multipart 中名为 file 的字段并保存。
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, chat.MaxAttachmentSize+multipartOverhead)

	reader, err := r.MultipartReader()
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "multipart form expected")
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			utils.RespondError(w, http.StatusBadRequest, "file field is required")
			return
		}
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		att, err := h.uploads.Save(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		utils.RespondOK(w, http.StatusCreated, att)
		return
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, uploadService.ErrTooLarge), errors.As(err, &tooLarge):
		utils.RespondError(w, http.StatusRequestEntityTooLarge, uploadService.ErrTooLarge.Error())
	case errors.Is(err, uploadService.ErrUnsupportedType):
		utils.RespondError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, uploadService.ErrEmptyFile):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		logger.FromContext(r.Context()).Error("upload failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "upload failed")
	}
}
