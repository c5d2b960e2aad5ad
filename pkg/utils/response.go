package utils

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
)

// Envelope 是所有 JSON 接口的统一响应结构。Code 为 0 表示成功。
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		http.Error(w, `{"code":500,"message":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// RespondOK 以统一信封返回成功数据
func RespondOK(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, Envelope{Code: 0, Message: "ok", Data: data})
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, Envelope{Code: status, Message: message})
}

// DecodeJSON 解析请求体，空请求体视为错误。
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty request body")
	}
	return sonic.ConfigDefault.NewDecoder(r.Body).Decode(v)
}
