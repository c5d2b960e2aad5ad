package utils

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
)

// SendSSEChunk 发送Server-Sent Events数据块
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal sse payload", "error", err)
		return err
	}
	return writeSSE(w, flusher, "data: "+string(data)+"\n\n")
}

// SendSSEDone 发送流结束标记
func SendSSEDone(w http.ResponseWriter, flusher http.Flusher) error {
	return writeSSE(w, flusher, "data: [DONE]\n\n")
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEEvent 发送带事件类型的SSE消息
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := sonic.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal sse event data", "error", err)
		return err
	}
	return writeSSE(w, flusher, fmt.Sprintf("event: %s\ndata: %s\n\n", event, jsonData))
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, frame string) error {
	if _, err := w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	flusher.Flush()
	return nil
}
