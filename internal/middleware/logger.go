package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tavern-chat/pkg/logger"
)

// RequestLogger 记录每个请求的方法、路径、状态码与耗时，并把带 request_id 的
// logger 放进请求上下文。需要放在 chi 的 RequestID 中间件之后。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := slog.Default().With(
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), l)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{"status", status, "bytes", ww.BytesWritten(), "latency_ms", time.Since(start).Milliseconds()}
		switch {
		case status >= 500:
			l.Error("request completed with server error", attrs...)
		case status >= 400:
			l.Warn("request completed with client error", attrs...)
		default:
			l.Info("request completed", attrs...)
		}
	})
}
