package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tavern-chat/internal/handler/chat"
	"github.com/zhouzirui/tavern-chat/internal/handler/events"
	"github.com/zhouzirui/tavern-chat/internal/handler/stream"
	"github.com/zhouzirui/tavern-chat/internal/handler/upload"
	middlewarePkg "github.com/zhouzirui/tavern-chat/internal/middleware"
	aiService "github.com/zhouzirui/tavern-chat/internal/service/ai"
	chatService "github.com/zhouzirui/tavern-chat/internal/service/chat"
	uploadService "github.com/zhouzirui/tavern-chat/internal/service/upload"
	"github.com/zhouzirui/tavern-chat/pkg/utils"
)

// NewRouter wires HTTP routes to core services. A non-empty apiToken guards
// every /api route.
func NewRouter(chatSvc *chatService.Service, aiSvc *aiService.Service, uploadSvc *uploadService.Service, apiToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondOK(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if uploadSvc != nil {
		fs := http.FileServer(http.Dir(uploadSvc.Dir()))
		r.Handle(uploadService.PublicPrefix+"*", http.StripPrefix(uploadService.PublicPrefix, fs))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.BearerAuth(apiToken))

		chat.New(chatSvc).RegisterRoutes(api)
		events.New(chatSvc.Events()).RegisterRoutes(api)

		if aiSvc != nil {
			stream.New(aiSvc, chatSvc).RegisterRoutes(api)
		} else {
			api.HandleFunc("/ai/message*", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai generation unavailable")
			})
		}

		if uploadSvc != nil {
			upload.New(uploadSvc).RegisterRoutes(api)
		}
	})

	return r
}
