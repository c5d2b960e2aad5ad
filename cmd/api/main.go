package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tavern-chat/internal/config"
	"github.com/zhouzirui/tavern-chat/internal/handler"
	"github.com/zhouzirui/tavern-chat/internal/service/ai"
	"github.com/zhouzirui/tavern-chat/internal/service/chat"
	"github.com/zhouzirui/tavern-chat/internal/service/upload"
	"github.com/zhouzirui/tavern-chat/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.Log); err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}
	if envErr != nil {
		slog.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("failed to open chat store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	chatService := chat.NewService(store, chat.NewBroker())

	// Ark 凭证缺失时使用本地回显模型
	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		slog.Warn("failed to initialize AI service, continuing without generation", "error", err)
		aiService = nil
	} else if cfg.AI.Enabled() {
		slog.Info("AI service initialized", "model", cfg.AI.Model, "streaming", cfg.AI.StreamResponse)
	} else {
		slog.Info("Ark 凭证未配置，使用回显模型", "tokens_per_second", cfg.AI.EchoTokensPerSecond)
	}

	uploadService, err := upload.NewService(cfg.Upload.Dir, cfg.Upload.BaseURL)
	if err != nil {
		slog.Error("failed to initialize upload directory", "dir", cfg.Upload.Dir, "error", err)
		os.Exit(1)
	}

	router := handler.NewRouter(chatService, aiService, uploadService, cfg.Server.APIToken)

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.StorageConfig) (chat.Store, error) {
	if cfg.Backend == config.StorageSQLite {
		return chat.OpenSQLite(cfg.SQLitePath)
	}
	return chat.NewMemoryStore(), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("tavern chat backend listening", "addr", addr, "auth", serverCfg.APIToken != "")
	if err := runServer(ctx, srv); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
