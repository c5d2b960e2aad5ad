package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/tavern-chat/internal/config"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var (
	// ErrGenerationCanceled is the cause attached to a generation stopped
	// through Cancel.
	ErrGenerationCanceled = errors.New("generation canceled")
	// ErrGenerationSuperseded is the cause attached when a newer generation
	// for the same session replaces a running one.
	ErrGenerationSuperseded = errors.New("generation superseded")
)

// Service encapsulates AI-powered chat functionality
type Service struct {
	chatModel model.BaseChatModel
	cfg       config.AIConfig
	prompts   *PromptBuilder
	chain     compose.Runnable[map[string]any, *schema.Message]

	mu     sync.Mutex
	nextID uint64
	active map[int64]generation
}

type generation struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// NewService creates a new AI service instance. Without Ark credentials the
// service falls back to the echo model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	var chatModel model.BaseChatModel
	if cfg.Enabled() {
		m, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		chatModel = m
		slog.Info("using ark chat model", "model", cfg.Model, "region", cfg.Region)
	} else {
		chatModel = NewEchoModel(cfg.EchoTokensPerSecond)
		slog.Warn("ark credentials missing, using echo model", "tokens_per_second", cfg.EchoTokensPerSecond)
	}
	return NewServiceWithModel(ctx, cfg, chatModel)
}

// NewServiceWithModel builds the prompt chain around an explicit model.
func NewServiceWithModel(ctx context.Context, cfg config.AIConfig, chatModel model.BaseChatModel) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		prompts:   NewPromptBuilder(cfg.SystemPrompt),
		chain:     runnable,
		active:    make(map[int64]generation),
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Begin registers a generation for sessionID and returns its context. A
// generation already running for the session is canceled. release must be
// called once the generation ends.
func (s *Service) Begin(ctx context.Context, sessionID int64) (context.Context, func()) {
	genCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	prev, hadPrev := s.active[sessionID]
	s.active[sessionID] = generation{id: id, cancel: cancel}
	s.mu.Unlock()

	if hadPrev {
		prev.cancel(ErrGenerationSuperseded)
	}

	return genCtx, func() {
		s.mu.Lock()
		if cur, ok := s.active[sessionID]; ok && cur.id == id {
			delete(s.active, sessionID)
		}
		s.mu.Unlock()
		cancel(nil)
	}
}

// Cancel stops the running generation for sessionID, if any.
func (s *Service) Cancel(sessionID int64) bool {
	s.mu.Lock()
	g, ok := s.active[sessionID]
	delete(s.active, sessionID)
	s.mu.Unlock()

	if ok {
		g.cancel(ErrGenerationCanceled)
		slog.Info("generation canceled", "session", sessionID)
	}
	return ok
}

// Active reports whether a generation is running for sessionID.
func (s *Service) Active(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// GenerateResponse produces the whole reply in one call.
func (s *Service) GenerateResponse(ctx context.Context, history []chat.StoredMessage, user chat.StoredMessage) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(history, user))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	slog.Debug("generated response", "session", user.SessionID, "length", len(response.Content))
	return response, nil
}

// StreamResponse streams AI response chunks via the configured chain.
func (s *Service) StreamResponse(ctx context.Context, history []chat.StoredMessage, user chat.StoredMessage) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, s.buildChainInput(history, user))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(history []chat.StoredMessage, user chat.StoredMessage) map[string]any {
	return map[string]any{
		"system":  s.prompts.SystemPrompt(),
		"history": s.buildHistoryMessages(history),
		"query":   s.prompts.Query(user),
	}
}

func (s *Service) buildHistoryMessages(messages []chat.StoredMessage) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(s.prompts.Query(msg)))
		case chat.RoleAssistant:
			if msg.Status == chat.StatusError {
				continue
			}
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
