package ai

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

// EchoModel is a stand-in chat model used when no Ark credentials are
// configured. It repeats the last user message back, word by word, at a
// fixed pace so streaming clients see incremental output.
type EchoModel struct {
	limiter *rate.Limiter
}

// NewEchoModel returns a model emitting tokensPerSecond chunks per second.
func NewEchoModel(tokensPerSecond float64) *EchoModel {
	return &EchoModel{limiter: rate.NewLimiter(rate.Limit(tokensPerSecond), 1)}
}

func (m *EchoModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return schema.AssistantMessage(echoReply(input), nil), nil
}

func (m *EchoModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	tokens := splitTokens(echoReply(input))
	reader, writer := schema.Pipe[*schema.Message](1)

	go func() {
		defer writer.Close()
		for _, token := range tokens {
			if err := m.limiter.Wait(ctx); err != nil {
				writer.Send(nil, err)
				return
			}
			if closed := writer.Send(schema.AssistantMessage(token, nil), nil); closed {
				return
			}
		}
	}()
	return reader, nil
}

func echoReply(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			return "Echo: " + input[i].Content
		}
	}
	return "Echo: (empty)"
}

// splitTokens splits s into words, keeping the separating whitespace attached
// so the chunks concatenate back to s.
func splitTokens(s string) []string {
	var tokens []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if !space && inSpace && i > start {
			tokens = append(tokens, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

var _ model.BaseChatModel = (*EchoModel)(nil)
