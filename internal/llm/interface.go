package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Streamer is the subset of openai.Client used to stream replies; it is easy
// to point at a fake server in tests.
type Streamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}
