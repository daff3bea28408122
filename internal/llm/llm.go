package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/ideachat/internal/config"
	"github.com/comigor/ideachat/internal/extract"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// Sender streams replies straight from an OpenAI-compatible API.
type Sender struct {
	client Streamer
	cfg    config.LLMConfig
	prompt func() string
}

// NewSender returns a Sender. prompt is evaluated on every request so prompt
// settings can change at runtime.
func NewSender(client Streamer, cfg config.LLMConfig, prompt func() string) *Sender {
	if prompt == nil {
		prompt = func() string { return "" }
	}
	return &Sender{client: client, cfg: cfg, prompt: prompt}
}

// Send asks the model to answer text given prior and reports every token
// through onChunk together with the answer extracted so far.
func (s *Sender) Send(ctx context.Context, text string, prior message.History, onChunk message.StreamFunc) (string, string, error) {
	msgs := BuildMessages(s.prompt(), prior, text, s.cfg.HistoryWindow)

	var full strings.Builder
	_, err := s.Stream(ctx, msgs, func(token string) {
		full.WriteString(token)
		if onChunk != nil {
			r := extract.Extract(full.String())
			onChunk(token, r.Answer, r.Sources)
		}
	})
	if err != nil {
		return "", "", err
	}
	res := extract.Final(full.String())
	return res.Answer, res.Sources, nil
}

// Stream runs a streamed chat completion over msgs, calls onToken for every
// content delta and returns the concatenated reply.
func (s *Sender) Stream(ctx context.Context, msgs []openai.ChatCompletionMessage, onToken func(string)) (string, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    msgs,
		Temperature: s.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("start completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full.WriteString(token)
		if onToken != nil {
			onToken(token)
		}
	}
	logger.L.Debug("completion stream finished", "model", s.cfg.Model, "bytes", full.Len())
	return full.String(), nil
}

// BuildMessages assembles the request: system prompt, the last window
// finalized messages of prior, then text as the new user message. Warning
// messages and streaming placeholders are never sent.
func BuildMessages(system string, prior message.History, text string, window int) []openai.ChatCompletionMessage {
	var past []openai.ChatCompletionMessage
	for _, m := range prior {
		if m.Warning || m.Streaming || strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == message.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		past = append(past, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if window > 0 && len(past) > window {
		past = past[len(past)-window:]
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(past)+2)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, past...)
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
}
