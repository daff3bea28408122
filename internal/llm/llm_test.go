package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/ideachat/internal/config"
	"github.com/comigor/ideachat/internal/message"
)

// fakeOpenAI serves a streamed chat completion with one delta per token.
func fakeOpenAI(t *testing.T, tokens []string, seen *openai.ChatCompletionRequest) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, tok := range tokens {
			chunk := openai.ChatCompletionStreamResponse{
				ID:     fmt.Sprintf("chunk-%d", i),
				Object: "chat.completion.chunk",
				Model:  "test-model",
				Choices: []openai.ChatCompletionStreamChoice{{
					Index: 0,
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: tok},
				}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return NewClient(config.LLMConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
}

func TestSender_Send(t *testing.T) {
	tokens := []string{`{"answer": "`, `Solar `, `kiosks\n`, `for schools", `, `"sources": "iea.org"}`}
	var req openai.ChatCompletionRequest
	client := fakeOpenAI(t, tokens, &req)

	s := NewSender(client, config.LLMConfig{Model: "test-model", Temperature: 0.3, HistoryWindow: 2}, func() string { return "SYSTEM" })
	prior := message.History{
		{Role: message.RoleUser, Content: "old question"},
		{Role: message.RoleAssistant, Content: "old answer"},
		{Role: message.RoleAssistant, Content: "failed", Warning: true},
		{Role: message.RoleUser, Content: "recent question"},
	}

	var answers []string
	answer, sources, err := s.Send(context.Background(), "any ideas?", prior, func(chunk, a, _ string) {
		answers = append(answers, a)
	})
	require.NoError(t, err)
	require.Equal(t, "Solar kiosks\nfor schools", answer)
	require.Equal(t, "iea.org", sources)
	require.Equal(t, []string{"", "Solar ", "Solar kiosks\n", "Solar kiosks\nfor schools", "Solar kiosks\nfor schools"}, answers)

	require.True(t, req.Stream)
	require.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, "old answer", req.Messages[1].Content)
	require.Equal(t, "recent question", req.Messages[2].Content)
	require.Equal(t, "any ideas?", req.Messages[3].Content)
}

func TestSender_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	s := NewSender(NewClient(config.LLMConfig{APIKey: "nope", BaseURL: srv.URL}), config.LLMConfig{Model: "m"}, nil)
	_, _, err := s.Send(context.Background(), "hi", nil, nil)
	require.Error(t, err)
}

func TestBuildMessages(t *testing.T) {
	msgs := BuildMessages("", message.History{
		{Role: message.RoleUser, Content: "a"},
		{Role: message.RoleAssistant, Content: "", Streaming: true},
	}, "b", 0)
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "a"},
		{Role: openai.ChatMessageRoleUser, Content: "b"},
	}, msgs)
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt(config.PromptConfig{
		Tone:       "Light & Humorous",
		GenderTone: "Feminine",
		TextSize:   "Short",
		MaxChars:   800,
	})
	require.Contains(t, p, "Tone: Light & Humorous")
	require.Contains(t, p, "A brief response (1-5 ideas).")
	require.Contains(t, p, `"answer" and "sources"`)
	require.Contains(t, p, "between 0 and 800 characters")
	require.Contains(t, p, "Lena")

	p = SystemPrompt(config.PromptConfig{Tone: "Unknown", TextSize: "Huge"})
	require.Contains(t, p, "A balanced response (6-10 ideas).")
	require.NotContains(t, p, "Tone guidelines")
	require.NotContains(t, p, "characters.")
}
