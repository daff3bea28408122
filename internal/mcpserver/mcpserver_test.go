package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/session"
)

type replySender struct {
	answer, sources string
	err             error
}

func (s *replySender) Send(ctx context.Context, text string, prior message.History, onChunk message.StreamFunc) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	return s.answer, s.sources, nil
}

type ideaRecorder struct {
	ideas []string
	err   error
}

func (r *ideaRecorder) AddFinalIdea(_ context.Context, idea string) error {
	if r.err != nil {
		return r.err
	}
	r.ideas = append(r.ideas, idea)
	return nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	ctrl := session.New(ctx, "s", &replySender{answer: "Try a repair café", sources: "https://repaircafe.org"})
	tools := NewTools(ctrl, nil)

	res, err := tools.SendMessage(ctx, call("send_message", map[string]any{"message": "ideas?"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "Try a repair café\n\nSources:\nhttps://repaircafe.org", text(t, res))

	res, err = tools.Conversation(ctx, call("conversation", nil))
	require.NoError(t, err)
	var h message.History
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &h))
	require.Len(t, h, 2)
	require.Equal(t, "ideas?", h[0].Content)
}

func TestSendMessage_Failure(t *testing.T) {
	ctx := context.Background()
	ctrl := session.New(ctx, "s", &replySender{err: errors.New("offline")})
	tools := NewTools(ctrl, nil)

	res, err := tools.SendMessage(ctx, call("send_message", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, session.FailureNotice, text(t, res))

	res, err = tools.SendMessage(ctx, call("send_message", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestSubmitIdea(t *testing.T) {
	ctx := context.Background()
	ideas := &ideaRecorder{}
	tools := NewTools(session.New(ctx, "s", &replySender{}), ideas)

	res, err := tools.SubmitIdea(ctx, call("submit_idea", map[string]any{"idea": "tool library"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, []string{"tool library"}, ideas.ideas)

	ideas.err = errors.New("down")
	res, err = tools.SubmitIdea(ctx, call("submit_idea", map[string]any{"idea": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestNew_RegistersTools(t *testing.T) {
	s := New(NewTools(session.New(context.Background(), "s", &replySender{}), &ideaRecorder{}), "test")
	require.NotNil(t, s)
}
