// Package mcpserver exposes a conversation as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/session"
)

// Chat is the part of session.Controller the tools use.
type Chat interface {
	Submit(ctx context.Context, msg message.Message) error
	Messages(external []message.Message) message.History
	History() message.History
}

// IdeaSubmitter records the user's final idea.
type IdeaSubmitter interface {
	AddFinalIdea(ctx context.Context, idea string) error
}

// Tools holds the tool handlers.
type Tools struct {
	chat  Chat
	ideas IdeaSubmitter
}

func NewTools(chat Chat, ideas IdeaSubmitter) *Tools {
	return &Tools{chat: chat, ideas: ideas}
}

// New builds an MCP server with the send_message, conversation and
// submit_idea tools registered.
func New(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer("ideachat", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the idea assistant and wait for the complete answer."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user message")),
	), t.SendMessage)

	s.AddTool(mcp.NewTool("conversation",
		mcp.WithDescription("Return the conversation so far as a JSON array of messages."),
	), t.Conversation)

	if t.ideas != nil {
		s.AddTool(mcp.NewTool("submit_idea",
			mcp.WithDescription("Submit the final idea the user settled on."),
			mcp.WithString("idea", mcp.Required(), mcp.Description("The final idea")),
		), t.SubmitIdea)
	}
	return s
}

// Serve runs s on stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// SendMessage runs one exchange and returns the assistant's answer.
func (t *Tools) SendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg := message.NewUser(text, time.Now())
	if err := t.chat.Submit(ctx, msg); err != nil {
		if errors.Is(err, session.ErrInFlight) {
			return mcp.NewToolResultError("another message is still being answered"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	reply, ok := replyTo(t.chat.History(), msg.ID)
	if !ok {
		return mcp.NewToolResultError("no answer recorded"), nil
	}
	if reply.Warning {
		return mcp.NewToolResultError(reply.Content), nil
	}
	out := reply.Content
	if reply.HasSources() {
		out += "\n\nSources:\n" + reply.Sources
	}
	return mcp.NewToolResultText(out), nil
}

// replyTo finds the assistant message that follows the user message id.
func replyTo(h message.History, id string) (message.Message, bool) {
	for i, m := range h {
		if m.ID != id {
			continue
		}
		for _, next := range h[i+1:] {
			if next.Role == message.RoleAssistant {
				return next, true
			}
		}
	}
	return message.Message{}, false
}

// Conversation returns the merged history as JSON.
func (t *Tools) Conversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(t.chat.Messages(nil))
	if err != nil {
		logger.L.Error("encode conversation", "error", err)
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// SubmitIdea forwards the final idea.
func (t *Tools) SubmitIdea(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idea, err := req.RequireString("idea")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.ideas.AddFinalIdea(ctx, idea); err != nil {
		return mcp.NewToolResultError("could not save the idea: " + err.Error()), nil
	}
	return mcp.NewToolResultText("Final idea saved."), nil
}
