// Package chatapi talks to the chat backend over HTTP.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/comigor/ideachat/internal/config"
	"github.com/comigor/ideachat/internal/extract"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/reconcile"
)

// ErrNoSession is returned when no session identifier is configured.
var ErrNoSession = errors.New("chatapi: no session id found")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.Status)
}

// Client is a client for the chat backend API
type Client struct {
	baseURL   string
	sessionID string
	timeout   time.Duration
	client    *http.Client
}

// NewClient creates a new Client for sessionID. cfg.Timeout bounds the wait
// for response headers; a streamed reply may take longer to arrive in full.
func NewClient(cfg config.APIConfig, sessionID string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sessionID: sessionID,
		timeout:   cfg.Timeout,
		client:    &http.Client{Transport: transport},
	}
}

// withTimeout bounds a non-streaming request.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

type chatRequest struct {
	Message string          `json:"message"`
	History message.History `json:"history"`
}

// Send posts text to /chat_stream and reads the plain-text reply as it
// arrives. onChunk sees every chunk with the answer and sources extracted
// from everything received so far.
func (c *Client) Send(ctx context.Context, text string, prior message.History, onChunk message.StreamFunc) (string, string, error) {
	if prior == nil {
		prior = message.History{}
	}
	body, err := json.Marshal(chatRequest{Message: text, History: prior})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat_stream", bytes.NewBuffer(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", c.sessionID)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &StatusError{Op: "chat_stream", Status: resp.StatusCode}
	}

	var (
		full    strings.Builder
		pending []byte
		buf     = make([]byte, 4096)
	)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if cut := completePrefix(pending); cut > 0 {
				chunk := string(pending[:cut])
				pending = pending[cut:]
				full.WriteString(chunk)
				if onChunk != nil {
					r := extract.Extract(full.String())
					onChunk(chunk, r.Answer, r.Sources)
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return "", "", fmt.Errorf("read chat stream: %w", readErr)
		}
	}
	if len(pending) > 0 {
		full.Write(pending)
	}

	res := extract.Final(full.String())
	logger.L.Debug("chat stream finished", "session", c.sessionID, "bytes", full.Len())
	return res.Answer, res.Sources, nil
}

// completePrefix returns the length of b without a trailing rune that is
// split across reads.
func completePrefix(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return len(b) - i
			}
			break
		}
	}
	return len(b)
}

type conversationRecord struct {
	ID        string       `json:"id"`
	Role      message.Role `json:"role"`
	Content   string       `json:"content"`
	Timestamp *time.Time   `json:"timestamp"`
	Date      *time.Time   `json:"date"`
	Sources   string       `json:"sources"`
}

// Conversation fetches the server-side history of the session. Records the
// server did not give an id get one here, once.
func (c *Client) Conversation(ctx context.Context) (message.History, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}
	u := fmt.Sprintf("%s/conversation?session_id=%s", c.baseURL, url.QueryEscape(c.sessionID))
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "conversation", Status: resp.StatusCode}
	}

	var payload struct {
		ConversationHistory []conversationRecord `json:"conversation_history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	out := make(message.History, 0, len(payload.ConversationHistory))
	for _, r := range payload.ConversationHistory {
		m := message.Message{ID: r.ID, Role: r.Role, Content: r.Content, Sources: r.Sources}
		switch {
		case r.Timestamp != nil:
			m.Date = *r.Timestamp
		case r.Date != nil:
			m.Date = *r.Date
		}
		if m.Role == message.RoleAssistant && m.Sources == "" {
			// assistant replies are stored as the raw JSON the model produced
			if res := extract.Final(m.Content); res.Answer != "" {
				m.Content, m.Sources = res.Answer, res.Sources
			}
		}
		out = append(out, m)
	}
	return reconcile.AssignIDs(out), nil
}

// AddFinalIdea records the idea the user settled on for the session.
func (c *Client) AddFinalIdea(ctx context.Context, idea string) error {
	if c.sessionID == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]string{"idea": idea})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/add-finalIdea?session_id=%s", c.baseURL, url.QueryEscape(c.sessionID))
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "add-finalIdea", Status: resp.StatusCode}
	}
	return nil
}
