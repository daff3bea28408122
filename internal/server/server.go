// Package server provides the chat backend: streamed replies, stored
// conversations, final ideas, prompt settings and the dashboard endpoints.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/ideachat/internal/config"
	"github.com/comigor/ideachat/internal/extract"
	"github.com/comigor/ideachat/internal/history"
	"github.com/comigor/ideachat/internal/llm"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/reconcile"
)

// Store keeps conversations, final ideas and analysis reports.
type Store interface {
	history.Store
	history.IdeaStore
	history.AdminStore
}

// Completer streams a model reply; *llm.Sender implements it.
type Completer interface {
	Stream(ctx context.Context, msgs []openai.ChatCompletionMessage, onToken func(string)) (string, error)
}

// Server is the HTTP backend.
type Server struct {
	echo      *echo.Echo
	store     Store
	completer Completer
	window    int
	now       func() time.Time

	saveMu sync.Mutex

	promptMu sync.RWMutex
	prompt   config.PromptConfig
}

// New creates the backend and registers its routes.
func New(store Store, completer Completer, cfg config.Config) *Server {
	s := &Server{
		echo:      echo.New(),
		store:     store,
		completer: completer,
		window:    cfg.LLM.HistoryWindow,
		now:       time.Now,
		prompt:    cfg.Prompt,
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.L.Error("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.L.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	// Register Routes
	e.POST("/chat_stream", s.ChatStream)
	e.GET("/conversation", s.Conversation)
	e.POST("/add-finalIdea", s.AddFinalIdea)
	e.GET("/config", s.GetConfig)
	e.PUT("/config", s.PutConfig)

	// Dashboard
	e.POST("/analyze", s.Analyze)
	e.GET("/stats", s.Stats)
	e.GET("/datas", s.Datas)
	e.GET("/user", s.User)
	e.GET("/analysis", s.ListAnalyses)
	e.DELETE("/analysis/:session_id", s.DeleteAnalysis)
	e.POST("/download/chats", s.DownloadChats)
	e.POST("/download/analysis", s.DownloadAnalyses)
	e.POST("/download/all", s.DownloadAll)

	return s
}

// ServeHTTP lets the server be mounted or tested as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	logger.L.Info("starting server", "address", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func detail(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"detail": msg})
}

type chatRequest struct {
	Message string `json:"message"`
}

// ChatStream streams the model reply to the new message as plain text, then
// stores both messages in the session's conversation.
// POST /chat_stream
func (s *Server) ChatStream(c echo.Context) error {
	sessionID := c.Request().Header.Get("X-Session-Id")
	if sessionID == "" {
		return detail(c, http.StatusBadRequest, "missing X-Session-Id header")
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return detail(c, http.StatusBadRequest, "empty message")
	}

	ctx := c.Request().Context()
	userMsg := message.NewUser(req.Message, s.now())

	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		logger.L.Error("load conversation", "session", sessionID, "error", err)
	}
	s.promptMu.RLock()
	system := llm.SystemPrompt(s.prompt)
	s.promptMu.RUnlock()
	msgs := llm.BuildMessages(system, conv, req.Message, s.window)

	res := c.Response()
	started := false
	reply, err := s.completer.Stream(ctx, msgs, func(token string) {
		if !started {
			res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
			res.WriteHeader(http.StatusOK)
			started = true
		}
		if _, werr := res.Write([]byte(token)); werr == nil {
			res.Flush()
		}
	})
	if err != nil {
		logger.L.Error("completion failed", "session", sessionID, "error", err)
		if !started {
			return detail(c, http.StatusInternalServerError, "completion failed")
		}
		// the status line is gone; drop the connection so the client reads a
		// truncated body instead of a complete reply
		panic(http.ErrAbortHandler)
	}
	if !started {
		res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		res.WriteHeader(http.StatusOK)
	}

	parsed := extract.Final(reply)
	assistant := message.Message{
		ID:      message.NewID(),
		Role:    message.RoleAssistant,
		Content: parsed.Answer,
		Sources: parsed.Sources,
		Date:    s.now(),
	}
	if err := s.appendConversation(context.WithoutCancel(ctx), sessionID, userMsg, assistant); err != nil {
		logger.L.Error("save conversation", "session", sessionID, "error", err)
	}
	return nil
}

func (s *Server) appendConversation(ctx context.Context, sessionID string, msgs ...message.Message) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	existing, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.store.Save(ctx, sessionID, reconcile.Merge(existing, msgs))
}

// Conversation returns the stored conversation of a session.
// GET /conversation?session_id=
func (s *Server) Conversation(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return detail(c, http.StatusBadRequest, "missing session_id")
	}
	conv, err := s.store.Load(c.Request().Context(), sessionID)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	if conv == nil {
		conv = message.History{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversation_history": conv})
}

type finalIdeaRequest struct {
	Idea string `json:"idea"`
}

// AddFinalIdea stores the final idea of a session.
// POST /add-finalIdea?session_id=
func (s *Server) AddFinalIdea(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return detail(c, http.StatusBadRequest, "missing session_id")
	}
	var req finalIdeaRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Idea) == "" {
		return detail(c, http.StatusBadRequest, "error while adding the final idea")
	}
	if err := s.store.SaveFinalIdea(c.Request().Context(), sessionID, req.Idea); err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "final idea saved"})
}

// GetConfig returns the prompt settings.
// GET /config
func (s *Server) GetConfig(c echo.Context) error {
	s.promptMu.RLock()
	defer s.promptMu.RUnlock()
	return c.JSON(http.StatusOK, s.prompt)
}

// PutConfig replaces the prompt settings.
// PUT /config
func (s *Server) PutConfig(c echo.Context) error {
	var p config.PromptConfig
	if err := c.Bind(&p); err != nil {
		return detail(c, http.StatusBadRequest, "invalid configuration")
	}
	if p.Tone == "" || p.TextSize == "" {
		return detail(c, http.StatusBadRequest, "tone and textSize are required")
	}
	if p.MaxChars > 0 && p.MinChars > p.MaxChars {
		return detail(c, http.StatusBadRequest, "minChars exceeds maxChars")
	}
	s.promptMu.Lock()
	s.prompt = p
	s.promptMu.Unlock()
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
