package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/comigor/ideachat/internal/analysis"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
)

type analyzeRequest struct {
	SessionID string `json:"session_id"`
}

type downloadRequest struct {
	IDs    []string `json:"ids"`
	Format string   `json:"format,omitempty"`
}

type chatRecord struct {
	SessionID           string          `json:"session_id"`
	ConversationHistory message.History `json:"conversation_history"`
	FinalIdea           string          `json:"final_idea,omitempty"`
}

type sessionSummary struct {
	SessionID string              `json:"session_id"`
	FinalIdea string              `json:"final_idea,omitempty"`
	TimeStats *analysis.TimeStats `json:"time_stats,omitempty"`
	CreatedAt *time.Time          `json:"created_at,omitempty"`
}

type userDetail struct {
	chatRecord
	Analysis *analysis.Report `json:"analysis,omitempty"`
}

// chat loads the conversation and final idea of sessionID. ok is false when
// neither exists.
func (s *Server) chat(ctx context.Context, sessionID string) (rec chatRecord, ok bool, err error) {
	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return chatRecord{}, false, err
	}
	idea, err := s.store.FinalIdea(ctx, sessionID)
	if err != nil {
		return chatRecord{}, false, err
	}
	if conv == nil {
		conv = message.History{}
	}
	rec = chatRecord{SessionID: sessionID, ConversationHistory: conv, FinalIdea: idea}
	return rec, len(conv) > 0 || idea != "", nil
}

func (s *Server) reportsBySession(ctx context.Context) (map[string]analysis.Report, error) {
	reports, err := s.store.Analyses(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]analysis.Report, len(reports))
	for _, r := range reports {
		out[r.SessionID] = r
	}
	return out, nil
}

// Analyze computes and stores the time and size statistics of a session.
// POST /analyze
func (s *Server) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" {
		return detail(c, http.StatusBadRequest, "missing session_id")
	}
	ctx := c.Request().Context()
	rec, ok, err := s.chat(ctx, req.SessionID)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return detail(c, http.StatusNotFound, "Session not found")
	}
	report := analysis.Analyze(req.SessionID, rec.ConversationHistory, rec.FinalIdea, s.now())
	if err := s.store.SaveAnalysis(ctx, report); err != nil {
		logger.L.Error("save analysis", "session", req.SessionID, "error", err)
		return detail(c, http.StatusInternalServerError, "could not store the analysis")
	}
	return c.JSON(http.StatusOK, report)
}

// Stats summarizes all sessions.
// GET /stats
func (s *Server) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := s.store.Sessions(ctx)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	completed := 0
	for _, id := range ids {
		idea, err := s.store.FinalIdea(ctx, id)
		if err != nil {
			return detail(c, http.StatusInternalServerError, err.Error())
		}
		if idea != "" {
			completed++
		}
	}
	reports, err := s.store.Analyses(ctx)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, analysis.Aggregate(len(ids), completed, reports))
}

func (s *Server) summaries(ctx context.Context) ([]sessionSummary, error) {
	ids, err := s.store.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	reports, err := s.reportsBySession(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		sum := sessionSummary{SessionID: id}
		if r, ok := reports[id]; ok {
			ts, created := r.TimeStats, r.CreatedAt
			sum.FinalIdea, sum.TimeStats, sum.CreatedAt = r.FinalIdea, &ts, &created
		}
		out = append(out, sum)
	}
	return out, nil
}

// Datas lists every session with its analysis summary when there is one.
// GET /datas
func (s *Server) Datas(c echo.Context) error {
	out, err := s.summaries(c.Request().Context())
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

// User returns the full record of one session, or all summaries without
// id_session.
// GET /user?id_session=
func (s *Server) User(c echo.Context) error {
	sessionID := c.QueryParam("id_session")
	if sessionID == "" {
		return s.Datas(c)
	}
	ctx := c.Request().Context()
	rec, ok, err := s.chat(ctx, sessionID)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	reports, err := s.reportsBySession(ctx)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	u := userDetail{chatRecord: rec}
	if r, found := reports[sessionID]; found {
		u.Analysis = &r
		ok = true
	}
	if !ok {
		return c.JSON(http.StatusOK, []userDetail{})
	}
	return c.JSON(http.StatusOK, []userDetail{u})
}

// ListAnalyses returns the stored reports, optionally limited to those
// created between start_date and end_date (YYYY-MM-DD, both inclusive).
// GET /analysis
func (s *Server) ListAnalyses(c echo.Context) error {
	reports, err := s.store.Analyses(c.Request().Context())
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	start, end := c.QueryParam("start_date"), c.QueryParam("end_date")
	if start == "" || end == "" {
		if reports == nil {
			reports = []analysis.Report{}
		}
		return c.JSON(http.StatusOK, reports)
	}
	from, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return detail(c, http.StatusBadRequest, "invalid start_date")
	}
	to, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return detail(c, http.StatusBadRequest, "invalid end_date")
	}
	to = to.Add(24 * time.Hour)

	out := []analysis.Report{}
	for _, r := range reports {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return c.JSON(http.StatusOK, out)
}

// DeleteAnalysis removes a session with its conversation and analysis.
// DELETE /analysis/:session_id
func (s *Server) DeleteAnalysis(c echo.Context) error {
	deleted, err := s.store.DeleteSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) chats(ctx context.Context, ids []string) ([]chatRecord, error) {
	out := []chatRecord{}
	for _, id := range ids {
		rec, ok, err := s.chat(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Server) analyses(ctx context.Context, ids []string) ([]analysis.Report, error) {
	reports, err := s.reportsBySession(ctx)
	if err != nil {
		return nil, err
	}
	out := []analysis.Report{}
	for _, id := range ids {
		if r, ok := reports[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// DownloadChats exports the conversations of the requested sessions.
// POST /download/chats
func (s *Server) DownloadChats(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid request body")
	}
	out, err := s.chats(c.Request().Context(), req.IDs)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	if len(out) == 0 {
		return detail(c, http.StatusBadRequest, "No chats found for given IDs")
	}
	return c.JSON(http.StatusOK, out)
}

// DownloadAnalyses exports the reports of the requested sessions.
// POST /download/analysis
func (s *Server) DownloadAnalyses(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid request body")
	}
	out, err := s.analyses(c.Request().Context(), req.IDs)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	if len(out) == 0 {
		return detail(c, http.StatusBadRequest, "No analyses found for given IDs")
	}
	return c.JSON(http.StatusOK, out)
}

// DownloadAll exports both conversations and reports.
// POST /download/all
func (s *Server) DownloadAll(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	chats, err := s.chats(ctx, req.IDs)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	reports, err := s.analyses(ctx, req.IDs)
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	if len(chats) == 0 && len(reports) == 0 {
		return detail(c, http.StatusBadRequest, "No data found for given IDs")
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": chats, "analyses": reports})
}
