// Package history persists conversations keyed by session.
// The SQLite database is opened lazily and created on first use. If opening
// the DB or executing queries fails, the store falls back to in-memory storage.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/ideachat/internal/analysis"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
)

// Store reads and overwrites the whole conversation of a session.
type Store interface {
	Load(ctx context.Context, sessionID string) (message.History, error)
	Save(ctx context.Context, sessionID string, h message.History) error
}

// IdeaStore keeps the final idea submitted for a session.
type IdeaStore interface {
	SaveFinalIdea(ctx context.Context, sessionID, idea string) error
	FinalIdea(ctx context.Context, sessionID string) (string, error)
}

// AdminStore backs the dashboard: it lists sessions and keeps one analysis
// report per session.
type AdminStore interface {
	Sessions(ctx context.Context) ([]string, error)
	SaveAnalysis(ctx context.Context, r analysis.Report) error
	Analyses(ctx context.Context) ([]analysis.Report, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
}

const keyPrefix = "conversation_"

// Key is the storage key of a session's conversation.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// SQLiteStore stores each conversation as one JSON array row.
type SQLiteStore struct {
	path string
	mem  *MemoryStore // fallback

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// NewSQLiteStore returns a store backed by the database file at path.
func NewSQLiteStore(path string) *SQLiteStore {
	if path == "" {
		path = "history.db"
	}
	return &SQLiteStore{path: path, mem: NewMemoryStore()}
}

func (s *SQLiteStore) initDB() {
	var err error
	s.db, err = sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	if _, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS conversations (
		key TEXT PRIMARY KEY,
		history TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS final_ideas (
		session_id TEXT PRIMARY KEY,
		idea TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS analyses (
		session_id TEXT PRIMARY KEY,
		report TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		return
	}
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

func (s *SQLiteStore) ready() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Load returns the stored conversation of sessionID, or nil if none exists.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (message.History, error) {
	if !s.ready() {
		return s.mem.Load(ctx, sessionID)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT history FROM conversations WHERE key = ?;`, Key(sessionID)).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.mem.Load(ctx, sessionID)
	case err != nil:
		logger.L.Error("failed to read history from sqlite; falling back to memory", "session", sessionID, "error", err)
		return s.mem.Load(ctx, sessionID)
	}
	var h message.History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", Key(sessionID), err)
	}
	return h, nil
}

// Save overwrites the conversation of sessionID. An in-memory copy is always
// kept so a failing database never loses the latest state.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, h message.History) error {
	if err := s.mem.Save(ctx, sessionID, h); err != nil {
		return err
	}
	if !s.ready() {
		return nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", Key(sessionID), err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (key, history, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET history = excluded.history, updated_at = excluded.updated_at;`,
		Key(sessionID), string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		logger.L.Error("failed to store history in sqlite; kept in memory", "session", sessionID, "error", err)
	}
	return nil
}

// SaveFinalIdea records the final idea of sessionID, replacing any earlier one.
func (s *SQLiteStore) SaveFinalIdea(ctx context.Context, sessionID, idea string) error {
	if !s.ready() {
		return s.mem.SaveFinalIdea(ctx, sessionID, idea)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO final_ideas (session_id, idea, updated_at) VALUES (?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET idea = excluded.idea, updated_at = excluded.updated_at;`,
		sessionID, idea, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store final idea: %w", err)
	}
	return nil
}

// FinalIdea returns the final idea of sessionID, or "" if none was submitted.
func (s *SQLiteStore) FinalIdea(ctx context.Context, sessionID string) (string, error) {
	if !s.ready() {
		return s.mem.FinalIdea(ctx, sessionID)
	}
	var idea string
	err := s.db.QueryRowContext(ctx, `SELECT idea FROM final_ideas WHERE session_id = ?;`, sessionID).Scan(&idea)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read final idea: %w", err)
	}
	return idea, nil
}

// Sessions returns the ids of all sessions with a stored conversation,
// sorted.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	if !s.ready() {
		return s.mem.Sessions(ctx)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM conversations WHERE key LIKE ? ORDER BY key;`, keyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		ids = append(ids, strings.TrimPrefix(key, keyPrefix))
	}
	return ids, rows.Err()
}

// SaveAnalysis stores r, replacing the earlier report of the same session.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, r analysis.Report) error {
	if !s.ready() {
		return s.mem.SaveAnalysis(ctx, r)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode analysis %s: %w", r.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO analyses (session_id, report, created_at) VALUES (?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET report = excluded.report, created_at = excluded.created_at;`,
		r.SessionID, string(raw), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return nil
}

// Analyses returns all stored reports, oldest first.
func (s *SQLiteStore) Analyses(ctx context.Context) ([]analysis.Report, error) {
	if !s.ready() {
		return s.mem.Analyses(ctx)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT report FROM analyses ORDER BY created_at, session_id;`)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []analysis.Report
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("list analyses: %w", err)
		}
		var r analysis.Report
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes the conversation, final idea and analysis of
// sessionID. It reports whether anything was removed.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	memDeleted, _ := s.mem.DeleteSession(ctx, sessionID)
	if !s.ready() {
		return memDeleted, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	var n int64
	for _, q := range []struct{ stmt, arg string }{
		{`DELETE FROM conversations WHERE key = ?;`, Key(sessionID)},
		{`DELETE FROM final_ideas WHERE session_id = ?;`, sessionID},
		{`DELETE FROM analyses WHERE session_id = ?;`, sessionID},
	} {
		res, err := tx.ExecContext(ctx, q.stmt, q.arg)
		if err != nil {
			return false, fmt.Errorf("delete session: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0 || memDeleted, nil
}

// Close releases the database if it was opened.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]message.History
	ideas         map[string]string
	analyses      map[string]analysis.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]message.History),
		ideas:         make(map[string]string),
		analyses:      make(map[string]analysis.Report),
	}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (message.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[Key(sessionID)].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, h message.History) error {
	m.mu.Lock()
	m.conversations[Key(sessionID)] = h.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveFinalIdea(_ context.Context, sessionID, idea string) error {
	m.mu.Lock()
	m.ideas[sessionID] = idea
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) FinalIdea(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ideas[sessionID], nil
}

func (m *MemoryStore) Sessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conversations))
	for key := range m.conversations {
		ids = append(ids, strings.TrimPrefix(key, keyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveAnalysis(_ context.Context, r analysis.Report) error {
	m.mu.Lock()
	m.analyses[r.SessionID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Analyses(_ context.Context) ([]analysis.Report, error) {
	m.mu.Lock()
	out := make([]analysis.Report, 0, len(m.analyses))
	for _, r := range m.analyses {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, c := m.conversations[Key(sessionID)]
	_, i := m.ideas[sessionID]
	_, a := m.analyses[sessionID]
	delete(m.conversations, Key(sessionID))
	delete(m.ideas, sessionID)
	delete(m.analyses, sessionID)
	return c || i || a, nil
}
