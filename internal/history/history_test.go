package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/ideachat/internal/analysis"
	"github.com/comigor/ideachat/internal/message"
)

func sample() message.History {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return message.History{
		{ID: "u1", Role: message.RoleUser, Content: "hello", Date: at},
		{ID: "a1", Role: message.RoleAssistant, Content: "hi\nthere", Sources: "web", Date: at.Add(time.Second)},
	}
}

func TestSQLiteStore_RoundTripAndOverwrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s := NewSQLiteStore(path)
	defer s.Close()

	h, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, h)

	require.NoError(t, s.Save(ctx, "sess", sample()))
	got, err := s.Load(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sample(), got)

	require.NoError(t, s.Save(ctx, "sess", sample()[:1]))
	got, err = s.Load(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// a second store on the same file sees the persisted state
	reopened := NewSQLiteStore(path)
	defer reopened.Close()
	got, err = reopened.Load(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, "hello", got[0].Content)
}

func TestSQLiteStore_FinalIdea(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "ideas.db"))
	defer s.Close()

	idea, err := s.FinalIdea(ctx, "sess")
	require.NoError(t, err)
	require.Empty(t, idea)

	require.NoError(t, s.SaveFinalIdea(ctx, "sess", "first"))
	require.NoError(t, s.SaveFinalIdea(ctx, "sess", "second"))
	idea, err = s.FinalIdea(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, "second", idea)
}

func TestSQLiteStore_FallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))

	s := NewSQLiteStore(filepath.Join(dir, "history.db"))
	defer s.Close()

	require.NoError(t, s.Save(ctx, "sess", sample()))
	got, err := s.Load(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sample(), got)
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	h := sample()
	require.NoError(t, m.Save(ctx, "s", h))
	h[0].Content = "mutated"

	got, err := m.Load(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "hello", got[0].Content)
	require.Equal(t, "conversation_s", Key("s"))
}

func TestAdminStore(t *testing.T) {
	sqlite := NewSQLiteStore(filepath.Join(t.TempDir(), "admin.db"))
	t.Cleanup(func() { sqlite.Close() })

	stores := map[string]interface {
		Store
		IdeaStore
		AdminStore
	}{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids, err := s.Sessions(ctx)
			require.NoError(t, err)
			require.Empty(t, ids)

			require.NoError(t, s.Save(ctx, "b", sample()))
			require.NoError(t, s.Save(ctx, "a", sample()[:1]))
			require.NoError(t, s.SaveFinalIdea(ctx, "a", "idea"))
			ids, err = s.Sessions(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, ids)

			at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, s.SaveAnalysis(ctx, analysis.Report{SessionID: "b", CreatedAt: at.Add(time.Hour)}))
			require.NoError(t, s.SaveAnalysis(ctx, analysis.Report{SessionID: "a", CreatedAt: at}))
			require.NoError(t, s.SaveAnalysis(ctx, analysis.Report{SessionID: "a", FinalIdea: "idea", CreatedAt: at}))
			reports, err := s.Analyses(ctx)
			require.NoError(t, err)
			require.Len(t, reports, 2)
			require.Equal(t, "a", reports[0].SessionID)
			require.Equal(t, "idea", reports[0].FinalIdea)

			deleted, err := s.DeleteSession(ctx, "a")
			require.NoError(t, err)
			require.True(t, deleted)
			deleted, err = s.DeleteSession(ctx, "a")
			require.NoError(t, err)
			require.False(t, deleted)

			ids, _ = s.Sessions(ctx)
			require.Equal(t, []string{"b"}, ids)
			idea, _ := s.FinalIdea(ctx, "a")
			require.Empty(t, idea)
			h, _ := s.Load(ctx, "a")
			require.Empty(t, h)
			reports, _ = s.Analyses(ctx)
			require.Len(t, reports, 1)
		})
	}
}
