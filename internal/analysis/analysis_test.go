package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/ideachat/internal/message"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func msg(role message.Role, content string, minutes float64) message.Message {
	return message.Message{Role: role, Content: content, Date: t0.Add(time.Duration(minutes * float64(time.Minute)))}
}

func TestComputeTimeStats(t *testing.T) {
	require.Equal(t, TimeStats{}, ComputeTimeStats(nil))

	h := message.History{
		msg(message.RoleAssistant, "b", 2.5),
		msg(message.RoleUser, "a", 0),
		msg(message.RoleUser, "c", 45), // back after a long pause
		msg(message.RoleAssistant, "d", 46),
	}
	st := ComputeTimeStats(h)
	require.Equal(t, 4, st.TotalMessages)
	require.Equal(t, 3.5, st.TotalDurationMinutes)
	require.True(t, st.UserReturnedAfter30Mins)
	require.Equal(t, 1, st.NumGapsOver30Mins)
	require.Equal(t, "b", h[0].Content, "input must not be reordered")

	st = ComputeTimeStats(message.History{msg(message.RoleUser, "a", 0), msg(message.RoleUser, "b", 30)})
	require.False(t, st.UserReturnedAfter30Mins)
	require.Equal(t, 30.0, st.TotalDurationMinutes)
}

func TestComputeSizeStats(t *testing.T) {
	require.Equal(t, SizeStats{}, ComputeSizeStats(nil))

	st := ComputeSizeStats(message.History{
		msg(message.RoleUser, "abcd", 0),
		msg(message.RoleUser, "ab", 1),
		msg(message.RoleAssistant, "café", 2),
	})
	require.Equal(t, 3.0, st.AvgUserSize)
	require.Equal(t, 4.0, st.AvgAISize)
}

func TestAggregate(t *testing.T) {
	require.Equal(t, Stats{TotalUsers: 3, TotalCompletedSessions: 1, TotalAbandonedSessions: 2}, Aggregate(3, 1, nil))

	st := Aggregate(2, 2, []Report{
		{TimeStats: TimeStats{TotalDurationMinutes: 10, UserReturnedAfter30Mins: true}},
		{TimeStats: TimeStats{TotalDurationMinutes: 5.333}},
	})
	require.Equal(t, 1, st.NumReengagements)
	require.Equal(t, 7.67, st.AvgSessionDuration)
	require.Equal(t, 0, st.TotalAbandonedSessions)
}

func TestAnalyze(t *testing.T) {
	h := message.History{msg(message.RoleUser, "q", 0), msg(message.RoleAssistant, "answer", 1)}
	r := Analyze("s1", h, "tool library", t0)
	require.Equal(t, "s1", r.SessionID)
	require.Equal(t, "tool library", r.FinalIdea)
	require.Equal(t, 2, r.TimeStats.TotalMessages)
	require.Equal(t, 6.0, r.SizeStats.AvgAISize)
	require.Equal(t, t0, r.CreatedAt)
}
