// Package analysis computes engagement statistics over stored conversations.
package analysis

import (
	"math"
	"slices"
	"time"

	"github.com/comigor/ideachat/internal/message"
)

// ReturnGap is the pause after which a user counts as coming back to the
// conversation. Pauses this long are left out of the active duration.
const ReturnGap = 30 * time.Minute

// TimeStats describes how long a user spent in a conversation.
type TimeStats struct {
	TotalMessages           int     `json:"total_messages"`
	TotalDurationMinutes    float64 `json:"total_duration_minutes"`
	UserReturnedAfter30Mins bool    `json:"user_returned_after_30mins"`
	NumGapsOver30Mins       int     `json:"num_gaps_over_30mins"`
}

// SizeStats holds the average message length, in characters, per role.
type SizeStats struct {
	AvgUserSize float64 `json:"avg_user_size"`
	AvgAISize   float64 `json:"avg_ai_size"`
}

// Report is the stored analysis of one session.
type Report struct {
	SessionID string    `json:"session_id"`
	FinalIdea string    `json:"final_idea,omitempty"`
	TimeStats TimeStats `json:"time_stats"`
	SizeStats SizeStats `json:"size_stats"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates all sessions.
type Stats struct {
	TotalUsers             int     `json:"total_users"`
	TotalCompletedSessions int     `json:"total_completed_sessions"`
	TotalAbandonedSessions int     `json:"total_abandoned_sessions"`
	NumReengagements       int     `json:"num_reengagements"`
	AvgSessionDuration     float64 `json:"avg_session_duration"`
}

// ComputeTimeStats counts messages, sums the time between consecutive
// messages except pauses longer than ReturnGap, and counts those pauses.
func ComputeTimeStats(h message.History) TimeStats {
	if len(h) == 0 {
		return TimeStats{}
	}
	sorted := h.Clone()
	slices.SortStableFunc(sorted, func(a, b message.Message) int {
		return a.Date.Compare(b.Date)
	})

	st := TimeStats{TotalMessages: len(sorted)}
	var active time.Duration
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Date.Sub(sorted[i-1].Date)
		if gap > ReturnGap {
			st.NumGapsOver30Mins++
			continue
		}
		active += gap
	}
	st.TotalDurationMinutes = round2(active.Minutes())
	st.UserReturnedAfter30Mins = st.NumGapsOver30Mins > 0
	return st
}

// ComputeSizeStats averages the content length of user and assistant
// messages. A role without messages averages 0.
func ComputeSizeStats(h message.History) SizeStats {
	var userTotal, userN, aiTotal, aiN int
	for _, m := range h {
		n := len([]rune(m.Content))
		switch m.Role {
		case message.RoleUser:
			userTotal += n
			userN++
		case message.RoleAssistant:
			aiTotal += n
			aiN++
		}
	}
	var st SizeStats
	if userN > 0 {
		st.AvgUserSize = float64(userTotal) / float64(userN)
	}
	if aiN > 0 {
		st.AvgAISize = float64(aiTotal) / float64(aiN)
	}
	return st
}

// Analyze builds the report of one session.
func Analyze(sessionID string, h message.History, finalIdea string, now time.Time) Report {
	return Report{
		SessionID: sessionID,
		FinalIdea: finalIdea,
		TimeStats: ComputeTimeStats(h),
		SizeStats: ComputeSizeStats(h),
		CreatedAt: now,
	}
}

// Aggregate summarizes sessions: the number of sessions, how many of them
// have a final idea, and the stored reports.
func Aggregate(sessions, completed int, reports []Report) Stats {
	st := Stats{
		TotalUsers:             sessions,
		TotalCompletedSessions: completed,
		TotalAbandonedSessions: sessions - completed,
	}
	if len(reports) == 0 {
		return st
	}
	var total float64
	for _, r := range reports {
		if r.TimeStats.UserReturnedAfter30Mins {
			st.NumReengagements++
		}
		total += r.TimeStats.TotalDurationMinutes
	}
	st.AvgSessionDuration = round2(total / float64(len(reports)))
	return st
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
