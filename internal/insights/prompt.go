package insights

import (
	"fmt"
	"slices"
	"strings"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

var instructions = map[Kind]string{
	KindInsights: `You are an analytics expert analyzing chat system metrics. Based on the metrics below,
provide 3-5 key insights about system performance, user behavior, and potential improvements.
For each insight give a clear title, explain it with specific data points, and suggest
an actionable recommendation.`,
	KindAnomalies: `You are an AI monitoring expert. Analyze the metrics below from a chat system and
identify anomalies or unusual patterns that might indicate issues or opportunities.
For each anomaly describe it, explain why it is unusual, suggest possible causes and
recommend how to investigate. Focus on significant deviations, spikes or drops.`,
	KindRecommendations: `You are a chat system optimization expert. Based on the metrics below, provide
specific recommendations to improve performance, user experience and cost efficiency.
For each recommendation give an actionable title, the rationale with data points,
the expected benefit and implementation steps.`,
}

// Prompt builds the model prompt for kind.
func Prompt(kind Kind, snap *model.MetricsSnapshot) string {
	var sb strings.Builder
	sb.WriteString(instructions[kind])
	sb.WriteString("\n\nFormat the response as a structured list with headings and bullet points.\n\nMetrics:\n")
	sb.WriteString(MetricsText(snap))
	return sb.String()
}

// MetricsText renders the headline numbers of snap as plain text.
func MetricsText(snap *model.MetricsSnapshot) string {
	var sb strings.Builder
	u, p, m, usr := snap.Usage, snap.Performance, snap.Model, snap.User

	fmt.Fprintf(&sb, "Window: %s to %s (%s buckets)\n",
		snap.Window.Start.Format("2006-01-02 15:04"), snap.Window.End.Format("2006-01-02 15:04"), snap.TimeScale)

	sb.WriteString("\nUsage:\n")
	fmt.Fprintf(&sb, "- Sessions: %d total, %d active, %d completed\n", u.TotalSessions, u.ActiveSessions, u.CompletedSessions)
	fmt.Fprintf(&sb, "- Messages: %d user, %d assistant\n", u.UserMessages, u.AssistantMessages)
	if u.MessageRatio != nil {
		fmt.Fprintf(&sb, "- User/assistant ratio: %.2f\n", *u.MessageRatio)
	}
	fmt.Fprintf(&sb, "- Messages per session: avg %.2f, min %d, max %d\n",
		u.MessagesPerSession.Avg, u.MessagesPerSession.Min, u.MessagesPerSession.Max)

	pt := p.ProcessingTime
	sb.WriteString("\nPerformance:\n")
	if pt.HasData() {
		fmt.Fprintf(&sb, "- Processing time (ms): avg %s, median %s, p90 %s, p95 %s, p99 %s over %d responses\n",
			num(pt.Avg), num(pt.Median), num(pt.P90), num(pt.P95), num(pt.P99), pt.Count)
	} else {
		sb.WriteString("- Processing time: no data\n")
	}
	fmt.Fprintf(&sb, "- Tokens: %d prompt, %d completion, %d total\n", p.Tokens.Prompt, p.Tokens.Completion, p.Tokens.Total)
	if p.TokenEfficiency != nil {
		fmt.Fprintf(&sb, "- Token efficiency (completion/prompt): %.2f\n", *p.TokenEfficiency)
	}

	sb.WriteString("\nModels:\n")
	if len(m.Messages) == 0 {
		sb.WriteString("- none\n")
	}
	for _, name := range sorted(m.Messages) {
		fmt.Fprintf(&sb, "- %s: %d messages, %d tokens, est. cost $%.4f\n",
			name, m.Messages[name], m.Tokens[name].Total, m.Cost[name])
	}
	fmt.Fprintf(&sb, "- Total estimated cost: $%.4f\n", m.TotalCost)

	sb.WriteString("\nUsers:\n")
	fmt.Fprintf(&sb, "- Unique users: %d\n", usr.UniqueUsers)
	if d := usr.SessionDuration; d.Count > 0 {
		fmt.Fprintf(&sb, "- Session duration (s): avg %s, median %s\n", num(d.Avg), num(d.Median))
	}
	fmt.Fprintf(&sb, "- Browsers: %s\n", histogram(usr.Browser))
	fmt.Fprintf(&sb, "- Operating systems: %s\n", histogram(usr.OS))
	fmt.Fprintf(&sb, "- Locations: %s\n", histogram(usr.Geo))

	if q := snap.Quality; q.SkippedSessions+q.SkippedMessages > 0 {
		fmt.Fprintf(&sb, "\nData quality: %d sessions and %d messages were malformed and skipped\n",
			q.SkippedSessions, q.SkippedMessages)
	}
	return sb.String()
}

func num(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

func histogram(h map[string]int) string {
	if len(h) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(h))
	for _, k := range sorted(h) {
		parts = append(parts, fmt.Sprintf("%s: %d", k, h[k]))
	}
	return strings.Join(parts, ", ")
}

func sorted[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
