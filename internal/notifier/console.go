package notifier

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

const (
	rule     = "═══════════════════════════════════════════════════════════════\n"
	thinRule = "───────────────────────────────────────────────────────────────\n"
	topN     = 5
)

// ConsoleNotifier writes a terminal report for every snapshot.
type ConsoleNotifier struct {
	out io.Writer
}

// NewConsoleNotifier creates a console notifier writing to out, or to
// stdout when out is nil.
func NewConsoleNotifier(out io.Writer) *ConsoleNotifier {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleNotifier{out: out}
}

// Name returns the notifier name.
func (c *ConsoleNotifier) Name() string {
	return "console"
}

// Send prints the report.
func (c *ConsoleNotifier) Send(_ context.Context, snap *model.MetricsSnapshot) error {
	_, err := io.WriteString(c.out, Render(snap))
	return err
}

// Render formats snap as a plain-text report with charts.
func Render(snap *model.MetricsSnapshot) string {
	var sb strings.Builder
	u, p, m, usr := snap.Usage, snap.Performance, snap.Model, snap.User

	sb.WriteString("\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("                 CHATPULSE METRICS  #%d\n", snap.SequenceNumber))
	sb.WriteString(rule)
	if !snap.GeneratedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Generated:  %s (%s)\n",
			snap.GeneratedAt.Format("2006-01-02 15:04:05"), humanize.Time(snap.GeneratedAt)))
	}
	sb.WriteString(fmt.Sprintf("Window:     %s ~ %s  [%s]\n",
		snap.Window.Start.Format("2006-01-02 15:04"),
		snap.Window.End.Format("2006-01-02 15:04"),
		snap.TimeScale))
	sb.WriteString(thinRule)

	sb.WriteString("\nSESSIONS\n")
	sb.WriteString(fmt.Sprintf("  Total:      %s (%s active, %s completed, %.1f%% active)\n",
		humanize.Comma(int64(u.TotalSessions)), humanize.Comma(int64(u.ActiveSessions)),
		humanize.Comma(int64(u.CompletedSessions)), u.ActiveRatio*100))
	sb.WriteString(fmt.Sprintf("  Users:      %s unique\n", humanize.Comma(int64(usr.UniqueUsers))))
	if mps := u.MessagesPerSession; mps.Count > 0 {
		sb.WriteString(fmt.Sprintf("  Per session: avg %.1f messages (min %d, max %d)\n", mps.Avg, mps.Min, mps.Max))
	}
	if d := usr.SessionDuration; d.Count > 0 {
		sb.WriteString(fmt.Sprintf("  Duration:   avg %s s, median %s s\n", fmtOpt(d.Avg), fmtOpt(d.Median)))
	}

	sb.WriteString("\nMESSAGES\n")
	sb.WriteString(fmt.Sprintf("  User:       %s\n", humanize.Comma(int64(u.UserMessages))))
	sb.WriteString(fmt.Sprintf("  Assistant:  %s\n", humanize.Comma(int64(u.AssistantMessages))))
	if u.MessageRatio != nil {
		sb.WriteString(fmt.Sprintf("  Ratio:      %.2f user per assistant\n", *u.MessageRatio))
	}

	sb.WriteString("\nTOKENS\n")
	sb.WriteString(fmt.Sprintf("  Prompt:     %s\n", humanize.Comma(p.Tokens.Prompt)))
	sb.WriteString(fmt.Sprintf("  Completion: %s\n", humanize.Comma(p.Tokens.Completion)))
	sb.WriteString(fmt.Sprintf("  Total:      %s\n", humanize.Comma(p.Tokens.Total)))
	if p.TokenEfficiency != nil {
		sb.WriteString(fmt.Sprintf("  Efficiency: %.2f completion per prompt token\n", *p.TokenEfficiency))
	}
	sb.WriteString(fmt.Sprintf("  Est. cost:  $%s\n", humanize.FormatFloat("#,###.####", m.TotalCost)))

	sb.WriteString("\nLATENCY (ms)\n")
	if pt := p.ProcessingTime; pt.HasData() {
		sb.WriteString(fmt.Sprintf("  avg %s | p50 %s | p90 %s | p95 %s | p99 %s  (n=%s)\n",
			fmtOpt(pt.Avg), fmtOpt(pt.Median), fmtOpt(pt.P90), fmtOpt(pt.P95), fmtOpt(pt.P99),
			humanize.Comma(int64(pt.Count))))
	} else {
		sb.WriteString("  no data\n")
	}

	if len(m.Messages) > 0 {
		sb.WriteString("\nMODELS\n")
		for i, name := range rankKeys(m.Messages) {
			if i >= topN {
				sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(m.Messages)-topN))
				break
			}
			line := fmt.Sprintf("  %d. %-24s %8s msgs %12s tok  $%s",
				i+1, name, humanize.Comma(int64(m.Messages[name])),
				humanize.Comma(m.Tokens[name].Total), humanize.FormatFloat("#,###.####", m.Cost[name]))
			if avg, ok := m.AvgProcessingTime[name]; ok {
				line += fmt.Sprintf("  %.0fms", avg)
			}
			sb.WriteString(line + "\n")
		}
	}

	writeTop(&sb, "GEO", usr.Geo)
	writeTop(&sb, "BROWSER", usr.Browser)
	writeTop(&sb, "OS", usr.OS)

	if len(u.Timeline) >= 2 {
		series := make([]float64, len(u.Timeline))
		for i, b := range u.Timeline {
			series[i] = float64(b.UserMessages + b.AssistantMessages)
		}
		sb.WriteString("\n")
		sb.WriteString(asciigraph.Plot(series,
			asciigraph.Height(8),
			asciigraph.Width(60),
			asciigraph.Precision(0),
			asciigraph.Caption(fmt.Sprintf("messages per %s", snap.TimeScale))))
		sb.WriteString("\n")
	}

	if q := snap.Quality; q.SkippedSessions+q.SkippedMessages+q.TokenMismatches > 0 {
		sb.WriteString(fmt.Sprintf("\nData quality: %d sessions and %d messages skipped, %d token mismatches\n",
			q.SkippedSessions, q.SkippedMessages, q.TokenMismatches))
	}

	sb.WriteString("\n")
	sb.WriteString(rule)
	return sb.String()
}

func writeTop(sb *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := rankKeys(counts)
	if len(keys) > topN {
		keys = keys[:topN]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %s", k, humanize.Comma(int64(counts[k])))
	}
	sb.WriteString(fmt.Sprintf("\n%-8s %s\n", title, strings.Join(parts, " · ")))
}

// rankKeys orders keys by descending count, then by name.
func rankKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return keys
}

func fmtOpt(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.FormatFloat("#,###.#", *v)
}
