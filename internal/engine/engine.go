// Package engine turns session and message records into a MetricsSnapshot.
//
// The computation is pure: no I/O, no clock, no shared state. Records are
// folded into accumulators in a single pass; only processing times and
// session durations are buffered, because percentiles need the full sample.
package engine

import (
	"slices"
	"time"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// DefaultDistributionBins is the number of histogram bins for latency and
// duration distributions.
const DefaultDistributionBins = 10

// Unknown is the histogram key for missing or unusable metadata.
const Unknown = "unknown"

// Config parameterizes one computation.
type Config struct {
	// Window bounds the records that are aggregated; others are skipped.
	Window model.TimeWindow

	// TimeScale sets the bucket width of the timeline and time-of-day histogram.
	TimeScale model.TimeScale

	// Location is used for every calendar bucket. Nil means UTC.
	Location *time.Location

	// Rates maps a model identifier to its cost per token.
	Rates map[string]float64

	// DefaultRate applies to models missing from Rates.
	DefaultRate float64

	// DistributionBins defaults to DefaultDistributionBins.
	DistributionBins int
}

func (c Config) normalized() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DistributionBins <= 0 {
		c.DistributionBins = DefaultDistributionBins
	}
	if c.TimeScale == "" {
		c.TimeScale = model.ScaleDay
	}
	return c
}

// Compute is the batch form of NewSessionAccumulator, NewMessageAccumulator
// and Build.
func Compute(sessions []model.SessionRecord, messages []model.MessageRecord, cfg Config) *model.MetricsSnapshot {
	sa := NewSessionAccumulator(cfg)
	for i := range sessions {
		sa.Add(sessions[i])
	}
	ma := NewMessageAccumulator(cfg)
	for i := range messages {
		ma.Add(messages[i])
	}
	return Build(cfg, sa, ma)
}

// Build assembles the snapshot from both accumulators. The returned value
// has a zero sequence number and timestamp; the caller stamps them.
func Build(cfg Config, sessions *SessionAccumulator, messages *MessageAccumulator) *model.MetricsSnapshot {
	cfg = cfg.normalized()
	if sessions == nil {
		sessions = NewSessionAccumulator(cfg)
	}
	if messages == nil {
		messages = NewMessageAccumulator(cfg)
	}

	snap := &model.MetricsSnapshot{
		Window:    cfg.Window,
		TimeScale: cfg.TimeScale,
	}
	snap.Usage = buildUsage(sessions, messages)
	snap.Performance = buildPerformance(cfg, messages)
	snap.Model = buildModels(cfg, messages)
	snap.User = buildUser(cfg, sessions)
	snap.Quality = model.DataQuality{
		SkippedSessions: sessions.skipped,
		SkippedMessages: messages.skipped,
		TokenMismatches: messages.mismatches,
	}
	return snap
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ratio returns num/den, or nil when den is zero.
func ratio(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	v := num / den
	return &v
}
