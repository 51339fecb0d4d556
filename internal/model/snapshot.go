package model

import "time"

// MetricsSnapshot is the immutable result of one aggregation cycle.
// It must not be modified once handed to the publisher.
type MetricsSnapshot struct {
	// SequenceNumber increases by one for every published snapshot.
	SequenceNumber uint64 `json:"sequenceNumber"`

	// GeneratedAt is the wall-clock time the snapshot was built.
	GeneratedAt time.Time `json:"generatedAt"`

	// Window is the half-open interval the records were taken from.
	Window TimeWindow `json:"window"`

	// TimeScale is the bucket width used by the time series and time-of-day histogram.
	TimeScale TimeScale `json:"timeScale"`

	Usage       UsageReport       `json:"usage"`
	Performance PerformanceReport `json:"performance"`
	Model       ModelReport       `json:"model"`
	User        UserReport        `json:"user"`

	// Quality counts records dropped at the per-record boundary.
	Quality DataQuality `json:"quality"`
}

// Stamped returns a copy of s carrying the given sequence number and timestamp.
// Slices and maps are shared with s, which is safe because neither is mutated.
func (s *MetricsSnapshot) Stamped(seq uint64, at time.Time) *MetricsSnapshot {
	cp := *s
	cp.SequenceNumber = seq
	cp.GeneratedAt = at
	return &cp
}

// UsageReport describes session and message volume.
type UsageReport struct {
	TotalSessions     int     `json:"totalSessions"`
	ActiveSessions    int     `json:"activeSessions"`
	CompletedSessions int     `json:"completedSessions"`
	ActiveRatio       float64 `json:"activeRatio"`

	Daily   []PeriodSessions `json:"daily"`
	Weekly  []PeriodSessions `json:"weekly"`
	Monthly []PeriodSessions `json:"monthly"`

	MessagesPerSession CountSummary `json:"messagesPerSession"`

	UserMessages      int `json:"userMessages"`
	AssistantMessages int `json:"assistantMessages"`

	// MessageRatio is user/assistant messages; omitted when there are no assistant messages.
	MessageRatio *float64 `json:"messageRatio,omitempty"`

	// Timeline is the message/token series at the configured time scale.
	Timeline []TimelineBucket `json:"timeline"`
}

// PeriodSessions counts sessions started in one calendar period.
type PeriodSessions struct {
	Period    string `json:"period"`
	Total     int    `json:"total"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
}

// CountSummary summarizes an integer distribution.
type CountSummary struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
}

// TimelineBucket aggregates the messages of one time-scale bucket.
type TimelineBucket struct {
	Period            string   `json:"period"`
	UserMessages      int      `json:"userMessages"`
	AssistantMessages int      `json:"assistantMessages"`
	PromptTokens      int64    `json:"promptTokens"`
	CompletionTokens  int64    `json:"completionTokens"`
	TotalTokens       int64    `json:"totalTokens"`
	AvgProcessingTime *float64 `json:"avgProcessingTime"`
}

// PerformanceReport describes latency and token consumption.
type PerformanceReport struct {
	ProcessingTime LatencyStats `json:"processingTime"`
	TokenUsage     []TokenPoint `json:"tokenUsage"`
	Tokens         TokenTotals  `json:"tokens"`

	// TokenEfficiency is completion/prompt tokens; omitted when prompt tokens are zero.
	TokenEfficiency *float64 `json:"tokenEfficiency,omitempty"`
}

// LatencyStats summarizes assistant processing times in milliseconds.
// Percentile fields are nil (JSON null) when Count is zero.
type LatencyStats struct {
	Count        int      `json:"count"`
	Avg          *float64 `json:"avg"`
	Median       *float64 `json:"median"`
	P90          *float64 `json:"p90"`
	P95          *float64 `json:"p95"`
	P99          *float64 `json:"p99"`
	Distribution []int    `json:"distribution"`
}

// HasData reports whether the stats were computed from at least one sample.
func (l LatencyStats) HasData() bool {
	return l.Count > 0
}

// TokenPoint is one entry of the token usage time series.
type TokenPoint struct {
	Period     string `json:"period"`
	Prompt     int64  `json:"prompt"`
	Completion int64  `json:"completion"`
	Total      int64  `json:"total"`
}

// TokenTotals sums token counters.
type TokenTotals struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// ModelReport breaks usage down by model identifier.
type ModelReport struct {
	Messages          map[string]int         `json:"messages"`
	Tokens            map[string]TokenTotals `json:"tokens"`
	Cost              map[string]float64     `json:"cost"`
	AvgProcessingTime map[string]float64     `json:"avgProcessingTime"`
	TokenEfficiency   map[string]float64     `json:"tokenEfficiency"`
	TotalCost         float64                `json:"totalCost"`
}

// UserReport describes who uses the system and when.
type UserReport struct {
	UniqueUsers     int            `json:"uniqueUsers"`
	Geo             map[string]int `json:"geo"`
	Browser         map[string]int `json:"browser"`
	OS              map[string]int `json:"os"`
	SessionDuration DurationStats  `json:"sessionDuration"`
	HourOfDay       [24]int        `json:"hourOfDay"`
	TimeOfDay       []Bucket       `json:"timeOfDay"`
}

// DurationStats summarizes session durations in seconds.
type DurationStats struct {
	Count        int      `json:"count"`
	Avg          *float64 `json:"avg"`
	Median       *float64 `json:"median"`
	Distribution []int    `json:"distribution"`
}

// Bucket is a labelled histogram cell.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DataQuality reports records that could not be aggregated.
type DataQuality struct {
	SkippedSessions int `json:"skippedSessions"`
	SkippedMessages int `json:"skippedMessages"`

	// TokenMismatches counts messages whose total differs from prompt+completion.
	// Total stays authoritative; the mismatch is reported, not reconciled.
	TokenMismatches int `json:"tokenMismatches"`
}
