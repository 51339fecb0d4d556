// Package model defines the core data structures used by chatpulse.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole normalizes a raw role string. Unknown roles are returned as-is
// so the engine can count them as malformed.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Metadata carries the client details attached to sessions and messages.
// Every field is optional; empty means the source did not provide it.
type Metadata struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	Country   string `json:"country,omitempty"`
}

// SessionRecord is a single chat session as read from the backing store.
type SessionRecord struct {
	// ID is the store-assigned session identifier.
	ID string `json:"id"`

	// StartTime is when the session was opened.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the session was closed; nil while the session is still open.
	EndTime *time.Time `json:"end_time,omitempty"`

	// UserID identifies the end user owning the session.
	UserID string `json:"user_id"`

	// MessageCount is the message counter maintained by the chat application.
	MessageCount int `json:"message_count"`

	// TotalTokens is the token counter maintained by the chat application.
	TotalTokens int64 `json:"total_tokens"`

	// Active reports whether the session is still open.
	Active bool `json:"active"`

	// Metadata holds client details (user agent, IP, browser, OS).
	Metadata Metadata `json:"metadata"`
}

// Duration returns the session length and whether it is known.
func (s *SessionRecord) Duration() (time.Duration, bool) {
	if s.EndTime == nil || s.EndTime.Before(s.StartTime) {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// TokenUsage holds token counters of a single message.
type TokenUsage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Consistent reports whether Total equals Prompt + Completion.
func (t TokenUsage) Consistent() bool {
	return t.Total == t.Prompt+t.Completion
}

// MessageRecord is a single message of a chat session.
type MessageRecord struct {
	// ID is the store-assigned message identifier.
	ID string `json:"id"`

	// SessionID references the owning session.
	SessionID string `json:"session_id"`

	// Timestamp is when the message was logged.
	Timestamp time.Time `json:"timestamp"`

	// Role is the message author.
	Role Role `json:"role"`

	// ContentLength is the length of the message body. The body itself is never read.
	ContentLength int `json:"content_length"`

	// Model is the LLM identifier that produced (or was asked for) the message.
	Model string `json:"model,omitempty"`

	// Tokens holds prompt/completion/total usage.
	Tokens TokenUsage `json:"tokens"`

	// ProcessingTimeMs is the generation latency in milliseconds, nil when not recorded.
	ProcessingTimeMs *float64 `json:"processing_time_ms,omitempty"`

	// Metadata holds client details.
	Metadata Metadata `json:"metadata"`
}

// TimeWindow represents the half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow returns the window of length d ending at end.
func NewWindow(end time.Time, d time.Duration) TimeWindow {
	return TimeWindow{Start: end.Add(-d), End: end}
}

// Duration returns the duration of the time window.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TimeScale is the bucket granularity used by time-based histograms.
type TimeScale string

const (
	ScaleMinute TimeScale = "minute"
	ScaleHour   TimeScale = "hour"
	ScaleDay    TimeScale = "day"
)

// ParseTimeScale validates a time scale name.
func ParseTimeScale(s string) (TimeScale, error) {
	switch ts := TimeScale(strings.ToLower(strings.TrimSpace(s))); ts {
	case ScaleMinute, ScaleHour, ScaleDay:
		return ts, nil
	default:
		return "", fmt.Errorf("unknown time scale %q (want minute, hour or day)", s)
	}
}

// Truncate returns the start of the bucket containing t.
func (ts TimeScale) Truncate(t time.Time) time.Time {
	switch ts {
	case ScaleMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	case ScaleHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
}

// Label formats the bucket containing t as a sortable key.
func (ts TimeScale) Label(t time.Time) string {
	switch ts {
	case ScaleMinute:
		return t.Format("2006-01-02 15:04")
	case ScaleHour:
		return t.Format("2006-01-02 15:00")
	default:
		return t.Format("2006-01-02")
	}
}
