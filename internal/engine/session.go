package engine

import (
	"fmt"
	"time"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// SessionAccumulator folds sessions into usage and user statistics.
type SessionAccumulator struct {
	cfg Config

	total   int
	active  int
	skipped int

	daily   map[string]*model.PeriodSessions
	weekly  map[string]*model.PeriodSessions
	monthly map[string]*model.PeriodSessions

	ids     map[string]struct{}
	users   map[string]struct{}
	geo     map[string]int
	browser map[string]int
	os      map[string]int

	durations sample
	hourOfDay [24]int
	timeOfDay map[string]int
}

// NewSessionAccumulator returns an empty accumulator for cfg.
func NewSessionAccumulator(cfg Config) *SessionAccumulator {
	return &SessionAccumulator{
		cfg:       cfg.normalized(),
		daily:     make(map[string]*model.PeriodSessions),
		weekly:    make(map[string]*model.PeriodSessions),
		monthly:   make(map[string]*model.PeriodSessions),
		ids:       make(map[string]struct{}),
		users:     make(map[string]struct{}),
		geo:       make(map[string]int),
		browser:   make(map[string]int),
		os:        make(map[string]int),
		timeOfDay: make(map[string]int),
	}
}

// Add folds one session in. It reports false when the session was skipped.
func (a *SessionAccumulator) Add(s model.SessionRecord) bool {
	if !a.valid(&s) {
		a.skipped++
		return false
	}

	a.total++
	if s.Active {
		a.active++
	}
	if s.ID != "" {
		a.ids[s.ID] = struct{}{}
	}

	start := s.StartTime.In(a.cfg.Location)
	year, week := start.ISOWeek()
	countPeriod(a.daily, start.Format("2006-01-02"), s.Active)
	countPeriod(a.weekly, fmt.Sprintf("%04d-W%02d", year, week), s.Active)
	countPeriod(a.monthly, start.Format("2006-01"), s.Active)

	if s.UserID != "" {
		a.users[s.UserID] = struct{}{}
	}
	a.geo[geoKey(s.Metadata)]++
	a.browser[browserKey(s.Metadata)]++
	a.os[osKey(s.Metadata)]++

	if d, ok := s.Duration(); ok {
		a.durations.add(d.Seconds())
	}
	a.hourOfDay[start.Hour()]++
	a.timeOfDay[timeOfDayKey(a.cfg.TimeScale, start)]++
	return true
}

func (a *SessionAccumulator) valid(s *model.SessionRecord) bool {
	if s.StartTime.IsZero() || !a.cfg.Window.Contains(s.StartTime) {
		return false
	}
	return s.MessageCount >= 0 && s.TotalTokens >= 0
}

func countPeriod(m map[string]*model.PeriodSessions, key string, active bool) {
	p, ok := m[key]
	if !ok {
		p = &model.PeriodSessions{Period: key}
		m[key] = p
	}
	p.Total++
	if active {
		p.Active++
	} else {
		p.Completed++
	}
}

func periods(m map[string]*model.PeriodSessions) []model.PeriodSessions {
	out := make([]model.PeriodSessions, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, *m[k])
	}
	return out
}

var weekdays = [7]time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// timeOfDayKey buckets t by the clock position the scale cares about.
func timeOfDayKey(scale model.TimeScale, t time.Time) string {
	switch scale {
	case model.ScaleMinute:
		return t.Format("15:04")
	case model.ScaleHour:
		return t.Format("15:00")
	default:
		return t.Format("Mon")
	}
}

// timeOfDay lays out the histogram: dense 24 hours or 7 weekdays, sparse
// minutes.
func timeOfDay(scale model.TimeScale, counts map[string]int) []model.Bucket {
	var labels []string
	switch scale {
	case model.ScaleMinute:
		labels = sortedKeys(counts)
	case model.ScaleHour:
		labels = make([]string, 24)
		for h := range labels {
			labels[h] = fmt.Sprintf("%02d:00", h)
		}
	default:
		labels = make([]string, len(weekdays))
		for i, d := range weekdays {
			labels[i] = d.String()[:3]
		}
	}

	out := make([]model.Bucket, len(labels))
	for i, l := range labels {
		out[i] = model.Bucket{Label: l, Count: counts[l]}
	}
	return out
}

func buildUser(cfg Config, a *SessionAccumulator) model.UserReport {
	durations := a.durations.ascending()
	return model.UserReport{
		UniqueUsers: len(a.users),
		Geo:         a.geo,
		Browser:     a.browser,
		OS:          a.os,
		SessionDuration: model.DurationStats{
			Count:        len(durations),
			Avg:          mean(durations),
			Median:       percentile(durations, 0.5),
			Distribution: distribution(durations, cfg.DistributionBins),
		},
		HourOfDay: a.hourOfDay,
		TimeOfDay: timeOfDay(cfg.TimeScale, a.timeOfDay),
	}
}

func buildUsage(s *SessionAccumulator, m *MessageAccumulator) model.UsageReport {
	u := model.UsageReport{
		TotalSessions:     s.total,
		ActiveSessions:    s.active,
		CompletedSessions: s.total - s.active,
		Daily:             periods(s.daily),
		Weekly:            periods(s.weekly),
		Monthly:           periods(s.monthly),
		UserMessages:      m.user,
		AssistantMessages: m.assistant,
		MessageRatio:      ratio(float64(m.user), float64(m.assistant)),
		Timeline:          m.timeline(),
	}
	if s.total > 0 {
		u.ActiveRatio = float64(s.active) / float64(s.total)
	}

	// Messages per session counts what was observed in the window; sessions
	// without messages count as zero.
	if n := len(s.ids); n > 0 {
		first := true
		sum := 0
		for id := range s.ids {
			c := m.perSession[id]
			sum += c
			if first || c < u.MessagesPerSession.Min {
				u.MessagesPerSession.Min = c
			}
			if first || c > u.MessagesPerSession.Max {
				u.MessagesPerSession.Max = c
			}
			first = false
		}
		u.MessagesPerSession.Count = n
		u.MessagesPerSession.Avg = float64(sum) / float64(n)
	}
	return u
}
