package engine

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

var (
	windowEnd = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	window    = model.NewWindow(windowEnd, 24*time.Hour)
)

func ptr(v float64) *float64 { return &v }

func at(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

func testConfig() Config {
	return Config{
		Window:      window,
		TimeScale:   model.ScaleHour,
		Rates:       map[string]float64{"gpt-x": 0.01},
		DefaultRate: 0.001,
	}
}

func msg(session string, ts time.Time, role model.Role, latency *float64) model.MessageRecord {
	return model.MessageRecord{
		SessionID:        session,
		Timestamp:        ts,
		Role:             role,
		ContentLength:    10,
		ProcessingTimeMs: latency,
	}
}

// twoSessionFixture has one active session with 3 messages and one completed
// session with 5; 5 user and 3 assistant messages in total.
func twoSessionFixture() ([]model.SessionRecord, []model.MessageRecord) {
	end := at(10, 30)
	sessions := []model.SessionRecord{
		{ID: "s1", StartTime: at(9, 0), UserID: "u1", Active: true},
		{ID: "s2", StartTime: at(10, 0), EndTime: &end, UserID: "u2"},
	}
	messages := []model.MessageRecord{
		msg("s1", at(9, 1), model.RoleUser, nil),
		msg("s1", at(9, 2), model.RoleAssistant, ptr(100)),
		msg("s1", at(9, 3), model.RoleUser, nil),
		msg("s2", at(10, 1), model.RoleUser, nil),
		msg("s2", at(10, 2), model.RoleAssistant, ptr(300)),
		msg("s2", at(10, 3), model.RoleUser, nil),
		msg("s2", at(10, 4), model.RoleAssistant, ptr(200)),
		msg("s2", at(10, 5), model.RoleUser, nil),
	}
	return sessions, messages
}

func TestCompute_TwoSessionScenario(t *testing.T) {
	sessions, messages := twoSessionFixture()
	snap := Compute(sessions, messages, testConfig())

	u := snap.Usage
	if u.TotalSessions != 2 || u.ActiveSessions != 1 || u.CompletedSessions != 1 {
		t.Errorf("sessions = %d/%d/%d, want 2/1/1", u.TotalSessions, u.ActiveSessions, u.CompletedSessions)
	}
	if u.ActiveRatio != 0.5 {
		t.Errorf("ActiveRatio = %v, want 0.5", u.ActiveRatio)
	}
	if u.UserMessages != 5 || u.AssistantMessages != 3 {
		t.Errorf("messages = %d/%d, want 5/3", u.UserMessages, u.AssistantMessages)
	}
	if u.MessageRatio == nil || *u.MessageRatio != 5.0/3.0 {
		t.Errorf("MessageRatio = %v, want 5/3", u.MessageRatio)
	}
	mps := u.MessagesPerSession
	if mps.Count != 2 || mps.Min != 3 || mps.Max != 5 || mps.Avg != 4 {
		t.Errorf("MessagesPerSession = %+v, want count 2 min 3 max 5 avg 4", mps)
	}

	pt := snap.Performance.ProcessingTime
	if pt.Count != 3 {
		t.Fatalf("ProcessingTime.Count = %d, want 3", pt.Count)
	}
	if *pt.Median != 200 {
		t.Errorf("Median = %v, want 200", *pt.Median)
	}
	if *pt.P99 != 300 {
		t.Errorf("P99 = %v, want 300", *pt.P99)
	}
	if *pt.Avg != 200 {
		t.Errorf("Avg = %v, want 200", *pt.Avg)
	}

	if len(u.Timeline) != 2 {
		t.Fatalf("Timeline has %d buckets, want 2", len(u.Timeline))
	}
	if u.Timeline[0].Period != "2024-03-01 09:00" || u.Timeline[1].Period != "2024-03-01 10:00" {
		t.Errorf("Timeline periods = %q, %q", u.Timeline[0].Period, u.Timeline[1].Period)
	}
	if got := u.Timeline[1].AvgProcessingTime; got == nil || *got != 250 {
		t.Errorf("Timeline[1].AvgProcessingTime = %v, want 250", got)
	}

	if snap.User.UniqueUsers != 2 {
		t.Errorf("UniqueUsers = %d, want 2", snap.User.UniqueUsers)
	}
	if d := snap.User.SessionDuration; d.Count != 1 || *d.Median != 1800 {
		t.Errorf("SessionDuration = %+v, want one 1800s sample", d)
	}
	if snap.User.HourOfDay[9] != 1 || snap.User.HourOfDay[10] != 1 {
		t.Errorf("HourOfDay = %v", snap.User.HourOfDay)
	}
}

func TestCompute_CostScenario(t *testing.T) {
	messages := make([]model.MessageRecord, 0, 1001)
	for i := 0; i < 1000; i++ {
		messages = append(messages, model.MessageRecord{
			SessionID: "s1",
			Timestamp: at(12, 0).Add(time.Duration(i) * time.Second),
			Role:      model.RoleAssistant,
			Model:     "gpt-x",
			Tokens:    model.TokenUsage{Prompt: 20, Completion: 30, Total: 50},
		})
	}
	messages = append(messages, model.MessageRecord{
		SessionID: "s1",
		Timestamp: at(13, 0),
		Role:      model.RoleAssistant,
		Model:     "other",
		Tokens:    model.TokenUsage{Prompt: 500, Completion: 500, Total: 1000},
	})

	snap := Compute(nil, messages, testConfig())

	if got := snap.Model.Cost["gpt-x"]; got != 500.0 {
		t.Errorf("Cost[gpt-x] = %v, want 500", got)
	}
	if got := snap.Model.Cost["other"]; got != 1.0 {
		t.Errorf("Cost[other] = %v, want 1 (default rate)", got)
	}
	if snap.Model.TotalCost != 501.0 {
		t.Errorf("TotalCost = %v, want 501", snap.Model.TotalCost)
	}
	if snap.Model.Messages["gpt-x"] != 1000 {
		t.Errorf("Messages[gpt-x] = %d, want 1000", snap.Model.Messages["gpt-x"])
	}
	if snap.Model.Tokens["gpt-x"].Total != 50000 {
		t.Errorf("Tokens[gpt-x].Total = %d, want 50000", snap.Model.Tokens["gpt-x"].Total)
	}
	if eff := snap.Model.TokenEfficiency["gpt-x"]; eff != 1.5 {
		t.Errorf("TokenEfficiency[gpt-x] = %v, want 1.5", eff)
	}
}

func TestCompute_EmptyInput(t *testing.T) {
	snap := Compute(nil, nil, testConfig())

	if snap.Usage.TotalSessions != 0 || snap.Usage.UserMessages != 0 || snap.User.UniqueUsers != 0 {
		t.Errorf("expected zero counts, got %+v", snap.Usage)
	}
	pt := snap.Performance.ProcessingTime
	if pt.Avg != nil || pt.Median != nil || pt.P90 != nil || pt.P95 != nil || pt.P99 != nil {
		t.Errorf("expected nil percentiles, got %+v", pt)
	}
	if len(pt.Distribution) != DefaultDistributionBins {
		t.Errorf("Distribution has %d bins, want %d", len(pt.Distribution), DefaultDistributionBins)
	}
	if snap.Performance.TokenEfficiency != nil || snap.Usage.MessageRatio != nil {
		t.Error("expected ratios to be omitted")
	}
	if snap.User.SessionDuration.Median != nil {
		t.Error("expected nil session duration median")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"median":null`, `"usage":{`, `"performance":{`, `"model":{`, `"user":{`, `"geo":{}`, `"daily":[]`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("JSON missing %s: %s", want, data)
		}
	}
	for _, unwanted := range []string{"NaN", `"messageRatio":`, `"tokenEfficiency":null`} {
		if bytes.Contains(data, []byte(unwanted)) {
			t.Errorf("JSON unexpectedly contains %s", unwanted)
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	sessions, messages := twoSessionFixture()
	for i := range messages {
		messages[i].Model = []string{"a", "b"}[i%2]
		messages[i].Tokens = model.TokenUsage{Prompt: int64(i), Completion: int64(2 * i), Total: int64(3 * i)}
		if messages[i].ProcessingTimeMs != nil {
			*messages[i].ProcessingTimeMs += 0.1
		}
	}

	cfg := testConfig()
	first, err := json.Marshal(Compute(sessions, messages, cfg))
	if err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(Compute(sessions, messages, cfg))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("recompute on identical input differs")
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		rng.Shuffle(len(messages), func(a, b int) { messages[a], messages[b] = messages[b], messages[a] })
		rng.Shuffle(len(sessions), func(a, b int) { sessions[a], sessions[b] = sessions[b], sessions[a] })
		shuffled, err := json.Marshal(Compute(sessions, messages, cfg))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, shuffled) {
			t.Fatalf("output depends on input order:\n%s\n%s", first, shuffled)
		}
	}
}

func TestCompute_PercentilesMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		n := 1 + rng.Intn(200)
		messages := make([]model.MessageRecord, n)
		for i := range messages {
			messages[i] = msg("s", at(8, 0).Add(time.Duration(i)*time.Second), model.RoleAssistant, ptr(rng.Float64()*5000))
		}
		pt := Compute(nil, messages, testConfig()).Performance.ProcessingTime
		if !(*pt.Median <= *pt.P90 && *pt.P90 <= *pt.P95 && *pt.P95 <= *pt.P99) {
			t.Fatalf("run %d: percentiles not monotonic: %v %v %v %v", run, *pt.Median, *pt.P90, *pt.P95, *pt.P99)
		}
	}
}

func TestCompute_SkipsInvalidRecords(t *testing.T) {
	sessions := []model.SessionRecord{
		{ID: "ok", StartTime: at(1, 0)},
		{ID: "zero"},
		{ID: "early", StartTime: window.Start.Add(-time.Second)},
		{ID: "end-excluded", StartTime: window.End},
		{ID: "negative", StartTime: at(2, 0), MessageCount: -1},
	}
	messages := []model.MessageRecord{
		msg("ok", at(1, 1), model.RoleUser, nil),
		msg("ok", at(1, 2), model.Role("system"), nil),
		msg("ok", time.Time{}, model.RoleUser, nil),
		msg("ok", window.End, model.RoleUser, nil),
		msg("ok", at(1, 3), model.RoleAssistant, ptr(-5)),
		{SessionID: "ok", Timestamp: at(1, 4), Role: model.RoleAssistant, Tokens: model.TokenUsage{Prompt: -1}},
		{SessionID: "ok", Timestamp: at(1, 5), Role: model.RoleAssistant, Tokens: model.TokenUsage{Prompt: 1, Completion: 1, Total: 5}},
	}

	snap := Compute(sessions, messages, testConfig())

	if snap.Usage.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", snap.Usage.TotalSessions)
	}
	if snap.Quality.SkippedSessions != 4 {
		t.Errorf("SkippedSessions = %d, want 4", snap.Quality.SkippedSessions)
	}
	if snap.Quality.SkippedMessages != 5 {
		t.Errorf("SkippedMessages = %d, want 5", snap.Quality.SkippedMessages)
	}
	if snap.Quality.TokenMismatches != 1 {
		t.Errorf("TokenMismatches = %d, want 1", snap.Quality.TokenMismatches)
	}
	// Total is authoritative even when it disagrees with prompt+completion
	if snap.Performance.Tokens.Total != 5 {
		t.Errorf("Tokens.Total = %d, want 5", snap.Performance.Tokens.Total)
	}
}

func TestCompute_EmptyModelNotAttributed(t *testing.T) {
	messages := []model.MessageRecord{
		{SessionID: "s", Timestamp: at(3, 0), Role: model.RoleUser, Tokens: model.TokenUsage{Total: 10}},
		{SessionID: "s", Timestamp: at(3, 1), Role: model.RoleAssistant, Model: "m", Tokens: model.TokenUsage{Completion: 4, Total: 4}},
	}
	snap := Compute(nil, messages, testConfig())

	if len(snap.Model.Messages) != 1 {
		t.Errorf("Model.Messages = %v, want only m", snap.Model.Messages)
	}
	if _, ok := snap.Model.TokenEfficiency["m"]; ok {
		t.Error("expected token efficiency to be omitted for zero prompt tokens")
	}
	if snap.Performance.Tokens.Total != 14 {
		t.Errorf("Tokens.Total = %d, want 14", snap.Performance.Tokens.Total)
	}
}

func TestCompute_TimeOfDayByScale(t *testing.T) {
	sessions := []model.SessionRecord{
		{ID: "a", StartTime: at(9, 15)}, // Friday
		{ID: "b", StartTime: at(9, 15)},
		{ID: "c", StartTime: at(23, 59)},
	}

	tests := []struct {
		scale     model.TimeScale
		wantLen   int
		wantLabel string
		wantCount int
	}{
		{scale: model.ScaleMinute, wantLen: 2, wantLabel: "09:15", wantCount: 2},
		{scale: model.ScaleHour, wantLen: 24, wantLabel: "09:00", wantCount: 2},
		{scale: model.ScaleDay, wantLen: 7, wantLabel: "Fri", wantCount: 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.scale), func(t *testing.T) {
			cfg := testConfig()
			cfg.TimeScale = tt.scale
			tod := Compute(sessions, nil, cfg).User.TimeOfDay

			if len(tod) != tt.wantLen {
				t.Fatalf("len(TimeOfDay) = %d, want %d", len(tod), tt.wantLen)
			}
			found := false
			for _, b := range tod {
				if b.Label == tt.wantLabel {
					found = true
					if b.Count != tt.wantCount {
						t.Errorf("bucket %s = %d, want %d", b.Label, b.Count, tt.wantCount)
					}
				}
			}
			if !found {
				t.Errorf("bucket %s not found in %v", tt.wantLabel, tod)
			}
		})
	}

	cfg := testConfig()
	cfg.TimeScale = model.ScaleDay
	if first := Compute(nil, nil, cfg).User.TimeOfDay[0].Label; first != "Mon" {
		t.Errorf("first weekday bucket = %q, want Mon", first)
	}
}

func TestCompute_Location(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	cfg := testConfig()
	cfg.Location = loc

	snap := Compute([]model.SessionRecord{{ID: "a", StartTime: at(23, 0)}}, nil, cfg)
	if snap.User.HourOfDay[1] != 1 {
		t.Errorf("HourOfDay = %v, want hour 1 in UTC+2", snap.User.HourOfDay)
	}
	if snap.Usage.Daily[0].Period != "2024-03-02" {
		t.Errorf("Daily[0].Period = %q, want 2024-03-02", snap.Usage.Daily[0].Period)
	}
}

func TestCompute_PeriodKeys(t *testing.T) {
	cfg := Config{
		Window:    model.NewWindow(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 72*time.Hour),
		TimeScale: model.ScaleDay,
	}
	sessions := []model.SessionRecord{
		{ID: "a", StartTime: time.Date(2024, 12, 29, 12, 0, 0, 0, time.UTC), Active: true},
		{ID: "b", StartTime: time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC)},
	}
	u := Compute(sessions, nil, cfg).Usage

	if len(u.Weekly) != 2 || u.Weekly[0].Period != "2024-W52" || u.Weekly[1].Period != "2025-W01" {
		t.Errorf("Weekly = %+v", u.Weekly)
	}
	if len(u.Monthly) != 1 || u.Monthly[0].Period != "2024-12" || u.Monthly[0].Total != 2 || u.Monthly[0].Active != 1 {
		t.Errorf("Monthly = %+v", u.Monthly)
	}
	if len(u.Daily) != 2 || u.Daily[1].Completed != 1 {
		t.Errorf("Daily = %+v", u.Daily)
	}
}

func TestStreamingMatchesBatch(t *testing.T) {
	sessions, messages := twoSessionFixture()
	cfg := testConfig()

	sa := NewSessionAccumulator(cfg)
	for _, s := range sessions {
		sa.Add(s)
	}
	ma := NewMessageAccumulator(cfg)
	for _, m := range messages {
		ma.Add(m)
	}

	streamed, _ := json.Marshal(Build(cfg, sa, ma))
	batch, _ := json.Marshal(Compute(sessions, messages, cfg))
	if !bytes.Equal(streamed, batch) {
		t.Error("streaming and batch results differ")
	}
}
