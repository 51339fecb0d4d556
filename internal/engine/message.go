package engine

import (
	"math"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// MessageAccumulator folds messages into usage, performance and model
// statistics.
type MessageAccumulator struct {
	cfg Config

	user       int
	assistant  int
	skipped    int
	mismatches int

	tokens     model.TokenTotals
	latency    sample
	buckets    map[string]*bucketAcc
	models     map[string]*modelAcc
	perSession map[string]int
}

type bucketAcc struct {
	user, assistant int
	tokens          model.TokenTotals
	latency         exactMean
}

type modelAcc struct {
	messages int
	tokens   model.TokenTotals
	latency  exactMean
}

// NewMessageAccumulator returns an empty accumulator for cfg.
func NewMessageAccumulator(cfg Config) *MessageAccumulator {
	return &MessageAccumulator{
		cfg:        cfg.normalized(),
		buckets:    make(map[string]*bucketAcc),
		models:     make(map[string]*modelAcc),
		perSession: make(map[string]int),
	}
}

// Add folds one message in. It reports false when the message was skipped.
// Tokens.Total is taken as reported even when it differs from
// Prompt+Completion; such messages are only counted as mismatches.
func (a *MessageAccumulator) Add(m model.MessageRecord) bool {
	if !a.valid(&m) {
		a.skipped++
		return false
	}
	if !m.Tokens.Consistent() {
		a.mismatches++
	}

	label := a.cfg.TimeScale.Label(a.cfg.TimeScale.Truncate(m.Timestamp.In(a.cfg.Location)))
	b, ok := a.buckets[label]
	if !ok {
		b = &bucketAcc{}
		a.buckets[label] = b
	}

	switch m.Role {
	case model.RoleUser:
		a.user++
		b.user++
	case model.RoleAssistant:
		a.assistant++
		b.assistant++
		if m.ProcessingTimeMs != nil {
			a.latency.add(*m.ProcessingTimeMs)
			b.latency.add(*m.ProcessingTimeMs)
		}
	}

	addTokens(&a.tokens, m.Tokens)
	addTokens(&b.tokens, m.Tokens)

	if m.SessionID != "" {
		a.perSession[m.SessionID]++
	}

	if m.Model != "" {
		ma, ok := a.models[m.Model]
		if !ok {
			ma = &modelAcc{}
			a.models[m.Model] = ma
		}
		ma.messages++
		addTokens(&ma.tokens, m.Tokens)
		if m.ProcessingTimeMs != nil {
			ma.latency.add(*m.ProcessingTimeMs)
		}
	}
	return true
}

func (a *MessageAccumulator) valid(m *model.MessageRecord) bool {
	if !m.Role.Valid() || m.Timestamp.IsZero() || !a.cfg.Window.Contains(m.Timestamp) {
		return false
	}
	if m.Tokens.Prompt < 0 || m.Tokens.Completion < 0 || m.Tokens.Total < 0 || m.ContentLength < 0 {
		return false
	}
	if p := m.ProcessingTimeMs; p != nil && (*p < 0 || math.IsNaN(*p) || math.IsInf(*p, 0)) {
		return false
	}
	return true
}

func addTokens(dst *model.TokenTotals, t model.TokenUsage) {
	dst.Prompt += t.Prompt
	dst.Completion += t.Completion
	dst.Total += t.Total
}

func (a *MessageAccumulator) timeline() []model.TimelineBucket {
	out := make([]model.TimelineBucket, 0, len(a.buckets))
	for _, k := range sortedKeys(a.buckets) {
		b := a.buckets[k]
		tb := model.TimelineBucket{
			Period:            k,
			UserMessages:      b.user,
			AssistantMessages: b.assistant,
			PromptTokens:      b.tokens.Prompt,
			CompletionTokens:  b.tokens.Completion,
			TotalTokens:       b.tokens.Total,
		}
		if avg, ok := b.latency.value(); ok {
			tb.AvgProcessingTime = &avg
		}
		out = append(out, tb)
	}
	return out
}

func buildPerformance(cfg Config, a *MessageAccumulator) model.PerformanceReport {
	lat := a.latency.ascending()

	series := make([]model.TokenPoint, 0, len(a.buckets))
	for _, k := range sortedKeys(a.buckets) {
		t := a.buckets[k].tokens
		series = append(series, model.TokenPoint{
			Period:     k,
			Prompt:     t.Prompt,
			Completion: t.Completion,
			Total:      t.Total,
		})
	}

	return model.PerformanceReport{
		ProcessingTime: model.LatencyStats{
			Count:        len(lat),
			Avg:          mean(lat),
			Median:       percentile(lat, 0.5),
			P90:          percentile(lat, 0.9),
			P95:          percentile(lat, 0.95),
			P99:          percentile(lat, 0.99),
			Distribution: distribution(lat, cfg.DistributionBins),
		},
		TokenUsage:      series,
		Tokens:          a.tokens,
		TokenEfficiency: ratio(float64(a.tokens.Completion), float64(a.tokens.Prompt)),
	}
}

func buildModels(cfg Config, a *MessageAccumulator) model.ModelReport {
	r := model.ModelReport{
		Messages:          make(map[string]int, len(a.models)),
		Tokens:            make(map[string]model.TokenTotals, len(a.models)),
		Cost:              make(map[string]float64, len(a.models)),
		AvgProcessingTime: make(map[string]float64),
		TokenEfficiency:   make(map[string]float64),
	}

	costs := newCostTable(cfg.Rates, cfg.DefaultRate)
	for _, name := range sortedKeys(a.models) {
		m := a.models[name]
		r.Messages[name] = m.messages
		r.Tokens[name] = m.tokens
		r.Cost[name] = costs.add(name, m.tokens.Total)
		if avg, ok := m.latency.value(); ok {
			r.AvgProcessingTime[name] = avg
		}
		if eff := ratio(float64(m.tokens.Completion), float64(m.tokens.Prompt)); eff != nil {
			r.TokenEfficiency[name] = *eff
		}
	}
	r.TotalCost = costs.total()
	return r
}
