// Package insights produces natural-language summaries of a metrics
// snapshot. Summaries are generated on demand, outside the aggregation
// cycle, and cached per snapshot so repeated requests cost one model call.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// ErrDisabled is returned when no summarizer is configured.
var ErrDisabled = errors.New("insights disabled")

// Kind selects the summary flavour.
type Kind string

const (
	KindInsights        Kind = "insights"
	KindAnomalies       Kind = "anomalies"
	KindRecommendations Kind = "recommendations"
)

// ParseKind validates a kind name. Empty means KindInsights.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindInsights, nil
	case KindInsights, KindAnomalies, KindRecommendations:
		return k, nil
	default:
		return "", fmt.Errorf("unknown insight kind %q (want insights, anomalies or recommendations)", s)
	}
}

// Summarizer turns a prompt into text.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Result is one generated summary.
type Result struct {
	Kind        Kind      `json:"kind"`
	Seq         uint64    `json:"sequenceNumber"`
	Provider    string    `json:"provider"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generatedAt"`
	Cached      bool      `json:"cached"`
}

type cacheKey struct {
	seq  uint64
	kind Kind
}

// Service caches summaries per snapshot and kind, and collapses concurrent
// requests for the same pair into one call.
type Service struct {
	summarizer Summarizer
	timeout    time.Duration
	now        func() time.Time

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[cacheKey]Result
}

// NewService wraps s. Each model call is bounded by timeout.
func NewService(s Summarizer, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Service{
		summarizer: s,
		timeout:    timeout,
		now:        time.Now,
		cache:      make(map[cacheKey]Result),
	}
}

// Enabled reports whether summaries can be generated.
func (s *Service) Enabled() bool {
	return s != nil && s.summarizer != nil
}

// Generate returns the kind summary for snap. The model call is detached
// from ctx so that one impatient caller cannot fail the others waiting on
// the same key; ctx still bounds how long this caller waits.
func (s *Service) Generate(ctx context.Context, kind Kind, snap *model.MetricsSnapshot) (Result, error) {
	if !s.Enabled() {
		return Result{}, ErrDisabled
	}
	if snap == nil {
		return Result{}, errors.New("no snapshot available")
	}

	key := cacheKey{seq: snap.SequenceNumber, kind: kind}
	s.mu.Lock()
	if r, ok := s.cache[key]; ok {
		s.mu.Unlock()
		r.Cached = true
		return r, nil
	}
	s.mu.Unlock()

	ch := s.sf.DoChan(fmt.Sprintf("%d/%s", key.seq, key.kind), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := s.now()
		text, err := s.summarizer.Summarize(callCtx, Prompt(kind, snap))
		if err != nil {
			return Result{}, fmt.Errorf("%s summarizer: %w", s.summarizer.Name(), err)
		}
		r := Result{
			Kind:        kind,
			Seq:         snap.SequenceNumber,
			Provider:    s.summarizer.Name(),
			Text:        strings.TrimSpace(text),
			GeneratedAt: s.now(),
		}
		s.store(key, r)
		log.WithFields(log.Fields{
			"kind":     kind,
			"seq":      key.seq,
			"provider": r.Provider,
			"duration": r.GeneratedAt.Sub(start).Round(time.Millisecond),
		}).Info("Generated insight")
		return r, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// store keeps only results of the newest snapshot seen.
func (s *Service) store(key cacheKey, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.seq < key.seq {
			delete(s.cache, k)
		}
	}
	s.cache[key] = r
}
