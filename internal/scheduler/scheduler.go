// Package scheduler runs the recurring aggregation cycle: read the window
// from the record source, fold it through the metrics engine, hold the
// result as the current snapshot and hand it to the publisher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/engine"
	"github.com/merit-monitoring/chatpulse/internal/logging"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/reader"
)

// DefaultCycleTimeout bounds a single cycle when Options leaves it unset.
const DefaultCycleTimeout = 30 * time.Second

// ErrCycleInProgress is returned by RunNow while another cycle is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Publisher receives every snapshot the scheduler produces. It must return
// quickly.
type Publisher interface {
	OnSnapshotReady(snap *model.MetricsSnapshot)
}

// Options configures a Scheduler.
type Options struct {
	TimeRange      time.Duration
	TimeScale      model.TimeScale
	UpdateInterval time.Duration
	CycleTimeout   time.Duration
	BatchSize      int
	Location       *time.Location
	Rates          map[string]float64
	DefaultRate    float64
}

// OptionsFromConfig builds scheduler options from a validated configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	scale, err := cfg.Aggregation.TimeScaleParsed()
	if err != nil {
		return Options{}, err
	}
	interval, err := cfg.Aggregation.UpdateIntervalParsed()
	if err != nil {
		return Options{}, fmt.Errorf("parsing update interval: %w", err)
	}
	timeout, err := cfg.Aggregation.CycleTimeoutParsed()
	if err != nil {
		return Options{}, fmt.Errorf("parsing cycle timeout: %w", err)
	}
	return Options{
		TimeRange:      cfg.Aggregation.TimeRange(),
		TimeScale:      scale,
		UpdateInterval: interval,
		CycleTimeout:   timeout,
		BatchSize:      cfg.Source.BatchSize,
		Location:       cfg.Aggregation.Location,
		Rates:          cfg.Pricing.Rates,
		DefaultRate:    cfg.Pricing.DefaultRate,
	}, nil
}

// State is the current snapshot together with its stamp.
type State struct {
	Snapshot    *model.MetricsSnapshot
	Seq         uint64
	GeneratedAt time.Time
}

// params are the settings that may change at runtime. They are replaced,
// never mutated, and read once at the start of each cycle.
type params struct {
	timeRange   time.Duration
	timeScale   model.TimeScale
	rates       map[string]float64
	defaultRate float64
}

// Status describes the scheduler for operators.
type Status struct {
	Running             bool            `json:"running"`
	Cycling             bool            `json:"cycling"`
	TimeScale           model.TimeScale `json:"timeScale"`
	TimeRangeHours      float64         `json:"timeRangeHours"`
	UpdateInterval      string          `json:"updateInterval"`
	Seq                 uint64          `json:"sequenceNumber"`
	Cycles              uint64          `json:"cycles"`
	Failures            uint64          `json:"failures"`
	ConsecutiveFailures uint64          `json:"consecutiveFailures"`
	LastAttempt         time.Time       `json:"lastAttempt,omitzero"`
	LastSuccess         time.Time       `json:"lastSuccess,omitzero"`
	LastDuration        string          `json:"lastDuration,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	LastErrorClass      string          `json:"lastErrorClass,omitempty"`
}

// Scheduler owns the aggregation loop.
type Scheduler struct {
	src    reader.RecordSource
	pub    Publisher
	cron   *cron.Cron
	tracer trace.Tracer
	now    func() time.Time

	interval     time.Duration
	cycleTimeout time.Duration
	batchSize    int
	loc          *time.Location

	paramsMu sync.Mutex
	params   atomic.Pointer[params]

	base    context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool

	cycling atomic.Bool
	seq     uint64 // written only while cycling is held
	state   atomic.Pointer[State]

	statsMu sync.Mutex
	stats   Status
}

// New creates a Scheduler reading from src and publishing to pub.
func New(src reader.RecordSource, pub Publisher, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 10 * time.Second
	}
	if opts.TimeRange <= 0 {
		opts.TimeRange = 24 * time.Hour
	}
	if opts.TimeScale == "" {
		opts.TimeScale = model.ScaleDay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultLiveBatchSize
	}

	logger := logging.CronLogger(log.WithField("component", "scheduler"))
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		src: src,
		pub: pub,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		tracer:       otel.Tracer("github.com/merit-monitoring/chatpulse/internal/scheduler"),
		now:          time.Now,
		interval:     opts.UpdateInterval,
		cycleTimeout: opts.CycleTimeout,
		batchSize:    opts.BatchSize,
		loc:          opts.Location,
		base:         base,
		cancel:       cancel,
		trigger:      make(chan struct{}, 1),
	}
	s.params.Store(&params{
		timeRange:   opts.TimeRange,
		timeScale:   opts.TimeScale,
		rates:       maps.Clone(opts.Rates),
		defaultRate: opts.DefaultRate,
	})
	s.cron.Schedule(cron.Every(opts.UpdateInterval), cron.FuncJob(func() {
		if err := s.runCycle(); errors.Is(err, ErrCycleInProgress) {
			log.Debug("Cycle already in progress, skipping tick")
		}
	}))
	return s
}

// Start begins the periodic cycle and runs a first cycle right away.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return
	}

	s.wg.Add(1)
	go s.triggerLoop()
	s.cron.Start()
	s.running = true
	s.Trigger()
	log.WithField("interval", s.interval).Info("Scheduler started")
}

// Stop cancels in-flight source calls and halts the schedule. The returned
// context is done once the running cycle, if any, has returned. A stopped
// scheduler cannot be restarted.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	ctx, done := context.WithCancel(context.Background())
	if !s.running {
		s.stopped = true
		done()
		return ctx
	}

	cronDone := s.cron.Stop()
	s.running = false
	s.stopped = true

	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		done()
	}()
	log.Info("Scheduler stopped")
	return ctx
}

// Trigger requests an out-of-band cycle without waiting for it. Requests
// made while one is already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) triggerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.base.Done():
			return
		case <-s.trigger:
			if err := s.runCycle(); errors.Is(err, ErrCycleInProgress) {
				log.Debug("Cycle already in progress, dropping trigger")
			}
		}
	}
}

// RunNow runs one cycle synchronously and returns its error.
func (s *Scheduler) RunNow() error {
	return s.runCycle()
}

// runCycle executes one fetch, compute and publish pass. Cycles never
// overlap; a failed cycle leaves the current snapshot untouched.
func (s *Scheduler) runCycle() (err error) {
	if !s.cycling.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer s.cycling.Store(false)

	p := s.params.Load()
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			s.recordFailure(err, started)
		}
	}()

	if err := s.base.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.base, s.cycleTimeout)
	defer cancel()

	window := model.NewWindow(started, p.timeRange)
	ctx, span := s.tracer.Start(ctx, "aggregation.cycle", trace.WithAttributes(
		attribute.String("time_scale", string(p.timeScale)),
		attribute.Float64("time_range_hours", p.timeRange.Hours()),
		attribute.Int("batch_size", s.batchSize),
	))
	defer span.End()

	snap, err := s.collect(ctx, p, window)
	if err == nil && s.base.Err() != nil {
		// Shutdown began while computing; nothing may be published after it.
		err = fmt.Errorf("discarding cycle result: %w", s.base.Err())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorClass(err))
		s.recordFailure(err, started)
		return err
	}

	s.seq++
	generated := s.now()
	stamped := snap.Stamped(s.seq, generated)
	s.state.Store(&State{Snapshot: stamped, Seq: s.seq, GeneratedAt: generated})

	span.SetAttributes(
		attribute.Int64("seq", int64(s.seq)),
		attribute.Int("sessions", stamped.Usage.TotalSessions),
		attribute.Int("messages", stamped.Usage.UserMessages+stamped.Usage.AssistantMessages),
		attribute.Int("skipped", stamped.Quality.SkippedSessions+stamped.Quality.SkippedMessages),
	)
	s.recordSuccess(started, generated)

	log.WithFields(log.Fields{
		"seq":      s.seq,
		"sessions": stamped.Usage.TotalSessions,
		"messages": stamped.Usage.UserMessages + stamped.Usage.AssistantMessages,
		"duration": generated.Sub(started).Round(time.Millisecond),
	}).Info("Cycle complete")
	if q := stamped.Quality; q.SkippedSessions+q.SkippedMessages > 0 {
		log.WithFields(log.Fields{
			"skipped_sessions": q.SkippedSessions,
			"skipped_messages": q.SkippedMessages,
		}).Warn("Skipped malformed records")
	}

	if s.pub != nil {
		s.pub.OnSnapshotReady(stamped)
	}
	return nil
}

// collect streams sessions and messages concurrently into their own
// accumulators. Each accumulator is touched by a single goroutine.
func (s *Scheduler) collect(ctx context.Context, p *params, window model.TimeWindow) (*model.MetricsSnapshot, error) {
	cfg := engine.Config{
		Window:      window,
		TimeScale:   p.timeScale,
		Location:    s.loc,
		Rates:       p.rates,
		DefaultRate: p.defaultRate,
	}
	sessions := engine.NewSessionAccumulator(cfg)
	messages := engine.NewMessageAccumulator(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guarded(func() error {
		for rec, err := range s.src.Sessions(gctx, window, s.batchSize) {
			if err != nil {
				return fmt.Errorf("reading sessions: %w", err)
			}
			sessions.Add(rec)
		}
		return nil
	}))
	g.Go(guarded(func() error {
		for rec, err := range s.src.Messages(gctx, window, s.batchSize) {
			if err != nil {
				return fmt.Errorf("reading messages: %w", err)
			}
			messages.Add(rec)
		}
		return nil
	}))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return engine.Build(cfg, sessions, messages), nil
}

// guarded turns a panic in fn into an error so it cannot escape the
// errgroup goroutine.
func guarded(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reader panicked: %v", r)
			}
		}()
		return fn()
	}
}

// errorClass names the failure taxonomy entry of err.
func errorClass(err error) string {
	switch {
	case errors.Is(err, reader.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, reader.ErrQueryFailed):
		return "query_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func (s *Scheduler) recordFailure(err error, started time.Time) {
	class := errorClass(err)

	s.statsMu.Lock()
	s.stats.Cycles++
	s.stats.Failures++
	s.stats.ConsecutiveFailures++
	s.stats.LastAttempt = started
	s.stats.LastDuration = s.now().Sub(started).Round(time.Millisecond).String()
	s.stats.LastError = err.Error()
	s.stats.LastErrorClass = class
	consecutive := s.stats.ConsecutiveFailures
	s.statsMu.Unlock()

	entry := log.WithFields(log.Fields{"class": class, "consecutive": consecutive})
	switch class {
	case "canceled":
		entry.Infof("Cycle abandoned: %v", err)
	case "query_failed", "internal":
		entry.Errorf("Cycle failed, keeping previous snapshot: %v", err)
	default:
		entry.Warnf("Cycle failed, keeping previous snapshot: %v", err)
	}
}

func (s *Scheduler) recordSuccess(started, finished time.Time) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Cycles++
	s.stats.ConsecutiveFailures = 0
	s.stats.LastAttempt = started
	s.stats.LastSuccess = finished
	s.stats.LastDuration = finished.Sub(started).Round(time.Millisecond).String()
	s.stats.LastError = ""
	s.stats.LastErrorClass = ""
}

// Current returns the latest snapshot. It reports false before the first
// successful cycle.
func (s *Scheduler) Current() (State, bool) {
	st := s.state.Load()
	if st == nil {
		return State{}, false
	}
	return *st, true
}

// SetTimeScale changes the bucket width used from the next cycle on.
func (s *Scheduler) SetTimeScale(scale model.TimeScale) error {
	parsed, err := model.ParseTimeScale(string(scale))
	if err != nil {
		return err
	}
	s.update(func(p *params) { p.timeScale = parsed })
	log.WithField("time_scale", parsed).Info("Time scale changed")
	return nil
}

// SetTimeRange changes the window length used from the next cycle on.
func (s *Scheduler) SetTimeRange(d time.Duration) error {
	if d < time.Hour {
		return fmt.Errorf("time range must be at least 1h, got %s", d)
	}
	s.update(func(p *params) { p.timeRange = d })
	log.WithField("time_range", d).Info("Time range changed")
	return nil
}

// SetRates replaces the pricing table used from the next cycle on.
func (s *Scheduler) SetRates(rates map[string]float64, defaultRate float64) error {
	if defaultRate < 0 {
		return fmt.Errorf("default rate must be non-negative, got %v", defaultRate)
	}
	for m, r := range rates {
		if r < 0 {
			return fmt.Errorf("rate for %q must be non-negative, got %v", m, r)
		}
	}
	cp := maps.Clone(rates)
	s.update(func(p *params) {
		p.rates = cp
		p.defaultRate = defaultRate
	})
	log.WithField("models", len(cp)).Info("Pricing updated")
	return nil
}

func (s *Scheduler) update(fn func(*params)) {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	next := *s.params.Load()
	fn(&next)
	s.params.Store(&next)
}

// TimeScale returns the scale the next cycle will use.
func (s *Scheduler) TimeScale() model.TimeScale {
	return s.params.Load().timeScale
}

// TimeRange returns the window length the next cycle will use.
func (s *Scheduler) TimeRange() time.Duration {
	return s.params.Load().timeRange
}

// IsRunning returns whether the schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsCycling returns whether a cycle is currently in progress.
func (s *Scheduler) IsCycling() bool {
	return s.cycling.Load()
}

// Status returns a point-in-time view of the scheduler.
func (s *Scheduler) Status() Status {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	p := s.params.Load()
	st.Running = s.IsRunning()
	st.Cycling = s.IsCycling()
	st.TimeScale = p.timeScale
	st.TimeRangeHours = p.timeRange.Hours()
	st.UpdateInterval = s.interval.String()
	if cur := s.state.Load(); cur != nil {
		st.Seq = cur.Seq
	}
	return st
}
