// Package watcher reloads the configuration file when it changes and
// applies the settings that can change while running.
package watcher

import (
	"fmt"
	"maps"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/model"
)

const debounceInterval = 200 * time.Millisecond

// Target receives hot-reloadable settings. *scheduler.Scheduler satisfies it.
type Target interface {
	SetTimeScale(scale model.TimeScale) error
	SetTimeRange(d time.Duration) error
	SetRates(rates map[string]float64, defaultRate float64) error
	Trigger()
}

// Changes lists what differs between two configurations.
type Changes struct {
	TimeScale bool
	TimeRange bool
	Pricing   bool
	LogLevel  bool

	// Restart names the sections that only take effect after a restart.
	Restart []string
}

// Live reports whether any setting can be applied in place.
func (c Changes) Live() bool {
	return c.TimeScale || c.TimeRange || c.Pricing || c.LogLevel
}

// Diff compares two validated configurations.
func Diff(old, cur *config.Config) Changes {
	var ch Changes
	oa, ca := old.Aggregation, cur.Aggregation

	ch.TimeScale = oa.TimeScale != ca.TimeScale
	ch.TimeRange = oa.TimeRangeHours != ca.TimeRangeHours
	ch.Pricing = old.Pricing.DefaultRate != cur.Pricing.DefaultRate ||
		!maps.Equal(old.Pricing.Rates, cur.Pricing.Rates)
	ch.LogLevel = !strings.EqualFold(old.Logging.Level, cur.Logging.Level)

	if oa.Mode != ca.Mode || oa.UpdateInterval != ca.UpdateInterval ||
		oa.CycleTimeout != ca.CycleTimeout || oa.Timezone != ca.Timezone {
		ch.Restart = append(ch.Restart, "aggregation")
	}
	sections := []struct {
		name     string
		old, cur any
	}{
		{"source", old.Source, cur.Source},
		{"publisher", old.Publisher, cur.Publisher},
		{"server", old.Server, cur.Server},
		{"notifier", old.Notifier, cur.Notifier},
		{"insights", old.Insights, cur.Insights},
		{"tracing", old.Tracing, cur.Tracing},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.cur) {
			ch.Restart = append(ch.Restart, s.name)
		}
	}
	ol, cl := old.Logging, cur.Logging
	ol.Level, cl.Level = "", ""
	if ol != cl {
		ch.Restart = append(ch.Restart, "logging")
	}
	return ch
}

// Loader produces the configuration to compare against the running one.
// Validation happens after it returns.
type Loader func() (*config.Config, error)

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLoader replaces the default loader, which only reads the file. Callers
// that layer command-line flags on top of the file pass a loader that
// reapplies them so a reload does not revert them.
func WithLoader(l Loader) Option {
	return func(w *Watcher) { w.load = l }
}

// Watcher follows one configuration file.
type Watcher struct {
	path   string
	target Target
	load   Loader

	mu      sync.Mutex
	current *config.Config
	timer   *time.Timer

	fs   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// New creates a watcher for path. current is the configuration the process
// started with.
func New(path string, current *config.Config, target Target, opts ...Option) *Watcher {
	w := &Watcher{
		path:    path,
		target:  target,
		current: current,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.load = func() (*config.Config, error) { return config.Load(w.path) }
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The directory is watched so that editors which
// replace the file on save are followed.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		if closeErr := fw.Close(); closeErr != nil {
			log.Warnf("Failed to close file watcher: %v", closeErr)
		}
		return fmt.Errorf("watching %s: %w", w.path, err)
	}
	w.fs = fw
	go w.loop()
	log.Infof("Watching %s for changes", w.path)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	name := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceInterval, func() {
				if err := w.Reload(); err != nil {
					log.Errorf("Config reload failed, keeping previous settings: %v", err)
				}
			})
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warnf("File watcher error: %v", err)

		case <-w.stop:
			return
		}
	}
}

// Reload reads the file and applies what changed. An invalid file leaves the
// running settings untouched.
func (w *Watcher) Reload() error {
	cfg, err := w.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ch := Diff(w.current, cfg)
	if err := w.apply(cfg, ch); err != nil {
		return err
	}
	if len(ch.Restart) > 0 {
		log.WithField("sections", strings.Join(ch.Restart, ",")).
			Warn("Configuration changed in sections that require a restart")
	}
	w.current = cfg
	return nil
}

func (w *Watcher) apply(cfg *config.Config, ch Changes) error {
	if ch.LogLevel {
		level, err := log.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		log.SetLevel(level)
		log.Infof("Log level changed to %s", level)
	}
	if ch.Pricing {
		if err := w.target.SetRates(cfg.Pricing.Rates, cfg.Pricing.DefaultRate); err != nil {
			return fmt.Errorf("applying pricing: %w", err)
		}
		log.Infof("Pricing updated: %d model rates", len(cfg.Pricing.Rates))
	}
	if ch.TimeRange {
		if err := w.target.SetTimeRange(cfg.Aggregation.TimeRange()); err != nil {
			return fmt.Errorf("applying time range: %w", err)
		}
		log.Infof("Time range changed to %dh", cfg.Aggregation.TimeRangeHours)
	}
	if ch.TimeScale {
		scale, err := cfg.Aggregation.TimeScaleParsed()
		if err != nil {
			return err
		}
		if err := w.target.SetTimeScale(scale); err != nil {
			return fmt.Errorf("applying time scale: %w", err)
		}
		log.Infof("Time scale changed to %s", scale)
	}
	if ch.TimeScale || ch.TimeRange || ch.Pricing {
		w.target.Trigger()
	}
	return nil
}

// Current returns the configuration last applied.
func (w *Watcher) Current() *config.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.fs == nil {
		return nil
	}
	close(w.stop)
	err := w.fs.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
