// Package reader provides windowed, paginated access to chat sessions and
// messages stored in PostgreSQL, SQLite or MongoDB.
package reader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/resilience"
)

var (
	// ErrSourceUnavailable means the store could not be reached: refused or
	// dropped connections, timeouts, or an open circuit breaker.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrQueryFailed means the store was reached but rejected or could not
	// answer the query.
	ErrQueryFailed = errors.New("query failed")
)

// RecordSource yields the sessions and messages that fall inside a window.
// Every call starts a new cursor; pages of batchSize records are fetched
// lazily while the caller ranges over the sequence. Iteration stops after
// the first error.
type RecordSource interface {
	Sessions(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.SessionRecord, error]
	Messages(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.MessageRecord, error]
	Ping(ctx context.Context) error
	Close() error
}

// Options carries the settings shared by every backend.
type Options struct {
	Database       string
	SessionTable   string
	MessageTable   string
	ConnectTimeout time.Duration
	Retry          resilience.RetryConfig
	Breaker        resilience.BreakerConfig
}

// OptionsFromConfig converts the source section of the configuration.
func OptionsFromConfig(cfg *config.SourceConfig) (Options, error) {
	connectTimeout, err := cfg.ConnectTimeoutParsed()
	if err != nil {
		return Options{}, fmt.Errorf("parsing connect timeout: %w", err)
	}
	baseDelay, err := time.ParseDuration(cfg.Retry.BaseDelay)
	if err != nil {
		return Options{}, fmt.Errorf("parsing retry base delay: %w", err)
	}
	maxDelay, err := time.ParseDuration(cfg.Retry.MaxDelay)
	if err != nil {
		return Options{}, fmt.Errorf("parsing retry max delay: %w", err)
	}
	breakerTimeout, err := time.ParseDuration(cfg.Breaker.Timeout)
	if err != nil {
		return Options{}, fmt.Errorf("parsing breaker timeout: %w", err)
	}

	retry := resilience.DefaultRetryConfig
	retry.MaxRetries = cfg.Retry.MaxRetries
	retry.BaseDelay = baseDelay
	retry.MaxDelay = maxDelay

	breaker := resilience.DefaultBreakerConfig("source")
	breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	breaker.Timeout = breakerTimeout

	return Options{
		Database:       cfg.Database,
		SessionTable:   cfg.SessionCollection,
		MessageTable:   cfg.MessageCollection,
		ConnectTimeout: connectTimeout,
		Retry:          retry,
		Breaker:        breaker,
	}, nil
}

// Open connects to the store named by cfg.DSN.
func Open(ctx context.Context, cfg *config.SourceConfig) (RecordSource, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	switch parsed.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		dialect, dsn := DialectPostgres, parsed.URL
		if parsed.IsSQLite() {
			dialect, dsn = DialectSQLite, parsed.Path
		}
		src, err := NewSQL(dialect, dsn, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.BackendMongo:
		src, err := NewMongo(ctx, parsed.URL, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", parsed.Backend)
	}
}

// guard builds the retry and breaker policies for one source. Only
// unavailability is retried, and query errors never trip the breaker.
func guard(opts Options) (resilience.RetryConfig, *resilience.CircuitBreaker) {
	retry := opts.Retry
	retry.Retryable = func(err error) bool {
		return errors.Is(err, ErrSourceUnavailable) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}

	bc := opts.Breaker
	bc.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrQueryFailed) || errors.Is(err, context.Canceled)
	}
	bc.OnStateChange = func(name string, from, to gobreaker.State) {
		log.WithField("breaker", name).Warnf("circuit breaker %s -> %s", from, to)
	}
	return retry, resilience.NewCircuitBreaker(bc)
}

// BreakerStats describes the circuit breaker guarding a source.
type BreakerStats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"totalFailures"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Counts cover the current breaker generation: they reset on every state
// change and, while closed, every interval.
func breakerStats(cb *resilience.CircuitBreaker) BreakerStats {
	counts := cb.Counts()
	return BreakerStats{
		Name:                cb.Name(),
		State:               cb.State().String(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// unavailable wraps err as ErrSourceUnavailable, keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, op, err)
}

// queryFailed wraps err as ErrQueryFailed, keeping the cause.
func queryFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrQueryFailed, op, err)
}

// isClassified reports whether err already carries one of the sentinels.
func isClassified(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrQueryFailed)
}

// classifyCommon handles errors every backend shares: cancellation,
// deadlines and breaker rejections. It returns nil for anything else.
func classifyCommon(op string, err error) error {
	switch {
	case isClassified(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return unavailable(op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return unavailable(op, err)
	}
	return nil
}

// paginate turns a keyset page fetcher into a lazy sequence. fetch receives
// the last record of the previous page, or nil for the first page. A page
// shorter than batchSize ends the sequence.
func paginate[T any](
	ctx context.Context,
	exec *resilience.Executor[[]T],
	batchSize int,
	classify func(op string, err error) error,
	op string,
	fetch func(ctx context.Context, after *T, limit int) ([]T, error),
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if batchSize < 1 {
			batchSize = 1
		}
		var after *T
		for {
			if err := ctx.Err(); err != nil {
				yield(zero, classify(op, err))
				return
			}
			page, err := exec.Execute(ctx, func() ([]T, error) {
				rows, err := fetch(ctx, after, batchSize)
				if err != nil {
					return nil, classify(op, err)
				}
				return rows, nil
			})
			if err != nil {
				yield(zero, classify(op, err))
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < batchSize {
				return
			}
			after = &page[len(page)-1]
		}
	}
}
