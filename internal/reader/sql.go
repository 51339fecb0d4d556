package reader

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/resilience"
)

// Dialect selects the SQL flavour of a SQLSource.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// SQLSource reads sessions and messages from two relational tables.
//
// Expected columns:
//
//	sessions: id, start_time, end_time, user_id, message_count, total_tokens, active, metadata
//	messages: id, session_id, "timestamp", role, content, model, prompt_tokens,
//	          completion_tokens, total_tokens, processing_time_ms, metadata
//
// metadata holds a JSON object; content is only measured, never selected.
type SQLSource struct {
	db           *sql.DB
	dialect      Dialect
	sessionTable string
	messageTable string

	sessions *resilience.Executor[[]model.SessionRecord]
	messages *resilience.Executor[[]model.MessageRecord]
}

// NewSQL opens a pooled connection for the given dialect. For SQLite dsn is
// a file path; the database is opened read-only.
func NewSQL(dialect Dialect, dsn string, opts Options) (*SQLSource, error) {
	connStr := dsn
	if dialect == DialectSQLite {
		connStr = dsn + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	}

	db, err := sql.Open(dialect.String(), connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLSource(db, dialect, opts), nil
}

func newSQLSource(db *sql.DB, dialect Dialect, opts Options) *SQLSource {
	retry, breaker := guard(opts)
	return &SQLSource{
		db:           db,
		dialect:      dialect,
		sessionTable: pq.QuoteIdentifier(opts.SessionTable),
		messageTable: pq.QuoteIdentifier(opts.MessageTable),
		sessions:     resilience.NewExecutor[[]model.SessionRecord](retry, breaker),
		messages:     resilience.NewExecutor[[]model.MessageRecord](retry, breaker),
	}
}

// Ping tests the database connection.
func (s *SQLSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQL("ping", err)
	}
	return nil
}

// Breaker reports the state of the breaker shared by both tables.
func (s *SQLSource) Breaker() BreakerStats {
	return breakerStats(s.sessions.CircuitBreaker())
}

// Close closes the database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Sessions yields sessions whose start time falls inside window, ordered by
// (start_time, id).
func (s *SQLSource) Sessions(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.SessionRecord, error] {
	return paginate(ctx, s.sessions, batchSize, classifySQL, "reading sessions",
		func(ctx context.Context, after *model.SessionRecord, limit int) ([]model.SessionRecord, error) {
			var cursor *keyset
			if after != nil {
				cursor = &keyset{ts: after.StartTime, id: after.ID}
			}
			query, args := s.pageQuery(sessionColumns, s.sessionTable, "start_time", window, cursor, limit)
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			page := make([]model.SessionRecord, 0, limit)
			for rows.Next() {
				rec, err := scanSession(rows)
				if err != nil {
					return nil, queryFailed("scanning session row", err)
				}
				page = append(page, rec)
			}
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return page, nil
		})
}

// Messages yields messages whose timestamp falls inside window, ordered by
// (timestamp, id).
func (s *SQLSource) Messages(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.MessageRecord, error] {
	return paginate(ctx, s.messages, batchSize, classifySQL, "reading messages",
		func(ctx context.Context, after *model.MessageRecord, limit int) ([]model.MessageRecord, error) {
			var cursor *keyset
			if after != nil {
				cursor = &keyset{ts: after.Timestamp, id: after.ID}
			}
			query, args := s.pageQuery(messageColumns, s.messageTable, `"timestamp"`, window, cursor, limit)
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			page := make([]model.MessageRecord, 0, limit)
			for rows.Next() {
				rec, err := scanMessage(rows)
				if err != nil {
					return nil, queryFailed("scanning message row", err)
				}
				page = append(page, rec)
			}
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return page, nil
		})
}

const sessionColumns = `id, start_time, end_time, COALESCE(user_id, ''),
	COALESCE(message_count, 0), COALESCE(total_tokens, 0), COALESCE(active, FALSE),
	COALESCE(CAST(metadata AS TEXT), '')`

const messageColumns = `id, COALESCE(session_id, ''), "timestamp", COALESCE(role, ''),
	COALESCE(LENGTH(content), 0), COALESCE(model, ''),
	COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0), COALESCE(total_tokens, 0),
	processing_time_ms, COALESCE(CAST(metadata AS TEXT), '')`

// keyset is the position after which the next page starts.
type keyset struct {
	ts time.Time
	id string
}

// pageQuery builds one page of a half-open window scan with keyset pagination.
func (s *SQLSource) pageQuery(columns, table, tsCol string, window model.TimeWindow, after *keyset, limit int) (string, []any) {
	p := s.dialect.placeholder
	args := []any{window.Start.UTC(), window.End.UTC()}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s >= %s AND %s < %s",
		columns, table, tsCol, p(1), tsCol, p(2))
	if after != nil {
		fmt.Fprintf(&b, " AND (%s, id) > (%s, %s)", tsCol, p(3), p(4))
		args = append(args, after.ts.UTC(), after.id)
	}
	fmt.Fprintf(&b, " ORDER BY %s, id LIMIT %s", tsCol, p(len(args)+1))
	args = append(args, limit)
	return b.String(), args
}

func scanSession(rows *sql.Rows) (model.SessionRecord, error) {
	var (
		rec  model.SessionRecord
		end  sql.NullTime
		meta string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.StartTime,
		&end,
		&rec.UserID,
		&rec.MessageCount,
		&rec.TotalTokens,
		&rec.Active,
		&meta,
	); err != nil {
		return model.SessionRecord{}, err
	}
	rec.StartTime = rec.StartTime.UTC()
	if end.Valid {
		t := end.Time.UTC()
		rec.EndTime = &t
	}
	rec.Metadata = parseMetadata(meta)
	return rec, nil
}

func scanMessage(rows *sql.Rows) (model.MessageRecord, error) {
	var (
		rec        model.MessageRecord
		role       string
		processing sql.NullFloat64
		meta       string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Timestamp,
		&role,
		&rec.ContentLength,
		&rec.Model,
		&rec.Tokens.Prompt,
		&rec.Tokens.Completion,
		&rec.Tokens.Total,
		&processing,
		&meta,
	); err != nil {
		return model.MessageRecord{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Role = model.ParseRole(role)
	if processing.Valid {
		v := processing.Float64
		rec.ProcessingTimeMs = &v
	}
	rec.Metadata = parseMetadata(meta)
	return rec, nil
}

// parseMetadata reads the client details out of a JSON object. Malformed
// JSON yields empty metadata, which the engine reports as "unknown".
func parseMetadata(raw string) model.Metadata {
	if raw == "" {
		return model.Metadata{}
	}
	if !gjson.Valid(raw) {
		log.Debugf("reader: ignoring malformed metadata (%d bytes)", len(raw))
		return model.Metadata{}
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return model.Metadata{}
	}
	field := func(names ...string) string {
		for _, n := range names {
			if v := doc.Get(n); v.Type == gjson.String {
				return v.String()
			}
		}
		return ""
	}
	return model.Metadata{
		UserAgent: field("userAgent", "user_agent"),
		IPAddress: field("ipAddress", "ip_address"),
		Browser:   field("browser"),
		OS:        field("os"),
		Country:   field("country", "geo.country"),
	}
}

// classifySQL maps driver errors onto the source error taxonomy.
func classifySQL(op string, err error) error {
	if c := classifyCommon(op, err); c != nil {
		return c
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator intervention
		case "08", "53", "57":
			return unavailable(op, err)
		}
		return queryFailed(op, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return unavailable(op, err)
		}
		return queryFailed(op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return unavailable(op, err)
	}
	return queryFailed(op, err)
}
