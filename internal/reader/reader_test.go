package reader

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/resilience"
)

func testOptions(maxRetries int, threshold uint32) Options {
	breaker := resilience.DefaultBreakerConfig("test")
	breaker.FailureThreshold = threshold
	return Options{
		SessionTable: "Session",
		MessageTable: "MessageLog",
		Retry: resilience.RetryConfig{
			MaxRetries: maxRetries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
		Breaker: breaker,
	}
}

func newMockSource(t *testing.T, opts Options) (*SQLSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return newSQLSource(db, DialectPostgres, opts), mock
}

var testWindow = model.TimeWindow{
	Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
}

var sessionCols = []string{"id", "start_time", "end_time", "user_id", "message_count", "total_tokens", "active", "metadata"}

func TestSQLSource_SessionsPaginates(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 5))

	t1 := testWindow.Start.Add(time.Hour)
	t2 := testWindow.Start.Add(2 * time.Hour)
	t3 := testWindow.Start.Add(3 * time.Hour)
	end := t1.Add(10 * time.Minute)

	// First page has no keyset predicate
	mock.ExpectQuery(`SELECT .* FROM "Session" WHERE start_time >= \$1 AND start_time < \$2 ORDER BY start_time, id LIMIT \$3`).
		WithArgs(testWindow.Start, testWindow.End, 2).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", t1, end, "u1", 3, int64(100), false, `{"userAgent":"Mozilla/5.0","country":"DE"}`).
			AddRow("s2", t2, nil, "u2", 1, int64(20), true, ""))

	// Second page continues after (t2, s2)
	mock.ExpectQuery(`SELECT .* FROM "Session" WHERE .* AND \(start_time, id\) > \(\$3, \$4\) ORDER BY start_time, id LIMIT \$5`).
		WithArgs(testWindow.Start, testWindow.End, t2, "s2", 2).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s3", t3, nil, "u1", 0, int64(0), true, "not json"))

	var got []model.SessionRecord
	for rec, err := range src.Sessions(context.Background(), testWindow, 2) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, rec)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(got))
	}
	if got[0].EndTime == nil || !got[0].EndTime.Equal(end) {
		t.Errorf("expected end time %v, got %v", end, got[0].EndTime)
	}
	if got[0].Metadata.Country != "DE" || got[0].Metadata.UserAgent != "Mozilla/5.0" {
		t.Errorf("unexpected metadata: %+v", got[0].Metadata)
	}
	if got[1].EndTime != nil || !got[1].Active {
		t.Errorf("expected open active session, got %+v", got[1])
	}
	if got[2].Metadata != (model.Metadata{}) {
		t.Errorf("expected empty metadata for malformed JSON, got %+v", got[2].Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_Messages(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 5))

	ts := testWindow.Start.Add(time.Hour)
	cols := []string{"id", "session_id", "timestamp", "role", "length", "model",
		"prompt_tokens", "completion_tokens", "total_tokens", "processing_time_ms", "metadata"}

	mock.ExpectQuery(`SELECT .*LENGTH\(content\).* FROM "MessageLog" WHERE "timestamp" >= \$1`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m1", "s1", ts, "User", 12, "", int64(0), int64(0), int64(0), nil, "").
			AddRow("m2", "s1", ts.Add(time.Second), "assistant", 40, "gpt-x", int64(10), int64(30), int64(40), 120.5, `{"browser":"Firefox"}`))

	var got []model.MessageRecord
	for rec, err := range src.Messages(context.Background(), testWindow, 100) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, rec)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != model.RoleUser {
		t.Errorf("expected role to be normalized to user, got %q", got[0].Role)
	}
	if got[0].ProcessingTimeMs != nil {
		t.Errorf("expected nil processing time, got %v", *got[0].ProcessingTimeMs)
	}
	if got[1].ProcessingTimeMs == nil || *got[1].ProcessingTimeMs != 120.5 {
		t.Errorf("expected processing time 120.5, got %v", got[1].ProcessingTimeMs)
	}
	if got[1].Tokens != (model.TokenUsage{Prompt: 10, Completion: 30, Total: 40}) {
		t.Errorf("unexpected tokens: %+v", got[1].Tokens)
	}
	if got[1].Metadata.Browser != "Firefox" {
		t.Errorf("expected browser Firefox, got %q", got[1].Metadata.Browser)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_RetriesUnavailable(t *testing.T) {
	src, mock := newMockSource(t, testOptions(1, 5))

	connErr := &pq.Error{Code: "08006", Message: "connection failure"}
	mock.ExpectQuery(`FROM "Session"`).WillReturnError(connErr)
	mock.ExpectQuery(`FROM "Session"`).WillReturnRows(sqlmock.NewRows(sessionCols))

	for _, err := range src.Sessions(context.Background(), testWindow, 10) {
		if err != nil {
			t.Fatalf("expected retry to recover, got %v", err)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_QueryFailedIsNotRetried(t *testing.T) {
	src, mock := newMockSource(t, testOptions(3, 5))

	mock.ExpectQuery(`FROM "Session"`).WillReturnError(&pq.Error{Code: "42P01", Message: `relation "Session" does not exist`})

	var gotErr error
	for _, err := range src.Sessions(context.Background(), testWindow, 10) {
		gotErr = err
	}

	if !errors.Is(gotErr, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", gotErr)
	}
	var pqErr *pq.Error
	if !errors.As(gotErr, &pqErr) {
		t.Errorf("expected cause to be preserved, got %v", gotErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_BreakerOpens(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 1))

	mock.ExpectQuery(`FROM "MessageLog"`).WillReturnError(&pq.Error{Code: "57P01", Message: "admin shutdown"})

	for _, err := range src.Messages(context.Background(), testWindow, 10) {
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Fatalf("expected ErrSourceUnavailable, got %v", err)
		}
	}

	// The breaker is shared: a session read is rejected without touching the database
	var gotErr error
	for _, err := range src.Sessions(context.Background(), testWindow, 10) {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrSourceUnavailable) || !errors.Is(gotErr, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker as ErrSourceUnavailable, got %v", gotErr)
	}
	if st := src.Breaker(); st.Name != "test" || st.State != "open" {
		t.Errorf("Breaker() = %+v, want test/open", st)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_BreakerStats(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 3))

	if st := src.Breaker(); st.State != "closed" || st.Requests != 0 {
		t.Fatalf("initial Breaker() = %+v", st)
	}

	mock.ExpectQuery(`FROM "Session"`).WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery(`FROM "MessageLog"`).WillReturnError(&pq.Error{Code: "57P01", Message: "admin shutdown"})
	for range src.Sessions(context.Background(), testWindow, 10) {
	}
	for range src.Messages(context.Background(), testWindow, 10) {
	}

	want := BreakerStats{Name: "test", State: "closed", Requests: 2, TotalFailures: 1, ConsecutiveFailures: 1}
	if st := src.Breaker(); st != want {
		t.Errorf("Breaker() = %+v, want %+v", st, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_StopsWhenConsumerBreaks(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 5))

	ts := testWindow.Start.Add(time.Minute)
	mock.ExpectQuery(`FROM "Session"`).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", ts, nil, "u1", 0, int64(0), true, "").
			AddRow("s2", ts, nil, "u1", 0, int64(0), true, ""))

	n := 0
	for range src.Sessions(context.Background(), testWindow, 2) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("expected 1 record before break, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLSource_CancelledContext(t *testing.T) {
	src, _ := newMockSource(t, testOptions(0, 5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range src.Sessions(ctx, testWindow, 10) {
		if !errors.Is(err, ErrSourceUnavailable) || !errors.Is(err, context.Canceled) {
			t.Errorf("expected cancellation as ErrSourceUnavailable, got %v", err)
		}
	}
}

func TestSQLSource_Ping(t *testing.T) {
	src, mock := newMockSource(t, testOptions(0, 5))

	mock.ExpectPing()
	if err := src.Ping(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	mock.ExpectPing().WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	if err := src.Ping(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestPageQuery_SQLitePlaceholders(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	src := newSQLSource(db, DialectSQLite, testOptions(0, 5))

	query, args := src.pageQuery("id", src.sessionTable, "start_time", testWindow, &keyset{ts: testWindow.Start, id: "a"}, 50)
	want := `SELECT id FROM "Session" WHERE start_time >= ? AND start_time < ? AND (start_time, id) > (?, ?) ORDER BY start_time, id LIMIT ?`
	if query != want {
		t.Errorf("pageQuery() = %q, want %q", query, want)
	}
	if len(args) != 5 || args[4] != 50 {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want model.Metadata
	}{
		{name: "empty", raw: "", want: model.Metadata{}},
		{name: "malformed", raw: `{"userAgent":`, want: model.Metadata{}},
		{name: "not an object", raw: `["a"]`, want: model.Metadata{}},
		{
			name: "camel case",
			raw:  `{"userAgent":"UA","ipAddress":"10.0.0.1","browser":"Chrome","os":"Linux"}`,
			want: model.Metadata{UserAgent: "UA", IPAddress: "10.0.0.1", Browser: "Chrome", OS: "Linux"},
		},
		{
			name: "snake case and nested country",
			raw:  `{"user_agent":"UA","ip_address":"::1","geo":{"country":"FR"}}`,
			want: model.Metadata{UserAgent: "UA", IPAddress: "::1", Country: "FR"},
		},
		{name: "wrong types ignored", raw: `{"browser":42,"os":null}`, want: model.Metadata{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMetadata(tt.raw); got != tt.want {
				t.Errorf("parseMetadata(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClassifySQL(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "canceled", err: context.Canceled, want: ErrSourceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrSourceUnavailable},
		{name: "connection exception", err: &pq.Error{Code: "08001"}, want: ErrSourceUnavailable},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, want: ErrSourceUnavailable},
		{name: "syntax error", err: &pq.Error{Code: "42601"}, want: ErrQueryFailed},
		{name: "network", err: &net.OpError{Op: "read", Err: errors.New("reset")}, want: ErrSourceUnavailable},
		{name: "breaker open", err: gobreaker.ErrOpenState, want: ErrSourceUnavailable},
		{name: "other", err: errors.New("converting column"), want: ErrQueryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySQL("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifySQL(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classifySQL(%v) lost the cause", tt.err)
			}
		})
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	cfg := config.Default().Source
	cfg.DSN = "redis://localhost"
	if _, err := Open(context.Background(), &cfg); err == nil {
		t.Error("expected error for unsupported DSN")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Source
	opts, err := OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.SessionTable != "Session" || opts.MessageTable != "MessageLog" {
		t.Errorf("unexpected tables: %s, %s", opts.SessionTable, opts.MessageTable)
	}
	if opts.Retry.MaxRetries != 2 || opts.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", opts.Retry)
	}
	if opts.Breaker.FailureThreshold != 5 || opts.Breaker.Timeout != 30*time.Second {
		t.Errorf("unexpected breaker config: %+v", opts.Breaker)
	}
}
