package reader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/resilience"
)

// MongoSource reads the Session and MessageLog collections written by the
// chat application. Documents use camelCase field names.
type MongoSource struct {
	client   *mongo.Client
	sessions *mongo.Collection
	messages *mongo.Collection
	find     *resilience.Executor[*mongo.Cursor]
}

// NewMongo connects to the deployment at uri.
func NewMongo(ctx context.Context, uri string, opts Options) (*MongoSource, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName("chatpulse").
		SetConnectTimeout(opts.ConnectTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", classifyMongo("connect", err))
	}

	retry, breaker := guard(opts)
	db := client.Database(opts.Database)
	return &MongoSource{
		client:   client,
		sessions: db.Collection(opts.SessionTable),
		messages: db.Collection(opts.MessageTable),
		find:     resilience.NewExecutor[*mongo.Cursor](retry, breaker),
	}, nil
}

// Ping checks that a primary is reachable.
func (m *MongoSource) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return classifyMongo("ping", err)
	}
	return nil
}

func (m *MongoSource) Breaker() BreakerStats {
	return breakerStats(m.find.CircuitBreaker())
}

// Close disconnects the client.
func (m *MongoSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Sessions yields sessions whose startTime falls inside window.
func (m *MongoSource) Sessions(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.SessionRecord, error] {
	filter := bson.M{"startTime": bson.M{"$gte": window.Start, "$lt": window.End}}
	opts := options.Find().
		SetBatchSize(int32(max(batchSize, 1))).
		SetSort(bson.D{{Key: "startTime", Value: 1}, {Key: "_id", Value: 1}})
	return scan(ctx, m, m.sessions, "reading sessions", filter, opts, decodeSession)
}

// Messages yields messages whose timestamp falls inside window. The message
// body is reduced to its length on the server.
func (m *MongoSource) Messages(ctx context.Context, window model.TimeWindow, batchSize int) iter.Seq2[model.MessageRecord, error] {
	filter := bson.M{"timestamp": bson.M{"$gte": window.Start, "$lt": window.End}}
	opts := options.Find().
		SetBatchSize(int32(max(batchSize, 1))).
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(messageProjection)
	return scan(ctx, m, m.messages, "reading messages", filter, opts, decodeMessage)
}

var messageProjection = bson.M{
	"sessionId":      1,
	"timestamp":      1,
	"role":           1,
	"model":          1,
	"tokensUsed":     1,
	"processingTime": 1,
	"metadata":       1,
	"contentLength": bson.M{"$cond": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$type": "$content"}, "string"}},
		bson.M{"$strLenCP": "$content"},
		0,
	}},
}

// scan opens a cursor through the retry policy and decodes documents as the
// driver fetches batches.
func scan[T any](
	ctx context.Context,
	m *MongoSource,
	coll *mongo.Collection,
	op string,
	filter bson.M,
	opts *options.FindOptions,
	decode func(bson.Raw) T,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		cur, err := m.find.Execute(ctx, func() (*mongo.Cursor, error) {
			c, err := coll.Find(ctx, filter, opts)
			if err != nil {
				return nil, classifyMongo(op, err)
			}
			return c, nil
		})
		if err != nil {
			yield(zero, classifyMongo(op, err))
			return
		}
		defer cur.Close(context.WithoutCancel(ctx))

		for cur.Next(ctx) {
			if !yield(decode(cur.Current), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(zero, classifyMongo(op, err))
		}
	}
}

// Documents are read field by field so one malformed value only blanks that
// field. A missing or unusable start time or timestamp leaves the record
// with a zero time, which the engine counts as skipped.

func decodeMetadata(v bson.RawValue) model.Metadata {
	doc, ok := v.DocumentOK()
	if !ok {
		return model.Metadata{}
	}
	return model.Metadata{
		UserAgent: rawString(doc.Lookup("userAgent")),
		IPAddress: rawString(doc.Lookup("ipAddress")),
		Browser:   rawString(doc.Lookup("browser")),
		OS:        rawString(doc.Lookup("os")),
		Country:   rawString(doc.Lookup("country")),
	}
}

// decodeSession converts a Session document.
func decodeSession(raw bson.Raw) model.SessionRecord {
	start, _ := rawTime(raw.Lookup("startTime"))
	count, _ := rawNumber(raw.Lookup("messageCount"))
	tokens, _ := rawNumber(raw.Lookup("totalTokens"))
	active, _ := raw.Lookup("active").BooleanOK()
	rec := model.SessionRecord{
		ID:           idString(raw.Lookup("_id")),
		StartTime:    start,
		UserID:       rawString(raw.Lookup("userIdentifier")),
		MessageCount: int(count),
		TotalTokens:  int64(tokens),
		Active:       active,
		Metadata:     decodeMetadata(raw.Lookup("metadata")),
	}
	if end, ok := rawTime(raw.Lookup("endTime")); ok {
		rec.EndTime = &end
	}
	if start.IsZero() {
		log.Debugf("reader: session %s has no usable startTime", rec.ID)
	}
	return rec
}

// decodeMessage converts a MessageLog document.
func decodeMessage(raw bson.Raw) model.MessageRecord {
	ts, _ := rawTime(raw.Lookup("timestamp"))
	length, _ := rawNumber(raw.Lookup("contentLength"))
	usage, _ := raw.Lookup("tokensUsed").DocumentOK()
	prompt, _ := rawNumber(usage.Lookup("prompt"))
	completion, _ := rawNumber(usage.Lookup("completion"))
	total, _ := rawNumber(usage.Lookup("total"))
	rec := model.MessageRecord{
		ID:            idString(raw.Lookup("_id")),
		SessionID:     idString(raw.Lookup("sessionId")),
		Timestamp:     ts,
		Role:          model.ParseRole(rawString(raw.Lookup("role"))),
		ContentLength: int(length),
		Model:         rawString(raw.Lookup("model")),
		Tokens: model.TokenUsage{
			Prompt:     int64(prompt),
			Completion: int64(completion),
			Total:      int64(total),
		},
		Metadata: decodeMetadata(raw.Lookup("metadata")),
	}
	if ms, ok := rawNumber(raw.Lookup("processingTime")); ok {
		rec.ProcessingTimeMs = &ms
	}
	if ts.IsZero() {
		log.Debugf("reader: message %s has no usable timestamp", rec.ID)
	}
	return rec
}

func rawString(v bson.RawValue) string {
	s, _ := v.StringValueOK()
	return s
}

// rawNumber accepts int32, int64, double and numeric strings.
func rawNumber(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		return float64(v.Int32()), true
	case bson.TypeInt64:
		return float64(v.Int64()), true
	case bson.TypeDouble:
		return v.Double(), true
	case bson.TypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.StringValue()), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// rawTime accepts BSON datetimes and RFC 3339 strings, always in UTC.
func rawTime(v bson.RawValue) (time.Time, bool) {
	switch v.Type {
	case bson.TypeDateTime:
		return v.Time().UTC(), true
	case bson.TypeString:
		t, err := time.Parse(time.RFC3339Nano, v.StringValue())
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// idString renders ObjectIDs as hex and strings as-is.
func idString(v bson.RawValue) string {
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	if v.Type == 0 {
		return ""
	}
	return v.String()
}

// classifyMongo maps driver errors onto the source error taxonomy.
func classifyMongo(op string, err error) error {
	if c := classifyCommon(op, err); c != nil {
		return c
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return unavailable(op, err)
	}
	return queryFailed(op, err)
}
