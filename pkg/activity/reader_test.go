package activity

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/justjake/pgactivity/pkg/observability"
	"github.com/justjake/pgactivity/pkg/pgwire"
	"github.com/justjake/pgactivity/pkg/tag"
	pgtest "github.com/justjake/pgactivity/pkg/testing"
)

func script(steps ...[]pgmock.Step) []pgmock.Step {
	all := pgtest.AcceptConnSteps(99)
	for _, s := range steps {
		all = append(all, s...)
	}
	return append(all, pgtest.WaitForClose())
}

var activityFields = []pgproto3.FieldDescription{
	pgtest.Field("pid", pgtest.OIDInt4),
	pgtest.Field("query_start", pgtest.OIDTimestamptz),
	pgtest.Field("duration", pgtest.OIDInterval),
	pgtest.Field("context_raw", pgtest.OIDText),
	pgtest.Field("query", pgtest.OIDText),
	pgtest.Field("state", pgtest.OIDText),
	pgtest.Field("xact_start", pgtest.OIDTimestamptz),
	pgtest.Field("backend_start", pgtest.OIDTimestamptz),
	pgtest.Field("state_change", pgtest.OIDTimestamptz),
	pgtest.Field("wait_event_type", pgtest.OIDText),
	pgtest.Field("wait_event", pgtest.OIDText),
	pgtest.Field("backend_type", pgtest.OIDText),
	pgtest.Field("application_name", pgtest.OIDText),
	pgtest.Field("usename", pgtest.OIDText),
	pgtest.Field("datname", pgtest.OIDText),
	pgtest.Field("client_addr", pgtest.OIDText),
	pgtest.Field("client_hostname", pgtest.OIDText),
	pgtest.Field("client_port", pgtest.OIDInt4),
	pgtest.Field("backend_xid", pgtest.OIDText),
	pgtest.Field("backend_xmin", pgtest.OIDText),
}

// row builds a result row; ctxJSON may be nil.
func row(pid int, duration string, ctxJSON *string, query string) [][]byte {
	return pgtest.Row(
		pgtest.Int(pid),
		pgtest.Text("2024-01-02 03:04:05.123456+00"),
		pgtest.Text(duration),
		ctxJSON,
		pgtest.Text(query),
		pgtest.Text("ACTIVE"),
		pgtest.Text("2024-01-02 03:04:00+00"),
		pgtest.Text("2024-01-02 03:00:00+00"),
		pgtest.Text("2024-01-02 03:04:05.123456+00"),
		pgtest.Text("CLIENT"),
		pgtest.Text("CLIENT_READ"),
		pgtest.Text("client backend"),
		pgtest.Text("psql"),
		pgtest.Text("app"),
		pgtest.Text("orders"),
		pgtest.Text("10.0.0.5"),
		nil,
		pgtest.Int(54321),
		nil,
		pgtest.Text("731"),
	)
}

func TestReader_List(t *testing.T) {
	var captured pgtest.Captured
	conn := pgtest.Start(t, script(
		[]pgmock.Step{pgtest.CaptureQuery(&captured)},
		pgtest.ResultSteps(activityFields, [][][]byte{
			row(11, "00:01:30.500000", pgtest.Text(`{"key":"A","user":{"id":7}}`), "SELECT pg_sleep(100)"),
			row(12, "00:00:02", pgtest.Text(`{"key":`), "SELECT 1"),
			row(13, "00:00:01", nil, "VACUUM"),
		}, "SELECT 3"),
	)...)

	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	var logs bytes.Buffer

	r := NewReader(conn,
		WithMetrics(m),
		WithTracer(tp.Tracer("test")),
		WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	filters, err := ParseFilters([]string{"context.key=A", "duration__gt=1 second"})
	require.NoError(t, err)

	records, err := r.List(context.Background(), ListOptions{Filters: filters, Limit: 25})
	require.NoError(t, err)
	require.Len(t, records, 3)

	sql := captured.Last()
	assert.Contains(t, sql, "FROM pg_stat_activity")
	assert.Contains(t, sql, "datname = current_database() AND pid <> pg_backend_pid()")
	assert.Contains(t, sql, "pg_input_is_valid(context_raw, 'jsonb')")
	assert.Contains(t, sql, "jsonb_extract_path_text(context, 'key'::text) = 'A'::text")
	assert.Contains(t, sql, "duration > '1 second'::interval")
	assert.Contains(t, sql, "ORDER BY duration DESC NULLS LAST")
	assert.True(t, strings.HasSuffix(sql, "LIMIT 25"), sql)

	first := records[0]
	assert.Equal(t, int32(11), first.Pid)
	assert.Equal(t, "SELECT pg_sleep(100)", first.Query)
	require.NotNil(t, first.Duration)
	assert.Equal(t, 90*time.Second+500*time.Millisecond, *first.Duration)
	require.NotNil(t, first.Start)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC), first.Start.UTC())
	require.NotNil(t, first.Context)
	assert.Equal(t, `{"key":"A","user":{"id":7}}`, first.Context.String())
	assert.False(t, first.ContextDecodeFailed)
	assert.Equal(t, "ACTIVE", first.State)
	assert.Equal(t, "CLIENT_READ", first.WaitEvent)
	assert.Equal(t, "app", first.User)
	assert.Equal(t, "orders", first.Database)
	assert.Equal(t, "10.0.0.5", first.ClientAddr)
	assert.Equal(t, "", first.ClientHostname)
	require.NotNil(t, first.ClientPort)
	assert.Equal(t, int32(54321), *first.ClientPort)
	assert.Equal(t, "", first.BackendXid)
	assert.Equal(t, "731", first.BackendXmin)

	// A malformed comment is reported, not fatal.
	assert.Nil(t, records[1].Context)
	assert.True(t, records[1].ContextDecodeFailed)
	assert.Contains(t, logs.String(), "context comment not decoded")

	assert.Nil(t, records[2].Context)
	assert.False(t, records[2].ContextDecodeFailed)

	assert.Equal(t, []int32{11, 12, 13}, Pids(records))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActivityRowsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextDecodeFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ActivityListDuration))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pgactivity.list", spans[0].Name())
}

func TestReader_ListPidsIgnoresLimit(t *testing.T) {
	var captured pgtest.Captured
	conn := pgtest.Start(t, script(
		[]pgmock.Step{pgtest.CaptureQuery(&captured)},
		pgtest.ResultSteps(activityFields, nil, "SELECT 0"),
	)...)

	records, err := NewReader(conn).List(context.Background(), ListOptions{
		Pids:        []int32{5, 6},
		Limit:       1,
		IncludeSelf: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	sql := captured.Last()
	assert.Contains(t, sql, "pid IN (5, 6)")
	assert.NotContains(t, sql, "pg_backend_pid()")
	assert.NotContains(t, sql, "LIMIT")
}

func TestReader_ServerVersionQueriedWithoutConnection(t *testing.T) {
	var captured pgtest.Captured
	conn := pgtest.Start(t, script(
		pgtest.SimpleSelectSteps("SELECT current_setting('server_version_num')::int",
			[]pgproto3.FieldDescription{pgtest.Field("current_setting", pgtest.OIDInt4)},
			[][][]byte{pgtest.Row(pgtest.Int(150007))}, "SELECT 1"),
		[]pgmock.Step{pgtest.CaptureQuery(&captured)},
		pgtest.ResultSteps(activityFields, nil, "SELECT 0"),
		[]pgmock.Step{pgtest.CaptureQuery(&captured)},
		pgtest.ResultSteps(activityFields, nil, "SELECT 0"),
	)...)

	// tag.Conn hides PgConn, so the version has to be asked for, once.
	r := NewReader(tag.Wrap(conn))
	ctx := context.Background()

	_, err := r.List(ctx, ListOptions{})
	require.NoError(t, err)
	v, err := r.ServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150007, v)

	_, err = r.List(ctx, ListOptions{Filters: []Filter{{Field: "context", Path: []string{"key"}, Lookup: Exact, Value: "A"}}})
	require.NoError(t, err)

	all := captured.All()
	require.Len(t, all, 2)
	assert.Contains(t, all[0], "NULL::jsonb AS context")
	assert.Contains(t, all[1], "NULL::jsonb AS context")
	assert.NotContains(t, all[1], "context_raw::jsonb")
	assert.NotContains(t, all[1], "pg_input_is_valid")
}

func TestReader_ListFiltersContextLocallyBefore16(t *testing.T) {
	var captured pgtest.Captured
	conn := pgtest.Start(t, script(
		[]pgmock.Step{pgtest.CaptureQuery(&captured)},
		pgtest.ResultSteps(activityFields, [][][]byte{
			row(21, "00:00:09", pgtest.Text(`{"key":"A","n":12}`), "SELECT 1"),
			row(22, "00:00:08", pgtest.Text(`{"key":`), "SELECT 2"),
			row(23, "00:00:07", pgtest.Text(`{"key":"B","n":3}`), "SELECT 3"),
			row(24, "00:00:06", nil, "SELECT 4"),
			row(25, "00:00:05", pgtest.Text(`{"key":"A","n":40}`), "SELECT 5"),
			row(26, "00:00:04", pgtest.Text(`{"key":"A","n":50}`), "SELECT 6"),
		}, "SELECT 6"),
	)...)

	filters, err := ParseFilters([]string{"context.key=A", "context.n > 10", "duration__gt=1 second"})
	require.NoError(t, err)

	r := NewReader(conn, WithServerVersion(150007))
	records, err := r.List(context.Background(), ListOptions{Filters: filters, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int32{21, 25}, Pids(records))

	sql := captured.Last()
	assert.Contains(t, sql, "NULL::jsonb AS context")
	assert.NotContains(t, sql, "context_raw::jsonb")
	assert.NotContains(t, sql, "jsonb_extract_path")
	assert.Contains(t, sql, "duration > '1 second'::interval")
	assert.NotContains(t, sql, "LIMIT", "the limit applies after the context filters")
}

func TestReader_ListRejectsBadContextFiltersBefore16(t *testing.T) {
	r := NewReader(nil, WithServerVersion(150007))
	ctx := context.Background()

	_, err := r.List(ctx, ListOptions{Filters: []Filter{{Field: "context", Lookup: Exact, Value: "{nope"}}})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)

	_, err = r.List(ctx, ListOptions{Filters: []Filter{{Field: "context", Lookup: Gt, Value: "1"}}})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)
}

func TestReader_ListRejectsBadOptions(t *testing.T) {
	r := NewReader(nil, WithServerVersion(160000))
	ctx := context.Background()

	_, err := r.List(ctx, ListOptions{Pids: []int32{0}})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)

	_, err = r.List(ctx, ListOptions{Limit: -1})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)

	_, err = r.List(ctx, ListOptions{Filters: []Filter{{Field: "pid", Lookup: Contains, Value: "1"}}})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)
}

func TestParseServerVersion(t *testing.T) {
	tests := map[string]int{
		"16.4":                      160004,
		"17beta1":                   170000,
		"15.7 (Debian 15.7-1.pgdg)": 150007,
		"9.6.24":                    90624,
		"10.23":                     100023,
	}
	for in, want := range tests {
		got, err := parseServerVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseServerVersion("")
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)
}

func TestRecord_Attribute(t *testing.T) {
	d := 3 * time.Second
	r := Record{
		Pid:      4,
		Duration: &d,
		State:    "ACTIVE",
		Context:  tag.MustNew("key", "A", "user", map[string]any{"id": 7, "name": "ada"}),
	}

	v, ok := r.Attribute("id")
	assert.True(t, ok)
	assert.Equal(t, int32(4), v)

	v, ok = r.Attribute("duration")
	assert.True(t, ok)
	assert.Equal(t, &d, v)

	v, ok = r.Attribute("context.user.name")
	assert.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok = r.Attribute("context.user.id")
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	v, ok = r.Attribute("context.missing")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = r.Attribute("bogus")
	assert.False(t, ok)
}
