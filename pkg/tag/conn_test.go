package tag

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/pgactivity/pkg/observability"
	pgtest "github.com/justjake/pgactivity/pkg/testing"
)

func TestConn_TagsStatementsInScope(t *testing.T) {
	var captured pgtest.Captured
	steps := pgtest.AcceptConnSteps(1)
	steps = append(steps, pgtest.CaptureQuery(&captured))
	steps = append(steps, pgtest.SendCommandComplete("SELECT 1"), pgtest.SendReadyForQuery('I'))
	steps = append(steps, pgtest.SimpleQuerySteps("SELECT 2", "SELECT 1")...)
	steps = append(steps, pgtest.CaptureQuery(&captured))
	steps = append(steps, pgtest.ResultSteps(
		[]pgproto3.FieldDescription{pgtest.Field("n", pgtest.OIDInt4)},
		[][][]byte{pgtest.Row(pgtest.Int(3))},
		"SELECT 1",
	)...)
	steps = append(steps, pgmock.WaitForClose())

	raw := pgtest.Start(t, steps...)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	conn := Wrap(raw, WithMetrics(metrics))
	assert.Same(t, raw, conn.Unwrap())

	ctx, release := Enter(context.Background(), MustNew("job", "nightly"))
	_, err := conn.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "/*pga_context={\"job\":\"nightly\"}*/\nSELECT 1", captured.Last())
	release()

	// Untagged once the scope is closed; the script expects the bare text.
	_, err = conn.Exec(ctx, "SELECT 2")
	require.NoError(t, err)

	ctx, release = Enter(context.Background(), MustNew("job", "query"))
	defer release()
	var n int32
	require.NoError(t, conn.QueryRow(ctx, "SELECT $1::int4", 3).Scan(&n))
	assert.Equal(t, int32(3), n)
	assert.Contains(t, captured.Last(), "/*pga_context={\"job\":\"query\"}*/\nSELECT")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TaggedStatementsTotal))
}

// recorder is a Querier that records statement text without a server.
type recorder struct {
	sql []string
}

func (r *recorder) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (r *recorder) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	r.sql = append(r.sql, sql)
	return nil, nil
}

func (r *recorder) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	r.sql = append(r.sql, sql)
	return nil
}

func (r *recorder) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, qq := range b.QueuedQueries {
		r.sql = append(r.sql, qq.SQL)
	}
	return nil
}

func TestConn_SendBatchTagsEveryStatement(t *testing.T) {
	rec := &recorder{}
	conn := Wrap(rec)

	ctx, release := Enter(context.Background(), MustNew("k", "v"))
	defer release()

	b := &pgx.Batch{}
	b.Queue("SELECT 1")
	b.Queue("SELECT 2")
	conn.SendBatch(ctx, b)

	assert.Equal(t, []string{
		"/*pga_context={\"k\":\"v\"}*/\nSELECT 1",
		"/*pga_context={\"k\":\"v\"}*/\nSELECT 2",
	}, rec.sql)
}

func TestConn_EncodingFailureSendsNothing(t *testing.T) {
	rec := &recorder{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	conn := Wrap(rec, WithMetrics(metrics))

	ctx, release := Enter(context.Background(), MustNew("bad", make(chan int)))
	defer release()

	_, err := conn.Exec(ctx, "SELECT 1")
	require.Error(t, err)
	_, err = conn.Query(ctx, "SELECT 1")
	require.Error(t, err)
	require.Error(t, conn.QueryRow(ctx, "SELECT 1").Scan())

	b := &pgx.Batch{}
	b.Queue("SELECT 1")
	br := conn.SendBatch(ctx, b)
	_, err = br.Exec()
	require.Error(t, err)
	require.Error(t, br.Close())

	assert.Empty(t, rec.sql)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.TagErrorsTotal))
}

// flaky encodes once and fails on every later attempt.
type flaky struct{ calls *int }

func (f flaky) MarshalJSON() ([]byte, error) {
	*f.calls++
	if *f.calls > 1 {
		return nil, errors.New("encoder gone")
	}
	return []byte(`"ok"`), nil
}

func TestConn_SendBatchLeavesBatchUntouchedOnFailure(t *testing.T) {
	rec := &recorder{}
	conn := Wrap(rec)

	ctx, release := Enter(context.Background(), MustNew("v", flaky{calls: new(int)}))
	defer release()

	b := &pgx.Batch{}
	b.Queue("SELECT 1")
	b.Queue("SELECT 2")
	br := conn.SendBatch(ctx, b)
	require.ErrorContains(t, br.Close(), "encoder gone")

	assert.Empty(t, rec.sql)
	assert.Equal(t, "SELECT 1", b.QueuedQueries[0].SQL)
	assert.Equal(t, "SELECT 2", b.QueuedQueries[1].SQL)
}

func TestConn_WithTraceContext(t *testing.T) {
	rec := &recorder{}
	conn := Wrap(rec, WithTraceContext())

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx, release := Enter(ctx, MustNew("job", "x"))
	defer release()

	_, err := conn.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rec.sql, 1)
	assert.Equal(t,
		"/*pga_context={\"job\":\"x\",\"traceparent\":\"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01\"}*/\nSELECT 1",
		rec.sql[0])

	// Without a span nothing is added.
	plain, release2 := Enter(context.Background(), MustNew("job", "y"))
	defer release2()
	_, err = conn.Exec(plain, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "/*pga_context={\"job\":\"y\"}*/\nSELECT 1", rec.sql[1])
}
