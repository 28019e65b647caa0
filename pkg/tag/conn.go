package tag

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/propagation"

	"github.com/justjake/pgactivity/pkg/observability"
)

// Querier is the statement-execution surface shared by *pgx.Conn,
// *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Conn is a Querier that tags every statement with the metadata of the
// scope open on the statement's context. Statements issued without an open
// scope pass through untouched.
type Conn struct {
	q            Querier
	metrics      *observability.Metrics
	traceContext bool
}

// Ensure conformance
var _ Querier = &Conn{}

// Option configures a Conn.
type Option func(*Conn)

// WithMetrics records tagging outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithTraceContext adds the W3C traceparent of the current OpenTelemetry
// span to the metadata of every tagged statement, under the key
// "traceparent".
func WithTraceContext() Option {
	return func(c *Conn) { c.traceContext = true }
}

// Wrap returns a tagging Conn around q.
func Wrap(q Querier, opts ...Option) *Conn {
	c := &Conn{q: q}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unwrap returns the underlying Querier.
func (c *Conn) Unwrap() Querier {
	return c.q
}

// rewrite tags sql for ctx. Errors come only from encoding the metadata and
// are returned before anything is sent to the server.
func (c *Conn) rewrite(ctx context.Context, sql string) (string, error) {
	md := FromContext(ctx)
	if md == nil {
		return sql, nil
	}
	if c.traceContext {
		carrier := propagation.MapCarrier{}
		propagation.TraceContext{}.Inject(ctx, carrier)
		if tp := carrier.Get("traceparent"); tp != "" {
			md.Set("traceparent", tp)
		}
	}
	tagged, err := Tag(md, sql)
	c.metrics.RecordTagged(err == nil)
	return tagged, err
}

func (c *Conn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	sql, err := c.rewrite(ctx, sql)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.q.Exec(ctx, sql, arguments...)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	sql, err := c.rewrite(ctx, sql)
	if err != nil {
		return nil, err
	}
	return c.q.Query(ctx, sql, args...)
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	sql, err := c.rewrite(ctx, sql)
	if err != nil {
		return errRow{err: err}
	}
	return c.q.QueryRow(ctx, sql, args...)
}

// SendBatch tags each queued statement in place before sending the batch.
// If any statement cannot be tagged, b is left as it was.
func (c *Conn) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	tagged := make([]string, len(b.QueuedQueries))
	for i, qq := range b.QueuedQueries {
		sql, err := c.rewrite(ctx, qq.SQL)
		if err != nil {
			return errBatchResults{err: err}
		}
		tagged[i] = sql
	}
	for i, qq := range b.QueuedQueries {
		qq.SQL = tagged[i]
	}
	return c.q.SendBatch(ctx, b)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }

type errBatchResults struct {
	err error
}

func (r errBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, r.err }
func (r errBatchResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r errBatchResults) QueryRow() pgx.Row                { return errRow{err: r.err} }
func (r errBatchResults) Close() error                     { return r.err }
