// Package backend signals PostgreSQL backends by process id and opens the
// connection pools pgactivity talks to them through.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/pgactivity/pkg/observability"
	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Querier runs a statement that returns rows. *pgx.Conn, *pgxpool.Pool and
// *tag.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Method is the signal sent to a backend.
type Method string

const (
	// MethodCancel stops the backend's current statement (pg_cancel_backend).
	MethodCancel Method = "cancel"
	// MethodTerminate ends the backend's session (pg_terminate_backend).
	MethodTerminate Method = "terminate"
)

// Cancel asks each backend in pids to cancel its running statement and
// returns the pids the signal was delivered to. Pids that no longer belong
// to a live backend are left out of the result; that is not an error.
func Cancel(ctx context.Context, q Querier, pids ...int32) ([]int32, error) {
	return signal(ctx, q, MethodCancel, pids)
}

// Terminate ends the session of each backend in pids and returns the pids
// the signal was delivered to. See Cancel.
func Terminate(ctx context.Context, q Querier, pids ...int32) ([]int32, error) {
	return signal(ctx, q, MethodTerminate, pids)
}

// Pid returns the process id of the backend serving q. For a pool this is
// whichever connection ran the query.
func Pid(ctx context.Context, q Querier) (int32, error) {
	var pid int32
	if err := q.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&pid); err != nil {
		return 0, fmt.Errorf("pg_backend_pid: %w", err)
	}
	return pid, nil
}

// uniquePids drops duplicates, keeping first occurrences in order.
func uniquePids(pids []int32) ([]int32, error) {
	seen := make(map[int32]struct{}, len(pids))
	out := make([]int32, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 {
			return nil, fmt.Errorf("%w: pid %d", pgwire.ErrInvalidArgument, pid)
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out, nil
}

func pidList(pids []int32) string {
	var b strings.Builder
	for i, pid := range pids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(int64(pid), 10))
	}
	return b.String()
}

// signalSQL evaluates the signal function in a subquery so it only ever
// sees rows already restricted to pids.
func signalSQL(m Method, pids []int32) string {
	return "SELECT pid FROM (SELECT pid, pg_" + string(m) + "_backend(pid) AS delivered " +
		"FROM pg_stat_activity WHERE pid IN (" + pidList(pids) + ")) s WHERE delivered"
}

func signal(ctx context.Context, q Querier, m Method, pids []int32) ([]int32, error) {
	pids, err := uniquePids(pids)
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 {
		return []int32{}, nil
	}

	rows, err := q.Query(ctx, signalSQL(m, pids))
	if err != nil {
		return nil, fmt.Errorf("%s backends: %w", m, err)
	}
	delivered, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("%s backends: %w", m, err)
	}
	if delivered == nil {
		delivered = []int32{}
	}
	return delivered, nil
}

// Controller signals backends with logging, metrics and tracing.
type Controller struct {
	q       Querier
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics records signal outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer sets the tracer spans are started with. Default: the global
// tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// NewController returns a Controller that signals through q.
func NewController(q Querier, opts ...Option) *Controller {
	c := &Controller{q: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel is Cancel with instrumentation.
func (c *Controller) Cancel(ctx context.Context, pids ...int32) ([]int32, error) {
	return c.do(ctx, MethodCancel, pids)
}

// Terminate is Terminate with instrumentation.
func (c *Controller) Terminate(ctx context.Context, pids ...int32) ([]int32, error) {
	return c.do(ctx, MethodTerminate, pids)
}

// Pid returns the process id of the backend serving the controller's querier.
func (c *Controller) Pid(ctx context.Context) (int32, error) {
	return Pid(ctx, c.q)
}

func (c *Controller) do(ctx context.Context, m Method, pids []int32) (delivered []int32, err error) {
	ctx, span := observability.StartSpan(ctx, c.tracer, string(m),
		attribute.Int(observability.AttrPidCount, len(pids)))
	defer func() {
		span.SetAttributes(attribute.Int(observability.AttrDelivered, len(delivered)))
		observability.EndSpan(span, err)
	}()

	pids, err = uniquePids(pids)
	if err != nil {
		return nil, err
	}
	delivered, err = signal(ctx, c.q, m, pids)
	c.metrics.RecordBackendSignals(string(m), len(pids), len(delivered), err)
	if err != nil {
		c.logger.Error("backend signal failed", "method", m, "pids", pids, "error", err)
		return nil, err
	}

	if lost := len(pids) - len(delivered); lost > 0 {
		c.logger.Debug("backend signal not delivered to every pid",
			"method", m, "requested", len(pids), "delivered", len(delivered), "reason", pgwire.ErrTargetLost)
	}
	c.logger.Info("backend signal sent", "method", m, "pids", delivered)
	return delivered, nil
}
