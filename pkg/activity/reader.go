// Package activity lists the backends of a PostgreSQL database from
// pg_stat_activity, recovering the context comment each statement was
// tagged with and filtering on it.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/pgactivity/pkg/observability"
	"github.com/justjake/pgactivity/pkg/pgwire"
	"github.com/justjake/pgactivity/pkg/tag"
)

// Querier runs a statement that returns rows. *pgx.Conn, *pgxpool.Pool and
// *tag.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pg_input_is_valid first shipped in PostgreSQL 16.
const inputIsValidVersion = 160000

// ListOptions selects the records List returns.
type ListOptions struct {
	// Filters are combined with AND.
	Filters []Filter
	// Pids restricts the listing to these backends. When set, Limit is
	// ignored.
	Pids []int32
	// Limit caps the number of records. 0 means no limit.
	Limit int
	// IncludeSelf lists the backend the reader queries through.
	IncludeSelf bool
}

// Reader lists pg_stat_activity.
type Reader struct {
	q       Querier
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	versionOnce sync.Once
	version     int
	versionErr  error
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) { r.logger = logger }
}

// WithMetrics records listings in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// WithTracer sets the tracer spans are started with.
func WithTracer(t trace.Tracer) Option {
	return func(r *Reader) { r.tracer = t }
}

// WithServerVersion fixes the server_version_num the reader assumes
// instead of asking the server.
func WithServerVersion(num int) Option {
	return func(r *Reader) {
		r.versionOnce.Do(func() { r.version = num })
	}
}

// NewReader returns a Reader that queries through q.
func NewReader(q Querier, opts ...Option) *Reader {
	r := &Reader{q: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServerVersion returns the server_version_num of the server, read once.
// A connection's startup parameters are used when q exposes them, so no
// extra round trip is needed.
func (r *Reader) ServerVersion(ctx context.Context) (int, error) {
	r.versionOnce.Do(func() {
		if c, ok := r.q.(interface{ PgConn() *pgconn.PgConn }); ok {
			if v, err := parseServerVersion(c.PgConn().ParameterStatus("server_version")); err == nil {
				r.version = v
				return
			}
		}
		err := r.q.QueryRow(ctx, "SELECT current_setting('server_version_num')::int").Scan(&r.version)
		if err != nil {
			r.versionErr = fmt.Errorf("read server version: %w", err)
		}
	})
	return r.version, r.versionErr
}

// parseServerVersion turns a server_version parameter ("16.4",
// "9.6.24", "17beta1 (Debian ...)") into the server_version_num form.
func parseServerVersion(s string) (int, error) {
	s, _, _ = strings.Cut(s, " ")
	end := 0
	for end < len(s) && (s[end] == '.' || s[end] >= '0' && s[end] <= '9') {
		end++
	}
	parts := strings.Split(strings.Trim(s[:end], "."), ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: server version %q", pgwire.ErrInvalidArgument, s)
	}
	nums := make([]int, 3)
	nums[0] = major
	for i := 1; i < len(parts) && i < 3; i++ {
		nums[i], _ = strconv.Atoi(parts[i])
	}
	if major >= 10 {
		return major*10000 + nums[1], nil
	}
	return major*10000 + nums[1]*100 + nums[2], nil
}

// List returns the records matching opts, longest running first.
func (r *Reader) List(ctx context.Context, opts ListOptions) (records []Record, err error) {
	start := time.Now()
	decodeFailures := 0

	ctx, span := observability.StartSpan(ctx, r.tracer, "list",
		attribute.Int(observability.AttrPidCount, len(opts.Pids)),
		attribute.Int(observability.AttrFilterCount, len(opts.Filters)))
	defer func() {
		span.SetAttributes(
			attribute.Int(observability.AttrRowCount, len(records)),
			attribute.Int(observability.AttrDecodeErrors, decodeFailures))
		observability.EndSpan(span, err)
		r.metrics.RecordActivityList(time.Since(start).Seconds(), len(records), decodeFailures, err == nil)
	}()

	version, err := r.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}
	q, err := buildQuery(opts, version)
	if err != nil {
		return nil, err
	}

	rows, err := r.q.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByPos[activityRow])
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}

	records = make([]Record, 0, len(scanned))
	for _, row := range scanned {
		rec := row.record()
		if row.ContextRaw != nil {
			c, err := tag.Decode(*row.ContextRaw)
			if err != nil {
				decodeFailures++
				rec.ContextDecodeFailed = true
				r.logger.Debug("context comment not decoded", "pid", row.Pid, "error", err)
			} else {
				rec.Context = c
			}
		}
		if q.local != nil && !q.local.match(&rec) {
			continue
		}
		records = append(records, rec)
		if q.local != nil && q.limit > 0 && len(records) == q.limit {
			break
		}
	}
	return records, nil
}

// activityRow is the shape of one result row of the listing query.
type activityRow struct {
	Pid             int32
	Start           *time.Time
	Duration        pgtype.Interval
	ContextRaw      *string
	Query           *string
	State           *string
	XactStart       *time.Time
	BackendStart    *time.Time
	StateChange     *time.Time
	WaitEventType   *string
	WaitEvent       *string
	BackendType     *string
	ApplicationName *string
	User            *string
	Database        *string
	ClientAddr      *string
	ClientHostname  *string
	ClientPort      *int32
	BackendXid      *string
	BackendXmin     *string
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intervalDuration(iv pgtype.Interval) *time.Duration {
	if !iv.Valid {
		return nil
	}
	d := time.Duration(iv.Microseconds)*time.Microsecond +
		time.Duration(iv.Days)*24*time.Hour +
		time.Duration(iv.Months)*30*24*time.Hour
	return &d
}

func (row activityRow) record() Record {
	return Record{
		Pid:             row.Pid,
		Start:           row.Start,
		Duration:        intervalDuration(row.Duration),
		Query:           str(row.Query),
		State:           str(row.State),
		XactStart:       row.XactStart,
		BackendStart:    row.BackendStart,
		StateChange:     row.StateChange,
		WaitEventType:   str(row.WaitEventType),
		WaitEvent:       str(row.WaitEvent),
		BackendType:     str(row.BackendType),
		ApplicationName: str(row.ApplicationName),
		User:            str(row.User),
		Database:        str(row.Database),
		ClientAddr:      str(row.ClientAddr),
		ClientHostname:  str(row.ClientHostname),
		ClientPort:      row.ClientPort,
		BackendXid:      str(row.BackendXid),
		BackendXmin:     str(row.BackendXmin),
	}
}

const rawCTE = `_pgactivity_raw AS (
  SELECT
    pid,
    query_start,
    NOW() - query_start AS duration,
    (regexp_match(query, '` + tag.CommentPattern + `'))[1] AS context_raw,
    regexp_replace(query, '` + tag.CommentPattern + `\n?', '') AS query,
    ` + "%s" + ` AS state,
    xact_start,
    backend_start,
    state_change,
    ` + "%s" + ` AS wait_event_type,
    ` + "%s" + ` AS wait_event,
    backend_type,
    application_name,
    usename::text AS usename,
    datname::text AS datname,
    host(client_addr) AS client_addr,
    client_hostname,
    client_port,
    backend_xid::text AS backend_xid,
    backend_xmin::text AS backend_xmin
  FROM pg_stat_activity
  WHERE %s
)`

const selectList = `pid, query_start, duration, context_raw, query, state, xact_start,
  backend_start, state_change, wait_event_type, wait_event, backend_type,
  application_name, usename, datname, client_addr, client_hostname,
  client_port, backend_xid, backend_xmin`

// contextSQL is the jsonb form of the context comment that filters see.
// Before PostgreSQL 16 a corrupt comment cannot be detected in SQL and the
// cast would abort the whole listing, so the column stays NULL there and
// context filters run on the decoded records instead.
func contextSQL(version int) string {
	if version >= inputIsValidVersion {
		return "CASE WHEN pg_input_is_valid(context_raw, 'jsonb') THEN context_raw::jsonb END"
	}
	return "NULL::jsonb"
}

// query is a compiled listing. local holds the filters List evaluates
// itself; when it is non-nil the LIMIT is applied after them too.
type query struct {
	sql   string
	args  []any
	local *contextMatcher
	limit int
}

func buildQuery(opts ListOptions, version int) (query, error) {
	where := []string{"datname = current_database()"}
	if !opts.IncludeSelf {
		where = append(where, "pid <> pg_backend_pid()")
	}
	if len(opts.Pids) > 0 {
		ids := make([]string, len(opts.Pids))
		for i, pid := range opts.Pids {
			if pid <= 0 {
				return query{}, fmt.Errorf("%w: pid %d", pgwire.ErrInvalidArgument, pid)
			}
			ids[i] = strconv.FormatInt(int64(pid), 10)
		}
		where = append(where, "pid IN ("+strings.Join(ids, ", ")+")")
	}
	if opts.Limit < 0 {
		return query{}, fmt.Errorf("%w: limit %d", pgwire.ErrInvalidArgument, opts.Limit)
	}

	var a args
	var conds []string
	var local []Filter
	var errs []error
	for _, f := range opts.Filters {
		if version < inputIsValidVersion && columns[f.Field].kind == kindJSON {
			// Compiled only to reject what the server would.
			if _, err := f.compile(&args{}); err != nil {
				errs = append(errs, err)
			}
			local = append(local, f)
			continue
		}
		expr, err := f.compile(&a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conds = append(conds, expr)
	}
	if err := errors.Join(errs...); err != nil {
		return query{}, err
	}

	q := query{}
	if len(opts.Pids) == 0 {
		q.limit = opts.Limit
	}
	if len(local) > 0 {
		m, err := newContextMatcher(local)
		if err != nil {
			return query{}, err
		}
		q.local = m
	}

	var b strings.Builder
	b.WriteString("WITH ")
	fmt.Fprintf(&b, rawCTE,
		stateSQL("state"), waitEventSQL("wait_event_type"), waitEventSQL("wait_event"),
		strings.Join(where, " AND "))
	b.WriteString(",\n_pgactivity_activity AS (\n  SELECT *, ")
	b.WriteString(contextSQL(version))
	b.WriteString(" AS context FROM _pgactivity_raw\n)\nSELECT ")
	b.WriteString(selectList)
	b.WriteString("\nFROM _pgactivity_activity")
	if len(conds) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(conds, "\n  AND "))
	}
	b.WriteString("\nORDER BY duration DESC NULLS LAST")
	if q.local == nil && q.limit > 0 {
		b.WriteString("\nLIMIT " + strconv.Itoa(q.limit))
	}
	q.sql, q.args = b.String(), a
	return q, nil
}
