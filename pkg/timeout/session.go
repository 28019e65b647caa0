// Package timeout applies nested statement_timeout scopes to a PostgreSQL
// session.
//
// statement_timeout is a server setting, not a client deadline. A Session
// records, for one connection, the stack of values applied by nested scopes
// and puts the previous value back when each scope ends. Inside a
// transaction the value is applied with SET LOCAL so it never outlives the
// transaction. When the transaction has failed, the server rejects every
// statement until rollback, so the restore is skipped and logged instead:
// the rollback itself discards the value.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/justjake/pgactivity/pkg/observability"
	"github.com/justjake/pgactivity/pkg/pgwire"
)

// ErrOutOfOrder is returned when a Guard is released while a scope entered
// after it is still open.
var ErrOutOfOrder = fmt.Errorf("%w: timeout scopes must be released in reverse order of entry", pgwire.ErrInvalidArgument)

// Conn is a single database session. *pgx.Conn and *pgxpool.Conn satisfy
// it; a pool does not, because statement_timeout belongs to one backend.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	PgConn() *pgconn.PgConn
}

type frame struct {
	value int64 // milliseconds, 0 = no limit
	local bool  // applied with SET LOCAL
	// ended is set on a local frame once its transaction is seen to have
	// finished; the server has dropped its value.
	ended bool
}

// Session tracks the statement_timeout scopes open on one connection.
type Session struct {
	conn    Conn
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	frames []*frame
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for skipped-restore warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics records scope outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession returns a Session for conn with no scopes open.
func NewSession(conn Conn, opts ...Option) *Session {
	s := &Session{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Depth returns the number of open scopes.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Current returns the timeout applied by the innermost open scope. ok is
// false when no scope is open.
func (s *Session) Current() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0, false
	}
	return time.Duration(s.frames[len(s.frames)-1].value) * time.Millisecond, true
}

func setSQL(ms int64, local bool) string {
	if local {
		return "SET LOCAL statement_timeout = " + strconv.FormatInt(ms, 10)
	}
	return "SET statement_timeout = " + strconv.FormatInt(ms, 10)
}

func resetSQL(local bool) string {
	if local {
		return "SET LOCAL statement_timeout TO DEFAULT"
	}
	return "RESET statement_timeout"
}

// Enter applies d as the statement timeout and returns a Guard that puts
// the previous value back. d must be Infinite or at least one millisecond.
// Every successful Enter must be paired with Guard.Release, typically with
// defer; Do does the pairing for you.
func (s *Session) Enter(ctx context.Context, d time.Duration) (*Guard, error) {
	ms, err := Milliseconds(d)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := pgwire.TxStatusOf(s.conn.PgConn())
	s.pruneLocal(status)
	f := &frame{
		value: ms,
		local: status.InTransaction(),
	}

	if _, err := s.conn.Exec(ctx, setSQL(ms, f.local)); err != nil {
		s.metrics.RecordTimeoutScope(false)
		return nil, fmt.Errorf("set statement_timeout: %w", err)
	}
	s.frames = append(s.frames, f)
	s.metrics.RecordTimeoutScope(true)

	return &Guard{s: s, f: f}, nil
}

// pruneLocal marks every SET LOCAL frame as ended when the connection is
// outside a transaction. A transaction that ended and a new one that began
// between two calls on the Session cannot be told apart from one long
// transaction; restoring a stale value then only lasts until the new
// transaction ends.
func (s *Session) pruneLocal(status pgwire.TxStatus) {
	if status.InTransaction() {
		return
	}
	for _, f := range s.frames {
		if f.local {
			f.ended = true
		}
	}
}

// effective returns the innermost frame whose value is still applied on
// the server, or nil when the server default is in effect.
func (s *Session) effective() *frame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if !s.frames[i].ended {
			return s.frames[i]
		}
	}
	return nil
}

// Do runs fn inside a timeout scope of d. The scope is released on every
// exit path, including a panic in fn; a release error is joined to fn's.
func (s *Session) Do(ctx context.Context, d time.Duration, fn func(context.Context) error) (err error) {
	g, err := s.Enter(ctx, d)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, g.Release(ctx))
	}()
	return fn(ctx)
}

// Guard ends one timeout scope.
type Guard struct {
	s        *Session
	f        *frame
	released bool
	skipped  bool
}

// Release closes the scope and restores the value that was in effect when
// it was entered. It runs even if ctx is already canceled. Releasing twice
// is a no-op.
//
// If the connection is inside a failed transaction, no SQL is sent, a
// warning is logged and Skipped reports true; the setting then stays until
// the transaction or savepoint is rolled back. If the scope was applied
// inside a transaction that has since ended, the server already dropped
// the value and nothing is sent either. The value restored is that of the
// innermost enclosing scope still in effect on the server: SET LOCAL
// scopes whose transaction ended are passed over, and RESET is sent when
// none is left.
func (g *Guard) Release(ctx context.Context) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.released {
		return nil
	}
	if n := len(s.frames); n == 0 || s.frames[n-1] != g.f {
		return ErrOutOfOrder
	}
	s.frames = s.frames[:len(s.frames)-1]
	g.released = true

	status := pgwire.TxStatusOf(s.conn.PgConn())
	s.pruneLocal(status)
	if g.f.local {
		g.f.ended = g.f.ended || !status.InTransaction()
	}
	prev := s.effective()
	if status.Failed() {
		g.skipped = true
		s.metrics.RecordTimeoutRestoreSkipped()
		s.logger.Warn("statement_timeout restore skipped; value stays until the transaction ends",
			"current", formatMillis(g.f.value),
			"restore", restoreLabel(prev),
			"error", pgwire.ErrTransactionErrored)
		return nil
	}
	if g.f.ended {
		return nil
	}

	local := g.f.local
	sql := resetSQL(local)
	if prev != nil {
		sql = setSQL(prev.value, local)
	}
	if _, err := s.conn.Exec(context.WithoutCancel(ctx), sql); err != nil {
		return fmt.Errorf("restore statement_timeout: %w", err)
	}
	return nil
}

// Skipped reports whether Release left the value in place because the
// transaction had failed.
func (g *Guard) Skipped() bool {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.skipped
}

func restoreLabel(prev *frame) string {
	if prev == nil {
		return "default"
	}
	return formatMillis(prev.value)
}

type sessionKey struct{}

// NewContext returns a context carrying s, so helpers deep in a call chain
// can nest scopes on the caller's session.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the Session carried by ctx, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
