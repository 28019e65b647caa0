package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justjake/pgactivity/pkg/config"
	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Database is a connection pool to one configured PostgreSQL database.
type Database struct {
	name   string
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Connections currently open, tracked via pool callbacks.
	dbConns atomic.Int32
}

// Open builds a pool for cfg, resolving credentials through secrets.
// Connections are made lazily; call Ping to check reachability.
func Open(ctx context.Context, name string, cfg config.DatabaseConfig, secrets *config.SecretCache, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := cfg.PoolConfig(ctx, secrets)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", name, err)
	}

	db := &Database{
		name:   name,
		logger: logger.With("database", name),
	}
	db.installConnectionCallbacks(poolCfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database %q: failed to create pool: %w", name, err)
	}
	db.pool = pool
	return db, nil
}

// installConnectionCallbacks sets up AfterConnect and BeforeClose callbacks
// to track actual database connections, and logs server notices.
func (d *Database) installConnectionCallbacks(cfg *pgxpool.Config) {
	existingOnNotice := cfg.ConnConfig.OnNotice
	cfg.ConnConfig.OnNotice = func(pc *pgconn.PgConn, n *pgconn.Notice) {
		d.logNotice(pc.PID(), n)
		if existingOnNotice != nil {
			existingOnNotice(pc, n)
		}
	}

	existingAfterConnect := cfg.AfterConnect
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if existingAfterConnect != nil {
			if err := existingAfterConnect(ctx, conn); err != nil {
				return err
			}
		}
		n := d.dbConns.Add(1)
		d.logger.Debug("connected", "pid", conn.PgConn().PID(), "open_conns", n)
		return nil
	}

	existingBeforeClose := cfg.BeforeClose
	cfg.BeforeClose = func(conn *pgx.Conn) {
		n := d.dbConns.Add(-1)
		d.logger.Debug("closing connection", "pid", conn.PgConn().PID(), "open_conns", n)
		if existingBeforeClose != nil {
			existingBeforeClose(conn)
		}
	}
}

func (d *Database) logNotice(pid uint32, n *pgconn.Notice) {
	d.logger.Log(context.Background(), pgwire.Severity(n.Severity).Level(), "server notice",
		"pid", pid, "code", n.Code, "message", n.Message)
}

// Name returns the configured alias of the database.
func (d *Database) Name() string {
	return d.name
}

// Pool returns the underlying pool.
func (d *Database) Pool() *pgxpool.Pool {
	return d.pool
}

// Acquire returns a single connection from the pool. Use it for work that
// must stay on one backend, such as timeout scopes or reading the session's
// own pid. The caller must Release it.
func (d *Database) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("database %q: failed to acquire connection: %w", d.name, err)
	}
	return conn, nil
}

// Ping checks that a connection can be made and used.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database %q: %w", d.name, err)
	}
	return nil
}

// PoolStats contains statistics about the connection pool.
type PoolStats struct {
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	MaxConns      int32
	// DBConns counts connections opened and not yet closed, as seen by the
	// pool callbacks.
	DBConns int32
}

// Stats returns statistics about the database's connection pool.
func (d *Database) Stats() PoolStats {
	s := d.pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		MaxConns:      s.MaxConns(),
		DBConns:       d.dbConns.Load(),
	}
}

// Close closes the pool.
func (d *Database) Close() {
	d.pool.Close()
}
