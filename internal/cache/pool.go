package cache

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PoolConfig holds the parameters for opening a SQLite connection pool.
type PoolConfig struct {
	// Path is the database file. Use a file path even in tests: every
	// ":memory:" connection would get its own empty database.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// OnConnect runs once per connection after the standard pragmas.
	OnConnect func(conn *sqlite.Conn) error
}

// pool is a fixed-size pool of SQLite connections in WAL mode.
type pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

func openPool(cfg PoolConfig, logger *zap.Logger) (*pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache pool: path is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache pool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		zap.String("path", cfg.Path),
		zap.Int("pool_size", poolSize))

	return &pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// take borrows a connection; the caller must put it back.
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache pool: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("cache pool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", zap.String("path", p.path))
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cache pool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("cache pool: OnConnect: %w", err)
		}
	}
	return nil
}
