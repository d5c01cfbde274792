package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ej-import/internal/config"
	"ej-import/internal/dialect"
)

// Runtime bundles the shared resources one run needs: the bounded connection
// pool, the dialect for the target engine, and resolved configuration. It is
// constructed once in the command layer and passed down explicitly.
type Runtime struct {
	DB      *sql.DB
	Dialect dialect.Dialect
	Config  *config.Config
	Log     *zap.Logger
}

// NewRuntime opens the target database and applies the pool bounds. The
// database/sql pool enforces size+overflow as the hard connection cap;
// acquisition beyond that blocks until Acquire's timeout expires.
func NewRuntime(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	db, err := sql.Open(cfg.Target.Driver, cfg.Target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open target db: %w", err)
	}
	db.SetMaxOpenConns(cfg.Pool.Size + cfg.Pool.Overflow)
	db.SetMaxIdleConns(cfg.Pool.Size)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to target db: %w", err)
	}

	return &Runtime{
		DB:      db,
		Dialect: dialect.GetDialect(cfg.Target.Driver),
		Config:  cfg,
		Log:     log,
	}, nil
}

// Acquire checks a dedicated connection out of the pool, blocking up to the
// configured pool timeout. Exhaustion surfaces as ErrPoolExhausted so the
// orchestrator can fail the entry without failing the run.
func (r *Runtime) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, r.Config.Pool.Timeout)
	defer cancel()
	conn, err := r.DB.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, r.Config.Pool.Timeout)
		}
		return nil, err
	}
	return conn, nil
}

// Close releases the pool.
func (r *Runtime) Close() error {
	return r.DB.Close()
}
