package engine

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ej-import/internal/checkpoint"
	"ej-import/internal/config"
	"ej-import/internal/dialect"
	"ej-import/internal/manifest"
	"ej-import/internal/sqlgate"
)

// DBTX is the subset of database/sql the executor needs; satisfied by *sql.DB
// and *sql.Conn.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Executor performs one manifest entry's drop, load and verify cycle without
// holding unbounded memory. State machine per entry:
//
//	NOT_STARTED -> DROPPING -> LOADING -> VERIFYING -> {DONE | FATAL}
type Executor struct {
	db      DBTX
	dialect dialect.Dialect
	store   *checkpoint.Store
	cfg     *config.Config
	log     *zap.Logger

	// RetryBase seeds the exponential backoff between transient-error retries.
	RetryBase time.Duration
}

// Result is the terminal outcome of one entry.
type Result struct {
	Outcome    Outcome
	RowsCopied int64
	Err        error
}

func NewExecutor(db DBTX, d dialect.Dialect, store *checkpoint.Store, cfg *config.Config, log *zap.Logger) *Executor {
	return &Executor{
		db:        db,
		dialect:   d,
		store:     store,
		cfg:       cfg,
		log:       log,
		RetryBase: 500 * time.Millisecond,
	}
}

// Run drives one entry through the state machine. The checkpoint record for
// fp must already be IN_PROGRESS (the orchestrator calls Begin first).
func (x *Executor) Run(ctx context.Context, entry *manifest.Entry, fp string) Result {
	target, err := sqlgate.QualifiedTable(x.cfg.Target.Database, entry.SchemaName, entry.TableName)
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: err}
	}

	// DROPPING. The generated SQL carries its own IF EXISTS semantics. A CSV
	// load with a committed offset resumes into the existing table instead;
	// dropping here would destroy the batches the prior attempt committed.
	resumeOffset := int64(0)
	if entry.DataFile != "" {
		resumeOffset = x.store.Offset(fp)
	}
	if resumeOffset > 0 {
		x.log.Info("resuming csv load, keeping target table",
			zap.String("table", entry.Key()), zap.Int64("committed_offset", resumeOffset))
	} else {
		x.log.Info("dropping target table", zap.String("table", entry.Key()), zap.Int("row_id", entry.RowID))
		if err := x.execWithRetry(ctx, entry.DropStatement); err != nil {
			return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("drop failed for %s: %w", entry.Key(), err)}
		}
		// The table is empty now; a stale offset no longer describes it.
		if x.store.Offset(fp) > 0 {
			if err := x.store.SetOffset(fp, 0); err != nil {
				return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("failed to reset offset for %s: %w", entry.Key(), err)}
			}
		}
	}

	// LOADING.
	x.log.Info("loading target table", zap.String("table", entry.Key()), zap.Int("row_id", entry.RowID))
	if entry.DataFile != "" {
		if _, err := x.loadFromCSV(ctx, entry, fp, target); err != nil {
			return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("csv load failed for %s: %w", entry.Key(), err)}
		}
	} else {
		if err := x.execWithRetry(ctx, entry.LoadStatement()); err != nil {
			return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("load failed for %s: %w", entry.Key(), err)}
		}
	}

	// VERIFYING.
	copied, err := x.countRows(ctx, target)
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("verification count failed for %s: %w", entry.Key(), err)}
	}

	expected := entry.ScopeRowCount
	if copied < expected {
		// One re-verify covers the transient lock/timeout case where the
		// count ran before the load fully settled.
		time.Sleep(x.RetryBase)
		copied, err = x.countRows(ctx, target)
		if err != nil {
			return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("verification recount failed for %s: %w", entry.Key(), err)}
		}
	}

	switch {
	case copied == expected:
		return Result{Outcome: OutcomeDone, RowsCopied: copied}
	case copied > expected:
		// More rows than the scoping joins allow is a join defect; never
		// auto-corrected regardless of strictness.
		return Result{Outcome: OutcomeFatal, RowsCopied: copied,
			Err: fmt.Errorf("%w for %s: copied %d, expected %d (over-count)", ErrRowCountMismatch, entry.Key(), copied, expected)}
	case x.cfg.StrictRowCount:
		return Result{Outcome: OutcomeFatal, RowsCopied: copied,
			Err: fmt.Errorf("%w for %s: copied %d, expected %d", ErrRowCountMismatch, entry.Key(), copied, expected)}
	default:
		x.log.Warn("row count mismatch tolerated (strict mode off)",
			zap.String("table", entry.Key()),
			zap.Int64("copied", copied),
			zap.Int64("expected", expected))
		return Result{Outcome: OutcomeDone, RowsCopied: copied}
	}
}

// execWithRetry executes one statement under the SQL timeout, retrying
// transient failures with exponential backoff up to the configured cap.
func (x *Executor) execWithRetry(ctx context.Context, sqlText string) error {
	op := func() error {
		stmtCtx, cancel := context.WithTimeout(ctx, x.cfg.SQLTimeout)
		defer cancel()
		_, err := x.db.ExecContext(stmtCtx, sqlText)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		x.log.Warn("transient database error, will retry", zap.Error(err))
		return err
	}
	return backoff.Retry(op, x.newBackOff(ctx))
}

func (x *Executor) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.RetryBase
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(x.cfg.MaxRetries-1)), ctx)
}

func (x *Executor) countRows(ctx context.Context, table string) (int64, error) {
	var n int64
	op := func() error {
		stmtCtx, cancel := context.WithTimeout(ctx, x.cfg.SQLTimeout)
		defer cancel()
		err := x.db.QueryRowContext(stmtCtx, x.dialect.CountQuery(table)).Scan(&n)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, x.newBackOff(ctx)); err != nil {
		return 0, err
	}
	return n, nil
}

// loadFromCSV streams the entry's data file into the target table in
// chunk-sized batches. Each batch is one transaction; the committed offset is
// checkpointed after every commit so a retried entry resumes at the last
// committed batch instead of restarting the table.
func (x *Executor) loadFromCSV(ctx context.Context, entry *manifest.Entry, fp, target string) (int64, error) {
	f, err := os.Open(filepath.Join(x.cfg.CSVDir, entry.DataFile))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = '|'
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read data file header: %w", err)
	}
	for _, col := range header {
		if err := sqlgate.ValidateIdentifier(col); err != nil {
			return 0, err
		}
	}
	insertSQL := x.dialect.InsertQuery(target, header)

	offset := x.store.Offset(fp)
	for skipped := int64(0); skipped < offset; skipped++ {
		if _, err := cr.Read(); err != nil {
			return 0, fmt.Errorf("failed to seek past committed offset %d: %w", offset, err)
		}
	}

	total := offset
	for {
		// Cancellation is observed between batches only; an in-flight batch
		// commits or rolls back normally.
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := readBatch(cr, len(header), x.cfg.ChunkSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		if err := x.insertBatch(ctx, insertSQL, batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
		if err := x.store.SetOffset(fp, total); err != nil {
			return total, err
		}
	}
	return total, nil
}

func readBatch(cr *csv.Reader, width, size int) ([][]any, error) {
	batch := make([][]any, 0, size)
	for len(batch) < size {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]any, width)
		for i := 0; i < width && i < len(rec); i++ {
			row[i] = rec[i]
		}
		batch = append(batch, row)
	}
	return batch, nil
}

// insertBatch writes one batch in a single transaction, retrying the whole
// batch on transient failure. A failed batch rolls back alone; previously
// committed batches stay committed.
func (x *Executor) insertBatch(ctx context.Context, insertSQL string, batch [][]any) error {
	op := func() error {
		batchCtx, cancel := context.WithTimeout(ctx, x.cfg.SQLTimeout)
		defer cancel()

		tx, err := x.db.BeginTx(batchCtx, nil)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		for _, row := range batch {
			if _, err := tx.ExecContext(batchCtx, insertSQL, row...); err != nil {
				tx.Rollback()
				if IsTransient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
		}
		if err := tx.Commit(); err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(op, x.newBackOff(ctx))
}
