package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ej-import/internal/checkpoint"
	"ej-import/internal/config"
	"ej-import/internal/dialect"
	"ej-import/internal/engine"
	"ej-import/internal/manifest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Target:     config.Target{DSN: "test", Driver: "sqlserver", Database: "TargetDB"},
		CSVDir:     t.TempDir(),
		LogDir:     t.TempDir(),
		ChunkSize:  2,
		SQLTimeout: 5 * time.Second,
		MaxRetries: 3,
		Pool:       config.Pool{Size: 1, Overflow: 0, Timeout: time.Second},
	}
}

func testStore(t *testing.T, cfg *config.Config) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(cfg.LogDir, "Justice", zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func caseEntry() *manifest.Entry {
	return &manifest.Entry{
		RowID:         1,
		DatabaseName:  "Justice",
		SchemaName:    "dbo",
		TableName:     "Case",
		RowCount:      5000,
		ScopeRowCount: 10,
		Include:       true,
		DropStatement: "DROP TABLE IF EXISTS TargetDB.dbo.Case",
		SelectInto:    "SELECT * INTO TargetDB.dbo.Case FROM Justice.dbo.Case WITH (NOLOCK)",
	}
}

func newExecutor(t *testing.T, db engine.DBTX, cfg *config.Config, store *checkpoint.Store) *engine.Executor {
	t.Helper()
	x := engine.NewExecutor(db, dialect.GetDialect("sqlserver"), store, cfg, zaptest.NewLogger(t))
	x.RetryBase = time.Millisecond
	return x
}

func beginEntry(t *testing.T, store *checkpoint.Store, entry *manifest.Entry, cfg *config.Config) string {
	t.Helper()
	fp := checkpoint.Fingerprint(entry.Key(), cfg.Target.Database, entry.DropStatement, entry.LoadStatement())
	require.NoError(t, store.Begin(fp, entry.Key()))
	return fp
}

const countCaseSQL = "SELECT COUNT(*) FROM TargetDB.dbo.Case WITH (NOLOCK)"

func TestExecutorHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.Equal(t, engine.OutcomeDone, res.Outcome)
	assert.EqualValues(t, 10, res.RowsCopied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorUnderCountStrict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	cfg.StrictRowCount = true
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 9))
	// Under-count triggers one re-verification before going fatal.
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	assert.Equal(t, engine.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrRowCountMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorUnderCountLaxIsDone(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t) // strict off by default
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.Equal(t, engine.OutcomeDone, res.Outcome)
	assert.EqualValues(t, 9, res.RowsCopied)
}

func TestExecutorOverCountAlwaysFatal(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 11))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	assert.Equal(t, engine.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrRowCountMismatch)
	assert.Contains(t, res.Err.Error(), "over-count")
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	// Two deadlocks, then success; cap is 3 attempts.
	mock.ExpectExec(entry.DropStatement).WillReturnError(errors.New("Transaction was deadlocked on lock resources"))
	mock.ExpectExec(entry.DropStatement).WillReturnError(errors.New("Transaction was deadlocked on lock resources"))
	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.Equal(t, engine.OutcomeDone, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorNonTransientNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnError(errors.New("Violation of PRIMARY KEY constraint"))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	assert.Equal(t, engine.OutcomeFatal, res.Outcome)
	assert.Contains(t, res.Err.Error(), "PRIMARY KEY")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorRetryCapExceeded(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry()
	fp := beginEntry(t, store, entry, cfg)

	for i := 0; i < cfg.MaxRetries; i++ {
		mock.ExpectExec(entry.DropStatement).WillReturnError(errors.New("lock request time out period exceeded"))
	}

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	assert.Equal(t, engine.OutcomeFatal, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorCSVLoadBatches(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t) // ChunkSize 2
	store := testStore(t, cfg)

	entry := caseEntry()
	entry.TableName = "Lob"
	entry.DropStatement = "DROP TABLE IF EXISTS TargetDB.dbo.Lob"
	entry.SelectInto = "SELECT * INTO TargetDB.dbo.Lob FROM Justice.dbo.Lob"
	entry.DataFile = "Justice_Lob_rows.csv"
	entry.ScopeRowCount = 3

	data := "ID|Body\n1|alpha\n2|beta\n3|gamma\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CSVDir, entry.DataFile), []byte(data), 0o644))

	fp := beginEntry(t, store, entry, cfg)

	insertSQL := "INSERT INTO TargetDB.dbo.Lob (ID, Body) VALUES (@p1, @p2)"
	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	// Batch 1: rows 1-2 in one transaction.
	mock.ExpectBegin()
	mock.ExpectExec(insertSQL).WithArgs("1", "alpha").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSQL).WithArgs("2", "beta").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Batch 2: row 3.
	mock.ExpectBegin()
	mock.ExpectExec(insertSQL).WithArgs("3", "gamma").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT COUNT(*) FROM TargetDB.dbo.Lob WITH (NOLOCK)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.Equal(t, engine.OutcomeDone, res.Outcome)
	assert.EqualValues(t, 3, res.RowsCopied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorCSVResumeFromOffset(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)

	entry := caseEntry()
	entry.TableName = "Lob"
	entry.DropStatement = "DROP TABLE IF EXISTS TargetDB.dbo.Lob"
	entry.SelectInto = "SELECT * INTO TargetDB.dbo.Lob FROM Justice.dbo.Lob"
	entry.DataFile = "Justice_Lob_rows.csv"
	entry.ScopeRowCount = 3

	data := "ID|Body\n1|alpha\n2|beta\n3|gamma\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CSVDir, entry.DataFile), []byte(data), 0o644))

	fp := beginEntry(t, store, entry, cfg)
	// First two rows were committed before the previous attempt died.
	require.NoError(t, store.SetOffset(fp, 2))

	// No DROP on resume: the committed batches must survive. Only the third
	// row is inserted, and the final count sees all three.
	insertSQL := "INSERT INTO TargetDB.dbo.Lob (ID, Body) VALUES (@p1, @p2)"
	mock.ExpectBegin()
	mock.ExpectExec(insertSQL).WithArgs("3", "gamma").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT COUNT(*) FROM TargetDB.dbo.Lob WITH (NOLOCK)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.Equal(t, engine.OutcomeDone, res.Outcome)
	assert.EqualValues(t, 3, res.RowsCopied)
	assert.EqualValues(t, 3, store.Offset(fp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorDropClearsStaleOffset(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	store := testStore(t, cfg)
	entry := caseEntry() // statement load, no data file
	fp := beginEntry(t, store, entry, cfg)
	require.NoError(t, store.SetOffset(fp, 7))

	mock.ExpectExec(entry.DropStatement).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(entry.LoadStatement()).WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectQuery(countCaseSQL).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	res := newExecutor(t, db, cfg, store).Run(context.Background(), entry, fp)
	require.NoError(t, res.Err)
	assert.EqualValues(t, 0, store.Offset(fp))
	assert.NoError(t, mock.ExpectationsWereMet())
}
