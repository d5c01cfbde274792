package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ej-import/internal/checkpoint"
	"ej-import/internal/config"
	"ej-import/internal/logging"
	"ej-import/internal/manifest"
	"ej-import/internal/sqlgate"
)

// Metadata tables the engine manages itself; statements may reference them in
// addition to the entry's own table.
var metadataTables = []string{
	"TablesToConvert",
	"TablesToConvert_Operations",
	"TablesToConvert_Financial",
	"TableUsedSelects",
	"TableUsedSelects_Operations",
	"TableUsedSelects_Financial",
}

// Stats aggregates counters for one invocation. Emitted as the end-of-run
// summary; not persisted beyond the run's log output.
type Stats struct {
	Attempted       int
	Skipped         int
	Succeeded       int
	Failed          int
	SecurityBlocked int
	RowsCopied      int64

	// Failures lists every FATAL or blocked entry with its reason.
	Failures []EntryFailure
}

// EntryFailure is one line of the end-of-run failure report.
type EntryFailure struct {
	TableKey string
	Outcome  Outcome
	Reason   string
}

// Success reports the overall run outcome: no FATAL entries and no blocked
// security entries, independent of how many entries were merely skipped.
func (s *Stats) Success() bool {
	return s.Failed == 0 && s.SecurityBlocked == 0
}

// Orchestrator sequences the manifest entries of one source database through
// the safety gate, checkpoint store and chunked executor.
type Orchestrator struct {
	Source string

	exec      *Executor
	store     *checkpoint.Store
	cfg       *config.Config
	log       *zap.Logger
	overrides map[string]struct{}

	// OnProgress, if set, is called once per processed entry (drives the
	// progress bar in the command layer).
	OnProgress func()

	// ErrorLog, if set, receives every blocked or fatal entry.
	ErrorLog *logging.ErrorLog

	// DryRun walks the include/skip logic and logs decisions without
	// executing any SQL.
	DryRun bool
}

func NewOrchestrator(source string, exec *Executor, store *checkpoint.Store, cfg *config.Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Source:    source,
		exec:      exec,
		store:     store,
		cfg:       cfg,
		log:       log.With(zap.String("source", source)),
		overrides: cfg.OverrideSet(),
	}
}

// Run processes entries in manifest order and returns the aggregate
// statistics. A FATAL entry does not halt the run unless fail-fast is set;
// cancellation is observed between entries.
func (o *Orchestrator) Run(ctx context.Context, entries []*manifest.Entry) (*Stats, error) {
	stats := &Stats{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			o.log.Warn("run cancelled", zap.Int("remaining", len(entries)-stats.Attempted-stats.Skipped))
			return stats, err
		}

		o.processEntry(ctx, entry, stats)

		if o.OnProgress != nil {
			o.OnProgress()
		}
		if o.cfg.FailFast && stats.Failed > 0 {
			o.log.Error("stopping after first fatal entry (fail-fast)")
			break
		}
	}

	o.log.Info("source run finished",
		zap.Int("attempted", stats.Attempted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("security_blocked", stats.SecurityBlocked),
		zap.Int64("rows_copied", stats.RowsCopied))
	return stats, nil
}

func (o *Orchestrator) processEntry(ctx context.Context, entry *manifest.Entry, stats *Stats) {
	forced := o.isOverridden(entry)

	if !entry.Include && !forced {
		stats.Skipped++
		return
	}
	// Empirically empty tables are skipped unless configured in, or named as
	// a structurally required linkage table.
	if entry.ScopeRowCount <= 0 && !o.cfg.IncludeEmptyTables && !forced {
		o.log.Debug("skipping empty-scope table", zap.String("table", entry.Key()))
		stats.Skipped++
		return
	}

	fp := checkpoint.Fingerprint(entry.Key(), o.cfg.Target.Database, entry.DropStatement, entry.LoadStatement())
	if o.store.ShouldSkip(fp) {
		o.log.Debug("already completed, skipping", zap.String("table", entry.Key()))
		stats.Skipped++
		return
	}

	if o.DryRun {
		o.log.Info("would process", zap.String("table", entry.Key()), zap.Int64("scope_rows", entry.ScopeRowCount))
		stats.Attempted++
		return
	}

	stats.Attempted++

	if err := o.gateEntry(entry); err != nil {
		o.log.Error("security gate rejected entry", zap.String("table", entry.Key()), zap.Error(err))
		stats.SecurityBlocked++
		stats.Failures = append(stats.Failures, EntryFailure{TableKey: entry.Key(), Outcome: OutcomeBlocked, Reason: err.Error()})
		o.reportFailure(entry.Key(), err)
		if err := o.store.Fail(fp, err); err != nil {
			o.log.Error("failed to checkpoint gate rejection", zap.Error(err))
		}
		return
	}

	// The IN_PROGRESS transition must be durable before any mutating SQL.
	if err := o.store.Begin(fp, entry.Key()); err != nil {
		o.log.Error("failed to checkpoint begin", zap.String("table", entry.Key()), zap.Error(err))
		stats.Failed++
		stats.Failures = append(stats.Failures, EntryFailure{TableKey: entry.Key(), Outcome: OutcomeFatal, Reason: err.Error()})
		return
	}

	res := o.exec.Run(ctx, entry, fp)
	switch res.Outcome {
	case OutcomeDone:
		stats.Succeeded++
		stats.RowsCopied += res.RowsCopied
		if err := o.store.Complete(fp, res.RowsCopied); err != nil {
			o.log.Error("failed to checkpoint completion", zap.String("table", entry.Key()), zap.Error(err))
		}
	default:
		o.log.Error("entry failed", zap.String("table", entry.Key()), zap.Error(res.Err))
		stats.Failed++
		stats.Failures = append(stats.Failures, EntryFailure{TableKey: entry.Key(), Outcome: res.Outcome, Reason: res.Err.Error()})
		o.reportFailure(entry.Key(), res.Err)
		if err := o.store.Fail(fp, res.Err); err != nil {
			o.log.Error("failed to checkpoint failure", zap.String("table", entry.Key()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) reportFailure(tableKey string, cause error) {
	if o.ErrorLog == nil {
		return
	}
	if err := o.ErrorLog.Append(tableKey, cause.Error()); err != nil {
		o.log.Warn("failed to append to error log", zap.String("table", tableKey), zap.Error(err))
	}
}

// gateEntry validates every identifier and statement of the entry before the
// driver sees any of it.
func (o *Orchestrator) gateEntry(entry *manifest.Entry) error {
	for _, id := range []string{entry.DatabaseName, entry.SchemaName, entry.TableName} {
		if err := sqlgate.ValidateIdentifier(id); err != nil {
			return err
		}
	}

	targets := o.allowedTargets(entry)
	// Drop/create of the system's own generated tables is pre-approved DDL.
	if err := sqlgate.ValidateStatement(entry.DropStatement, targets, true); err != nil {
		return fmt.Errorf("drop statement: %w", err)
	}
	if err := sqlgate.ValidateStatement(entry.LoadStatement(), targets, true); err != nil {
		return fmt.Errorf("load statement: %w", err)
	}
	return nil
}

// allowedTargets builds the object allow-list for one entry: its own source
// table, the target-side copy, the engine's metadata tables, and the
// always-include linkage tables scoping joins are allowed to touch.
func (o *Orchestrator) allowedTargets(entry *manifest.Entry) sqlgate.TargetSet {
	names := []string{
		entry.Key(),
		fmt.Sprintf("%s.%s.%s", o.cfg.Target.Database, entry.SchemaName, entry.TableName),
	}
	for _, m := range metadataTables {
		names = append(names, fmt.Sprintf("%s.dbo.%s", o.cfg.Target.Database, m))
	}
	for t := range o.overrides {
		names = append(names, t)
	}
	return sqlgate.NewTargetSet(names...)
}

// isOverridden checks the always-include list against the three name formats
// the configuration historically accepted.
func (o *Orchestrator) isOverridden(entry *manifest.Entry) bool {
	candidates := []string{
		strings.ToLower(entry.SchemaTable()),
		strings.ToLower(entry.Key()),
		strings.ToLower(fmt.Sprintf("%s.%s", o.Source, entry.SchemaTable())),
	}
	for _, c := range candidates {
		if _, ok := o.overrides[c]; ok {
			return true
		}
	}
	return false
}
