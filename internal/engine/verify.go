package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ej-import/internal/manifest"
	"ej-import/internal/sqlgate"
)

// VerifyResult is one row of the read-only verification report.
type VerifyResult struct {
	TableKey string
	Target   string
	Expected int64
	Actual   int64
	Status   string
	ErrorMsg string
}

// VerifyCounts recounts every included entry's target table against the
// manifest expectation. Read-only; nothing is retried or mutated.
func VerifyCounts(ctx context.Context, rt *Runtime, entries []*manifest.Entry) []VerifyResult {
	var results []VerifyResult
	for _, entry := range entries {
		if !entry.Include {
			continue
		}

		res := VerifyResult{TableKey: entry.Key(), Expected: entry.ScopeRowCount}

		target, err := sqlgate.QualifiedTable(rt.Config.Target.Database, entry.SchemaName, entry.TableName)
		if err != nil {
			res.Status = "INVALID"
			res.ErrorMsg = err.Error()
			results = append(results, res)
			continue
		}
		res.Target = target

		var n int64
		stmtCtx, cancel := context.WithTimeout(ctx, rt.Config.SQLTimeout)
		err = rt.DB.QueryRowContext(stmtCtx, rt.Dialect.CountQuery(target)).Scan(&n)
		cancel()
		if err != nil {
			res.Status = "VERIFY_FAIL"
			res.ErrorMsg = err.Error()
			results = append(results, res)
			continue
		}

		res.Actual = n
		switch {
		case n == entry.ScopeRowCount:
			res.Status = "OK"
		case n < entry.ScopeRowCount:
			res.Status = fmt.Sprintf("PARTIAL: %d/%d", n, entry.ScopeRowCount)
		default:
			res.Status = fmt.Sprintf("EXTRA: %d/%d", n, entry.ScopeRowCount)
		}
		results = append(results, res)
	}
	return results
}

// SampleRows fetches up to limit rows from table for mismatch triage, each
// formatted as a pipe-joined line. The statement is a fixed dialect template
// over an identifier QualifiedTable already validated.
func SampleRows(ctx context.Context, rt *Runtime, table string, limit int) ([]string, error) {
	query := rt.Dialect.LimitQuery(fmt.Sprintf("SELECT * FROM %s", table), limit)

	stmtCtx, cancel := context.WithTimeout(ctx, rt.Config.SQLTimeout)
	defer cancel()
	rows, err := rt.DB.QueryContext(stmtCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		parts := make([]string, len(cols))
		for i, v := range vals {
			switch tv := v.(type) {
			case nil:
				parts[i] = "NULL"
			case []byte:
				parts[i] = string(tv)
			default:
				parts[i] = fmt.Sprint(tv)
			}
		}
		out = append(out, strings.Join(parts, " | "))
	}
	return out, rows.Err()
}

// PruneEmpty drops converted target tables that ended up with zero rows,
// except always-include overrides. Identifiers are validated and the drop is
// a fixed dialect template.
func PruneEmpty(ctx context.Context, rt *Runtime, source string, entries []*manifest.Entry) error {
	overrides := rt.Config.OverrideSet()

	for _, entry := range entries {
		if !entry.Include || entry.ScopeRowCount > 0 {
			continue
		}
		if matchesOverride(overrides, source, entry) {
			continue
		}

		target, err := sqlgate.QualifiedTable(rt.Config.Target.Database, entry.SchemaName, entry.TableName)
		if err != nil {
			return err
		}

		stmtCtx, cancel := context.WithTimeout(ctx, rt.Config.SQLTimeout)
		_, err = rt.DB.ExecContext(stmtCtx, rt.Dialect.DropIfExistsQuery(target))
		cancel()
		if err != nil {
			rt.Log.Error("failed to prune empty table", zap.String("table", entry.Key()), zap.Error(err))
			continue
		}
		rt.Log.Info("pruned empty table", zap.String("table", entry.Key()))
	}
	return nil
}

func matchesOverride(overrides map[string]struct{}, source string, entry *manifest.Entry) bool {
	patterns := []string{
		entry.SchemaTable(),
		entry.Key(),
		fmt.Sprintf("%s.%s", source, entry.SchemaTable()),
	}
	for _, p := range patterns {
		if _, ok := overrides[strings.ToLower(p)]; ok {
			return true
		}
	}
	return false
}
