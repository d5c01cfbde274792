package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Manifest CSVs are pipe-delimited with this header. DataFile is optional and
// only present for tables loaded from exported row files.
var requiredColumns = []string{
	"DatabaseName", "SchemaName", "TableName", "RowCount", "ScopeRowCount",
	"ScopeComment", "fConvert", "Drop_IfExists", "Select_Only", "Joins", "Select_Into",
}

// Load parses a manifest file, substitutes the target database placeholder and
// enforces natural-key uniqueness. Manifest order is preserved.
func Load(path string, targetDB string, log *zap.Logger) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()

	entries, err := Parse(f, targetDB, log)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return entries, nil
}

// Parse reads manifest rows from r. Split from Load so tests can feed strings.
func Parse(r io.Reader, targetDB string, log *zap.Logger) ([]*Entry, error) {
	cr := csv.NewReader(r)
	cr.Comma = '|'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(rec []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	var entries []*Entry
	seen := make(map[string]int)

	for rowID := 1; ; rowID++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowID, err)
		}

		e := &Entry{
			RowID:         rowID,
			DatabaseName:  field(rec, "DatabaseName"),
			SchemaName:    field(rec, "SchemaName"),
			TableName:     field(rec, "TableName"),
			ScopeComment:  field(rec, "ScopeComment"),
			Include:       parseFlag(field(rec, "fConvert")),
			DropStatement: substitute(field(rec, "Drop_IfExists"), targetDB),
			SelectOnly:    field(rec, "Select_Only"),
			Joins:         field(rec, "Joins"),
			SelectInto:    substitute(field(rec, "Select_Into"), targetDB),
			DataFile:      field(rec, "DataFile"),
		}
		e.RowCount = parseCount(field(rec, "RowCount"))
		e.ScopeRowCount = parseCount(field(rec, "ScopeRowCount"))

		if e.DatabaseName == "" || e.SchemaName == "" || e.TableName == "" {
			return nil, fmt.Errorf("row %d: incomplete table identity", rowID)
		}

		key := strings.ToLower(e.Key())
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("row %d: duplicate entry for %s (first seen at row %d)", rowID, e.Key(), prev)
		}
		seen[key] = rowID

		// A scope count above the source count is a data-quality smell in the
		// generated manifest, not a reason to reject the entry.
		if e.ScopeRowCount > e.RowCount {
			log.Warn("scope row count exceeds source row count",
				zap.String("table", e.Key()),
				zap.Int64("row_count", e.RowCount),
				zap.Int64("scope_row_count", e.ScopeRowCount))
		}

		entries = append(entries, e)
	}

	return entries, nil
}

func substitute(sql, targetDB string) string {
	return strings.ReplaceAll(sql, TargetPlaceholder, targetDB)
}

func parseFlag(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
