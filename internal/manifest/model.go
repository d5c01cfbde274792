package manifest

import (
	"fmt"
	"strings"
)

// TargetPlaceholder is substituted with the target database name in the
// generated DROP and SELECT INTO statements.
const TargetPlaceholder = "{{TARGET_DB}}"

// Entry is one table-conversion unit parsed from a manifest row. Entries are
// immutable once loaded and consumed once per run.
type Entry struct {
	RowID int

	DatabaseName string
	SchemaName   string
	TableName    string

	RowCount      int64
	ScopeRowCount int64
	ScopeComment  string

	// Include mirrors the manifest's fConvert flag; entries with it false are
	// skipped unless named in the always-include overrides.
	Include bool

	DropStatement string
	SelectOnly    string
	Joins         string
	SelectInto    string

	// DataFile optionally names a pipe-delimited CSV holding the rows to load
	// instead of a live cross-database query.
	DataFile string
}

// Key returns the natural key, database.schema.table.
func (e *Entry) Key() string {
	return fmt.Sprintf("%s.%s.%s", e.DatabaseName, e.SchemaName, e.TableName)
}

// SchemaTable returns schema.table without the database qualifier.
func (e *Entry) SchemaTable() string {
	return fmt.Sprintf("%s.%s", e.SchemaName, e.TableName)
}

// LoadStatement is the effective statement executed during LOADING: the
// SELECT INTO text with the extracted JOIN/WHERE fragment appended, the way
// the manifest generator splits them.
func (e *Entry) LoadStatement() string {
	if e.Joins == "" {
		return e.SelectInto
	}
	return e.SelectInto + " " + strings.TrimSpace(e.Joins)
}
