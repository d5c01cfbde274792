package dialect

// Dialect abstracts the database-specific SQL the engine builds itself. The
// manifest-supplied statements run verbatim (after validation); only count
// queries, batch inserts and generated drops go through a Dialect, and they
// only ever substitute pre-validated identifiers into fixed templates.
type Dialect interface {
	// Query Generation
	CountQuery(table string) string
	InsertQuery(table string, cols []string) string
	DropIfExistsQuery(table string) string
	LimitQuery(query string, limit int) string

	// Helpers
	Placeholder(index int) string // Returns ?, $1, @p1, etc.
	DefaultSchema() string
}
