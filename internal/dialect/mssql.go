package dialect

import (
	"fmt"
	"strings"
)

// MSSQLDialect targets SQL Server, the engine the manifests are generated for.
// The go-mssqldb driver prefers @p1, @p2 named parameters over ?.
type MSSQLDialect struct{}

func (d *MSSQLDialect) CountQuery(table string) string {
	// NOLOCK matches the hint discipline of the generated extraction SQL;
	// counts run against tables this process just wrote.
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WITH (NOLOCK)", table)
}

func (d *MSSQLDialect) InsertQuery(table string, cols []string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), vals)
}

func (d *MSSQLDialect) DropIfExistsQuery(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
}

func (d *MSSQLDialect) LimitQuery(query string, limit int) string {
	// Simple T-SQL TOP injection on generated queries only.
	trimmed := strings.TrimSpace(query)
	if strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return strings.Replace(query, "SELECT", fmt.Sprintf("SELECT TOP %d", limit), 1)
	}
	return query
}

func (d *MSSQLDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index+1)
}

func (d *MSSQLDialect) DefaultSchema() string {
	return "dbo"
}
