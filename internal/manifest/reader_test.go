package manifest_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ej-import/internal/manifest"
)

const header = "DatabaseName|SchemaName|TableName|RowCount|ScopeRowCount|ScopeComment|fConvert|Drop_IfExists|Select_Only|Joins|Select_Into"

func row(db, schema, table string, rows, scope int64, include string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%s|%s|DROP TABLE IF EXISTS {{TARGET_DB}}.%s.%s|SELECT * FROM %s.%s.%s|WHERE 1=1|SELECT * INTO {{TARGET_DB}}.%s.%s FROM %s.%s.%s",
		db, schema, table, rows, scope, gofakeit.Sentence(3), include,
		schema, table, db, schema, table, schema, table, db, schema, table)
}

func TestParse(t *testing.T) {
	gofakeit.Seed(11)
	input := strings.Join([]string{
		header,
		row("Justice", "dbo", "Case", 5000, 10, "1"),
		row("Justice", "dbo", "Note", 200, 0, "0"),
	}, "\n")

	entries, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	caseEntry := entries[0]
	assert.Equal(t, 1, caseEntry.RowID)
	assert.Equal(t, "Justice.dbo.Case", caseEntry.Key())
	assert.Equal(t, "dbo.Case", caseEntry.SchemaTable())
	assert.EqualValues(t, 5000, caseEntry.RowCount)
	assert.EqualValues(t, 10, caseEntry.ScopeRowCount)
	assert.True(t, caseEntry.Include)

	// Target placeholder is substituted in drop and select-into only.
	assert.Equal(t, "DROP TABLE IF EXISTS TargetDB.dbo.Case", caseEntry.DropStatement)
	assert.Contains(t, caseEntry.SelectInto, "INTO TargetDB.dbo.Case")
	assert.NotContains(t, caseEntry.SelectInto, "{{TARGET_DB}}")

	// The effective load statement appends the joins fragment.
	assert.Equal(t, caseEntry.SelectInto+" WHERE 1=1", caseEntry.LoadStatement())

	assert.False(t, entries[1].Include)
}

func TestParseDuplicateKey(t *testing.T) {
	input := strings.Join([]string{
		header,
		row("Justice", "dbo", "Case", 10, 5, "1"),
		row("Justice", "dbo", "Case", 10, 5, "1"),
	}, "\n")

	_, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entry")
}

func TestParseMissingColumn(t *testing.T) {
	input := "DatabaseName|SchemaName|TableName\nJustice|dbo|Case"
	_, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestParseIncompleteIdentity(t *testing.T) {
	input := strings.Join([]string{
		header,
		"Justice||Case|1|1|c|1|d|s|j|si",
	}, "\n")
	_, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete table identity")
}

func TestParseScopeExceedsRowCount(t *testing.T) {
	// Quality warning, not a rejection.
	input := strings.Join([]string{
		header,
		row("Justice", "dbo", "Case", 10, 500, "1"),
	}, "\n")

	entries, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.EqualValues(t, 500, entries[0].ScopeRowCount)
}

func TestParseOptionalDataFile(t *testing.T) {
	input := strings.Join([]string{
		header + "|DataFile",
		row("Justice", "dbo", "Lob", 10, 10, "1") + "|Justice_Lob_rows.csv",
	}, "\n")

	entries, err := manifest.Parse(strings.NewReader(input), "TargetDB", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "Justice_Lob_rows.csv", entries[0].DataFile)
}
