package sqlgate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ej-import/internal/sqlgate"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"Case", "dbo", "Justice", "_staging", "Table_2", "xCase123"}
	for _, name := range valid {
		assert.NoError(t, sqlgate.ValidateIdentifier(name), name)
	}

	invalid := []string{
		"",
		"Table;DROP",
		"1=1--",
		"2Fast",
		"name with space",
		"tab-le",
		"naïve",
		"a'b",
		"Robert'); DROP TABLE Students",
	}
	for _, name := range invalid {
		err := sqlgate.ValidateIdentifier(name)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, sqlgate.ErrInvalidIdentifier, name)
	}

	// Valid by pattern, but reserved.
	for _, name := range []string{"SELECT", "drop", "Exec", "table"} {
		assert.ErrorIs(t, sqlgate.ValidateIdentifier(name), sqlgate.ErrInvalidIdentifier, name)
	}

	// 128 characters is the cap.
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, sqlgate.ValidateIdentifier(string(long)))
	assert.NoError(t, sqlgate.ValidateIdentifier(string(long[:128])))
}

func TestQualifiedTable(t *testing.T) {
	got, err := sqlgate.QualifiedTable("TargetDB", "dbo", "Case")
	require.NoError(t, err)
	assert.Equal(t, "TargetDB.dbo.Case", got)

	got, err = sqlgate.QualifiedTable("", "dbo", "Case")
	require.NoError(t, err)
	assert.Equal(t, "dbo.Case", got)

	_, err = sqlgate.QualifiedTable("TargetDB", "dbo", "Case;DROP")
	assert.ErrorIs(t, err, sqlgate.ErrInvalidIdentifier)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		want sqlgate.Risk
	}{
		{"plain select", "SELECT CaseID FROM dbo.Case WHERE Status = 'Open'", sqlgate.RiskLow},
		{"join select", "SELECT c.CaseID FROM dbo.Case c JOIN dbo.Party p ON p.CaseID = c.CaseID", sqlgate.RiskMedium},
		{"select into", "SELECT * INTO TargetDB.dbo.Case FROM Justice.dbo.Case WITH (NOLOCK)", sqlgate.RiskMedium},
		{"drop", "DROP TABLE IF EXISTS TargetDB.dbo.Case", sqlgate.RiskHigh},
		{"create", "CREATE TABLE dbo.Staging (ID INT)", sqlgate.RiskHigh},
		{"xp_cmdshell", "SELECT 1; EXEC xp_cmdshell 'dir'", sqlgate.RiskCritical},
		{"exec", "EXEC sp_help", sqlgate.RiskCritical},
		{"comment truncation", "SELECT * FROM dbo.Case WHERE ID = 1 --' AND Secret = 0", sqlgate.RiskCritical},
		{"stacked dml", "SELECT 1 FROM dbo.Case; DELETE FROM dbo.Case", sqlgate.RiskCritical},
		{"unbalanced union", "SELECT Name FROM dbo.Case WHERE Name = ' UNION SELECT Password FROM Users", sqlgate.RiskCritical},
		{"quoted keywords are inert", "SELECT 'EXEC xp_cmdshell' AS Label FROM dbo.Case", sqlgate.RiskLow},
		{"escaped quote stays balanced", "SELECT * FROM dbo.Case WHERE Name = 'O''Brien'", sqlgate.RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sqlgate.Classify(tc.sql))
		})
	}
}

func TestValidateStatement(t *testing.T) {
	targets := sqlgate.NewTargetSet("Justice.dbo.Case", "TargetDB.dbo.Case")

	t.Run("accepts authorized select into", func(t *testing.T) {
		sql := "SELECT * INTO TargetDB.dbo.Case FROM Justice.dbo.Case WITH (NOLOCK)"
		assert.NoError(t, sqlgate.ValidateStatement(sql, targets, false))
	})

	t.Run("accepts drop with ddl opt-in", func(t *testing.T) {
		sql := "DROP TABLE IF EXISTS TargetDB.dbo.Case"
		assert.NoError(t, sqlgate.ValidateStatement(sql, targets, true))
	})

	t.Run("rejects ddl without opt-in", func(t *testing.T) {
		sql := "DROP TABLE IF EXISTS TargetDB.dbo.Case"
		assert.ErrorIs(t, sqlgate.ValidateStatement(sql, targets, false), sqlgate.ErrBlockedStatement)
	})

	t.Run("rejects unauthorized target", func(t *testing.T) {
		sql := "SELECT * INTO TargetDB.dbo.Case FROM Justice.dbo.Salaries"
		err := sqlgate.ValidateStatement(sql, targets, false)
		assert.ErrorIs(t, err, sqlgate.ErrUnauthorizedTarget)
	})

	t.Run("rejects critical before target checks", func(t *testing.T) {
		sql := "SELECT * FROM Justice.dbo.Case; DROP TABLE TargetDB.dbo.Case"
		assert.ErrorIs(t, sqlgate.ValidateStatement(sql, targets, true), sqlgate.ErrBlockedStatement)
	})

	t.Run("rejects empty", func(t *testing.T) {
		assert.ErrorIs(t, sqlgate.ValidateStatement("   ", targets, false), sqlgate.ErrBlockedStatement)
	})

	t.Run("rejects malformed identifier in reference", func(t *testing.T) {
		sql := "SELECT * FROM Justice.dbo.Case WHERE 1=1 UNION SELECT a FROM x1"
		// x1 is well-formed but unauthorized; it must not slip through.
		err := sqlgate.ValidateStatement(sql, targets, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sqlgate.ErrUnauthorizedTarget) || errors.Is(err, sqlgate.ErrBlockedStatement))
	})
}

func TestTargetSetShortForms(t *testing.T) {
	targets := sqlgate.NewTargetSet("Justice.dbo.Case")
	sql := "SELECT * FROM dbo.Case"
	assert.NoError(t, sqlgate.ValidateStatement(sql, targets, false))
}
