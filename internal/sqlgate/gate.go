// Package sqlgate screens identifiers and SQL statements before they reach the
// database driver. Statements that could not have originated from the trusted
// manifest generator are rejected here, never executed.
package sqlgate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidIdentifier  = errors.New("invalid SQL identifier")
	ErrBlockedStatement   = errors.New("statement blocked by security gate")
	ErrUnauthorizedTarget = errors.New("statement references an unauthorized target")
)

// Risk is the classification assigned to a statement before execution.
type Risk int

const (
	// RiskLow is a plain single SELECT.
	RiskLow Risk = iota
	// RiskMedium is a JOIN-bearing SELECT or a SELECT INTO.
	RiskMedium
	// RiskHigh is DDL (ALTER/CREATE/DROP); executes only with an explicit
	// opt-in for schema operations.
	RiskHigh
	// RiskCritical statements are never executed.
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// Identifiers that are valid by pattern but can never name a manifest object.
var reservedWords = map[string]struct{}{
	"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {},
	"CREATE": {}, "ALTER": {}, "TRUNCATE": {}, "TABLE": {}, "FROM": {},
	"WHERE": {}, "JOIN": {}, "UNION": {}, "EXEC": {}, "EXECUTE": {},
	"GRANT": {}, "REVOKE": {}, "INTO": {}, "AND": {}, "OR": {}, "NULL": {},
}

// ValidateIdentifier checks a database, schema, table or column name used to
// assemble dynamic SQL.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if _, reserved := reservedWords[strings.ToUpper(name)]; reserved {
		return fmt.Errorf("%w: %q is a reserved keyword", ErrInvalidIdentifier, name)
	}
	return nil
}

// QualifiedTable validates each part and returns database.schema.table, or
// schema.table when database is empty.
func QualifiedTable(database, schema, table string) (string, error) {
	if err := ValidateIdentifier(schema); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	if database == "" {
		return schema + "." + table, nil
	}
	if err := ValidateIdentifier(database); err != nil {
		return "", err
	}
	return database + "." + schema + "." + table, nil
}

var (
	dmlWordRe     = regexp.MustCompile(`\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|GRANT|MERGE)\b`)
	execRe        = regexp.MustCompile(`\bEXEC(UTE)?\b`)
	unionSelectRe = regexp.MustCompile(`\bUNION\s+(ALL\s+)?SELECT\b`)
	ddlStartRe    = regexp.MustCompile(`^\s*(DROP|CREATE|ALTER)\b`)
	joinRe        = regexp.MustCompile(`\bJOIN\b`)
	intoRe        = regexp.MustCompile(`\bINTO\b`)
)

// Classify tokenizes sql and assigns a risk level. String literals are blanked
// first so quoted text cannot shadow or fake keywords.
func Classify(sql string) Risk {
	stripped, balanced := stripLiterals(sql)
	upper := strings.ToUpper(stripped)

	if strings.Contains(upper, "XP_CMDSHELL") {
		return RiskCritical
	}
	if execRe.MatchString(upper) {
		return RiskCritical
	}
	// Comment markers in generated statements only ever appear inside string
	// literals; outside them they are a WHERE-clause truncation attempt.
	if strings.Contains(upper, "--") || strings.Contains(upper, "/*") {
		return RiskCritical
	}
	// A semicolon followed by further DML is a stacked statement.
	if idx := strings.Index(upper, ";"); idx >= 0 {
		if dmlWordRe.MatchString(upper[idx+1:]) {
			return RiskCritical
		}
	}
	// UNION SELECT riding on an unterminated literal is the classic smuggling
	// shape; a balanced UNION in generated scope SQL does not occur either,
	// but only the unbalanced form is provably hostile.
	if !balanced && unionSelectRe.MatchString(upper) {
		return RiskCritical
	}
	if !balanced {
		return RiskCritical
	}

	if ddlStartRe.MatchString(upper) {
		return RiskHigh
	}
	if joinRe.MatchString(upper) || intoRe.MatchString(upper) {
		return RiskMedium
	}
	return RiskLow
}

// TargetSet holds the object names a statement is allowed to reference,
// lowercased. Build it from the manifest entry's own table plus the metadata
// tables the engine manages.
type TargetSet map[string]struct{}

// NewTargetSet lowercases and stores each allowed object name. Qualified names
// also authorize their shorter forms (schema.table and bare table).
func NewTargetSet(names ...string) TargetSet {
	set := make(TargetSet, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = struct{}{}
		parts := strings.Split(n, ".")
		for i := 1; i < len(parts); i++ {
			set[strings.Join(parts[i:], ".")] = struct{}{}
		}
	}
	return set
}

func (t TargetSet) contains(name string) bool {
	_, ok := t[strings.ToLower(name)]
	return ok
}

var objectRefRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE|TABLE)\s+(?:IF\s+EXISTS\s+)?(\[?[A-Za-z_][A-Za-z0-9_]*\]?(?:\.\[?[A-Za-z_][A-Za-z0-9_]*\]?){0,2})`)

// ValidateStatement classifies sql and confirms every referenced object
// resolves to a validated identifier inside targets. allowDDL opts in to HIGH
// risk statements (the drop/create cycle on the system's own tables).
func ValidateStatement(sql string, targets TargetSet, allowDDL bool) error {
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("%w: empty statement", ErrBlockedStatement)
	}

	switch risk := Classify(sql); risk {
	case RiskCritical:
		return fmt.Errorf("%w: classified %s", ErrBlockedStatement, risk)
	case RiskHigh:
		if !allowDDL {
			return fmt.Errorf("%w: DDL without schema opt-in", ErrBlockedStatement)
		}
	}

	stripped, _ := stripLiterals(sql)
	for _, m := range objectRefRe.FindAllStringSubmatch(stripped, -1) {
		ref := strings.ReplaceAll(strings.ReplaceAll(m[1], "[", ""), "]", "")
		for _, part := range strings.Split(ref, ".") {
			if err := ValidateIdentifier(part); err != nil {
				return err
			}
		}
		if !targets.contains(ref) {
			return fmt.Errorf("%w: %s", ErrUnauthorizedTarget, ref)
		}
	}
	return nil
}

// stripLiterals blanks the contents of single-quoted strings and reports
// whether every literal was terminated.
func stripLiterals(sql string) (string, bool) {
	var b strings.Builder
	b.Grow(len(sql))
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			// Doubled quote inside a literal is an escaped quote.
			if inLiteral && i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inLiteral = !inLiteral
			b.WriteByte(c)
			continue
		}
		if inLiteral {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), !inLiteral
}
