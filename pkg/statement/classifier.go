// Package statement classifies SQL text so the harness can tell read-only
// queries from statements with side effects.
package statement

import (
	"fmt"
	"regexp"
	"strings"
)

// Type represents the type of SQL statement.
type Type int

const (
	TypeDDL     Type = iota // CREATE, DROP, ALTER, TRUNCATE
	TypeDML                 // INSERT, UPDATE, DELETE, MERGE, COPY FROM
	TypeDQL                 // SELECT, WITH...SELECT, VALUES, TABLE
	TypeTCL                 // BEGIN, COMMIT, ROLLBACK, SAVEPOINT
	TypeDCL                 // GRANT, REVOKE, DENY
	TypeUtility             // SHOW, DESCRIBE, EXPLAIN, SET, PRAGMA
	TypeOther
)

// String returns the string representation of the statement type.
func (t Type) String() string {
	switch t {
	case TypeDDL:
		return "DDL"
	case TypeDML:
		return "DML"
	case TypeDQL:
		return "DQL"
	case TypeTCL:
		return "TCL"
	case TypeDCL:
		return "DCL"
	case TypeUtility:
		return "UTILITY"
	case TypeOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// Complexity is a rough size estimate of a query.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
	ComplexityVeryComplex
)

// String returns the string representation of complexity.
func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	case ComplexityVeryComplex:
		return "very_complex"
	default:
		return "unknown"
	}
}

// Info describes a classified statement.
type Info struct {
	Type        Type
	Complexity  Complexity
	IsReadOnly  bool
	IsDangerous bool
	Tables      []string
}

// Classifier analyzes SQL statements with precompiled patterns.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	typePatterns      []typePattern
	dangerousPatterns []*regexp.Regexp
	tablePatterns     []*regexp.Regexp
	weights           map[string]int
}

type typePattern struct {
	typ     Type
	pattern *regexp.Regexp
}

var (
	leadingComment = regexp.MustCompile(`^\s*(?:/\*(?s:.*?)\*/|--[^\n]*(?:\n|$))`)
	functionCall   = regexp.MustCompile(`\b\w+\s*\(`)
	dataModifyingW = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE)\b`)
	readOnlyUtil   = regexp.MustCompile(`^(SHOW|DESCRIBE|DESC|EXPLAIN)\b`)
	volatileCall   = regexp.MustCompile(`\b(NEXTVAL|SETVAL|PG_ADVISORY_LOCK|PG_ADVISORY_XACT_LOCK|PG_TERMINATE_BACKEND|PG_CANCEL_BACKEND|PG_NOTIFY|LO_IMPORT|LO_UNLINK|DBLINK_EXEC)\s*\(`)
)

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	c := &Classifier{}

	add := func(t Type, exprs ...string) {
		for _, e := range exprs {
			c.typePatterns = append(c.typePatterns, typePattern{typ: t, pattern: regexp.MustCompile(`(?i)^\s*` + e)})
		}
	}
	// DCL before DDL so CREATE USER is not reported as DDL.
	add(TypeDCL, `GRANT\s+`, `REVOKE\s+`, `DENY\s+`, `(CREATE|DROP|ALTER)\s+(USER|ROLE)\s+`)
	add(TypeDDL, `CREATE\s+`, `DROP\s+`, `ALTER\s+`, `TRUNCATE\s+`, `COMMENT\s+ON\s+`, `RENAME\s+`)
	// SELECT ... INTO creates a table.
	add(TypeDML, `SELECT\s+[^;]*?\bINTO\s+`, `INSERT\s+`, `UPDATE\s+`, `DELETE\s+`, `REPLACE\s+`, `MERGE\s+`, `UPSERT\s+`, `COPY\s+.*\s+FROM\s+`, `BULK\s+INSERT\s+`)
	add(TypeDQL, `SELECT\s+`, `WITH\s+`, `\(\s*SELECT\s+`, `VALUES\s+`, `TABLE\s+`)
	add(TypeTCL, `BEGIN\b`, `START\s+TRANSACTION\b`, `COMMIT\b`, `ROLLBACK\b`, `SAVEPOINT\s+`, `RELEASE\s+SAVEPOINT\s+`)
	add(TypeUtility, `SHOW\s+`, `DESCRIBE\s+`, `DESC\s+`, `EXPLAIN\s+`, `ANALYZE\b`, `SET\s+`, `USE\s+`, `PRAGMA\s+`, `VACUUM\b`, `CHECKPOINT\b`)

	c.dangerousPatterns = compileAll(
		`(?i)DROP\s+DATABASE`,
		`(?i)DROP\s+SCHEMA`,
		`(?i)DELETE\s+FROM\s+\w+\s*;?\s*$`,
		`(?i)DELETE\s+FROM\s+.*WHERE\s+1\s*=\s*1`,
		`(?i)UPDATE\s+.*SET\s+.*WHERE\s+1\s*=\s*1`,
		`(?i)\bSHUTDOWN\b`,
		`(?i)TRUNCATE\s+`,
	)

	c.tablePatterns = compileAll(
		`(?i)\bFROM\s+([\w.]+)`,
		`(?i)\bJOIN\s+([\w.]+)`,
		`(?i)^\s*UPDATE\s+([\w.]+)`,
		`(?i)\bINSERT\s+INTO\s+([\w.]+)`,
		`(?i)\b(?:CREATE|DROP|ALTER|TRUNCATE)\s+TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?([\w.]+)`,
	)

	c.weights = map[string]int{
		"JOIN":         2,
		"FULL JOIN":    1,
		"CROSS JOIN":   1,
		"WITH":         2,
		"OVER":         3,
		"PARTITION BY": 2,
		"GROUP BY":     1,
		"HAVING":       1,
		"ORDER BY":     1,
		"UNION":        2,
		"INTERSECT":    2,
		"EXCEPT":       2,
		"EXISTS":       2,
		"RECURSIVE":    4,
		"LATERAL":      3,
	}

	return c
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// StripLeadingComments removes block and line comments that precede the
// first token, including planner hint blocks.
func StripLeadingComments(sql string) string {
	for {
		loc := leadingComment.FindStringIndex(sql)
		if loc == nil {
			return strings.TrimSpace(sql)
		}
		sql = sql[loc[1]:]
	}
}

// Analyze classifies sql. Leading comments and hint blocks are ignored.
func (c *Classifier) Analyze(sql string) (*Info, error) {
	body := StripLeadingComments(sql)
	if body == "" {
		return nil, fmt.Errorf("SQL statement cannot be empty")
	}

	upper := strings.ToUpper(body)
	info := &Info{
		Type:       c.classify(upper),
		Complexity: c.complexity(upper),
		Tables:     c.tables(body),
	}

	// Unrecognized statements (CALL, DO, REFRESH ...) count as writes.
	switch info.Type {
	case TypeDQL:
		info.IsReadOnly = !volatileCall.MatchString(upper)
		// A CTE can carry data-modifying statements.
		if strings.HasPrefix(upper, "WITH") && dataModifyingW.MatchString(upper) {
			info.IsReadOnly = false
		}
	case TypeUtility:
		info.IsReadOnly = readOnlyUtil.MatchString(upper)
		// EXPLAIN ANALYZE executes the statement it explains.
		if strings.HasPrefix(upper, "EXPLAIN") && dataModifyingW.MatchString(upper) {
			info.IsReadOnly = false
		}
	}

	for _, p := range c.dangerousPatterns {
		if p.MatchString(upper) {
			info.IsDangerous = true
			break
		}
	}

	return info, nil
}

func (c *Classifier) classify(upper string) Type {
	for _, tp := range c.typePatterns {
		if tp.pattern.MatchString(upper) {
			return tp.typ
		}
	}
	return TypeOther
}

func (c *Classifier) complexity(upper string) Complexity {
	score := 0
	for kw, w := range c.weights {
		score += strings.Count(upper, kw) * w
	}
	if n := strings.Count(upper, "SELECT"); n > 1 {
		score += (n - 1) * 3
	}
	if depth := parenDepth(upper); depth > 2 {
		score += (depth - 2) * 2
	}
	score += len(functionCall.FindAllString(upper, -1)) / 2

	switch {
	case score == 0:
		return ComplexitySimple
	case score <= 3:
		return ComplexityModerate
	case score <= 8:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

func (c *Classifier) tables(sql string) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, p := range c.tablePatterns {
		for _, m := range p.FindAllStringSubmatch(sql, -1) {
			name := strings.ToLower(m[1])
			if !seen[name] && !isKeyword(name) {
				seen[name] = true
				tables = append(tables, name)
			}
		}
	}
	return tables
}

func isKeyword(s string) bool {
	switch s {
	case "select", "lateral", "unnest", "only":
		return true
	}
	return false
}

// Validate performs basic sanity checks on sql before it is submitted.
// It does not parse SQL; the engine remains the judge of syntax.
func (c *Classifier) Validate(sql string) error {
	if sql == "" {
		return fmt.Errorf("SQL statement cannot be empty")
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("SQL statement contains only whitespace")
	}
	count := 0
	complete, unterminated := walkCode(sql, func(b byte) bool {
		switch b {
		case '(':
			count++
		case ')':
			count--
		}
		return count >= 0
	})
	if !complete || count != 0 {
		return fmt.Errorf("SQL statement has unbalanced parentheses")
	}
	if unterminated {
		return fmt.Errorf("SQL statement has unbalanced quotes")
	}
	return nil
}

func parenDepth(sql string) int {
	maxDepth, depth := 0, 0
	walkCode(sql, func(b byte) bool {
		switch b {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
		}
		return true
	})
	return maxDepth
}

// walkCode calls fn for every byte outside quoted strings, quoted
// identifiers, comments and dollar-quoted bodies, stopping early when fn
// returns false. unterminated reports whether sql ends inside a quote or a
// dollar-quoted body.
func walkCode(sql string, fn func(byte) bool) (complete, unterminated bool) {
	var (
		quote       byte
		dollarTag   string
		lineComment bool
		blockDepth  int
	)
	for i := 0; i < len(sql); i++ {
		b := sql[i]
		next := byte(0)
		if i+1 < len(sql) {
			next = sql[i+1]
		}

		switch {
		case quote != 0:
			if b == quote {
				quote = 0
			}
			continue
		case dollarTag != "":
			if strings.HasPrefix(sql[i:], dollarTag) {
				i += len(dollarTag) - 1
				dollarTag = ""
			}
			continue
		case lineComment:
			if b == '\n' {
				lineComment = false
			}
			continue
		case blockDepth > 0:
			switch {
			case b == '*' && next == '/':
				blockDepth--
				i++
			case b == '/' && next == '*':
				blockDepth++
				i++
			}
			continue
		}

		switch {
		case b == '\'' || b == '"':
			quote = b
			continue
		case b == '-' && next == '-':
			lineComment = true
			i++
			continue
		case b == '/' && next == '*':
			blockDepth = 1
			i++
			continue
		case b == '$':
			if tag := dollarTagAt(sql, i); tag != "" {
				dollarTag = tag
				i += len(tag) - 1
				continue
			}
		}

		if !fn(b) {
			return false, false
		}
	}
	return true, quote != 0 || dollarTag != ""
}

// dollarTagAt returns the opening delimiter ($$ or $tag$) starting at i, or
// "" when sql[i] is not the start of one.
func dollarTagAt(sql string, i int) string {
	if i > 0 && isIdentByte(sql[i-1]) {
		return ""
	}
	j := i + 1
	for j < len(sql) && isIdentByte(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return ""
	}
	if j > i+1 && sql[i+1] >= '0' && sql[i+1] <= '9' {
		return ""
	}
	return sql[i : j+1]
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
