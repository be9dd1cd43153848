// Package guard enforces that generated SQL is a single, row-capped, read-only
// MySQL SELECT before it reaches the warehouse.
package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"vitess.io/vitess/go/vt/sqlparser"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// mysqlVersion selects the MySQL grammar accepted by the parser.
const mysqlVersion = "8.0.36"

// DialectRule rejects a construct the warehouse dialect does not accept.
type DialectRule struct {
	Name    string
	Pattern *regexp.Regexp
	Hint    string
}

// DefaultDialectRules reject PostgreSQL-isms and set operations.
func DefaultDialectRules() []DialectRule {
	return []DialectRule{
		{"type cast ::", regexp.MustCompile(`::`), "use CAST(expr AS type)"},
		{"ILIKE", regexp.MustCompile(`(?i)\bILIKE\b`), "use LIKE"},
		{"DATE_TRUNC", regexp.MustCompile(`(?i)\bDATE_TRUNC\b`), "use DATE() or DATE_FORMAT()"},
		{"FILTER clause", regexp.MustCompile(`(?i)\bFILTER\s*\(`), "use SUM(CASE WHEN ... END)"},
		{"quoted INTERVAL", regexp.MustCompile(`(?i)\bINTERVAL\s*'`), "write INTERVAL 7 DAY"},
		{"UNION", regexp.MustCompile(`(?i)\bUNION\b`), "use one SELECT with conditional aggregation"},
	}
}

// nonReadKeywords are leading keywords of MySQL statements that are not
// reads. They name the statement when the parser cannot.
var nonReadKeywords = map[string]bool{
	"insert": true, "replace": true, "update": true, "delete": true,
	"create": true, "alter": true, "drop": true, "rename": true, "truncate": true,
	"call": true, "do": true, "handler": true, "load": true,
	"lock": true, "unlock": true, "grant": true, "revoke": true,
	"set": true, "show": true, "use": true, "explain": true, "describe": true, "desc": true,
	"begin": true, "start": true, "commit": true, "rollback": true, "savepoint": true, "release": true, "xa": true,
	"prepare": true, "execute": true, "deallocate": true,
	"kill": true, "flush": true, "reset": true, "purge": true, "cache": true, "binlog": true,
	"analyze": true, "optimize": true, "repair": true, "check": true, "checksum": true,
	"install": true, "uninstall": true, "import": true, "clone": true, "change": true,
	"shutdown": true, "restart": true, "signal": true, "resignal": true,
}

// Validator checks and canonicalizes candidate SQL.
type Validator struct {
	maxRows int
	rules   []DialectRule
	parser  *sqlparser.Parser
}

// Option configures a Validator.
type Option func(*Validator)

// WithDialectRules replaces the dialect rule set.
func WithDialectRules(rules []DialectRule) Option {
	return func(v *Validator) { v.rules = rules }
}

// New creates a Validator that caps every query at maxRows.
func New(maxRows int, opts ...Option) *Validator {
	parser, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: mysqlVersion})
	if err != nil {
		panic(fmt.Sprintf("guard: build mysql parser: %v", err))
	}
	v := &Validator{maxRows: maxRows, rules: DefaultDialectRules(), parser: parser}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxRows returns the configured row cap.
func (v *Validator) MaxRows() int { return v.maxRows }

// Validate returns the canonical re-serialized form of sql with the row cap
// applied. A missing or oversized LIMIT is rewritten, not rejected.
func (v *Validator) Validate(sql string) (string, retail.GuardVerdict, error) {
	verdict := retail.GuardVerdict{}

	masked := mask(sql)
	for _, rule := range v.rules {
		if rule.Pattern.MatchString(masked) {
			verdict.Reason = "dialect: " + rule.Name
			return "", verdict, fmt.Errorf("%w: %s is not allowed, %s", retail.ErrDialectViolation, rule.Name, rule.Hint)
		}
	}

	body := trimStatement(sql)
	if body == "" {
		verdict.Reason = "empty statement"
		return "", verdict, fmt.Errorf("%w: no statement", retail.ErrMalformedQuery)
	}
	if n := strings.Count(mask(body), ";") + 1; n > 1 {
		verdict.Reason = "not a single statement"
		return "", verdict, fmt.Errorf("%w: expected exactly one statement, got %d", retail.ErrMalformedQuery, n)
	}

	stmt, err := v.parser.Parse(body)
	if err != nil {
		if kw := firstKeyword(body); nonReadKeywords[kw] {
			verdict.Reason = "not a select"
			return "", verdict, fmt.Errorf("%w: only SELECT is allowed, got %s", retail.ErrForbiddenOperation, strings.ToUpper(kw))
		}
		verdict.Reason = "parse error"
		return "", verdict, fmt.Errorf("%w: %v", retail.ErrMalformedQuery, err)
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		verdict.Reason = "not a select"
		return "", verdict, fmt.Errorf("%w: only SELECT is allowed, got %s", retail.ErrForbiddenOperation, statementKind(stmt))
	}
	if sel.Lock != sqlparser.NoLock {
		verdict.Reason = "locking read"
		return "", verdict, fmt.Errorf("%w: locking clause is not a pure read", retail.ErrForbiddenOperation)
	}
	if sel.Into != nil {
		verdict.Reason = "select into"
		return "", verdict, fmt.Errorf("%w: SELECT ... INTO writes outside the result set", retail.ErrForbiddenOperation)
	}

	verdict.LimitApplied = v.capLimit(sel)
	verdict.Passed = true
	verdict.Reason = "ok"
	return sqlparser.String(sel), verdict, nil
}

// capLimit enforces maxRows on sel and reports whether it rewrote the limit.
func (v *Validator) capLimit(sel *sqlparser.Select) bool {
	ceiling := sqlparser.NewIntLiteral(strconv.Itoa(v.maxRows))
	if sel.Limit == nil {
		sel.Limit = &sqlparser.Limit{Rowcount: ceiling}
		return true
	}
	if n, ok := intLiteral(sel.Limit.Rowcount); ok && n <= v.maxRows {
		return false
	}
	sel.Limit.Rowcount = ceiling
	return true
}

func intLiteral(expr sqlparser.Expr) (int, bool) {
	lit, ok := expr.(*sqlparser.Literal)
	if !ok || lit.Type != sqlparser.IntVal {
		return 0, false
	}
	n, err := strconv.Atoi(lit.Val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func statementKind(stmt sqlparser.Statement) string {
	if _, ok := stmt.(*sqlparser.Union); ok {
		return "UNION"
	}
	return sqlparser.ASTToStatementType(stmt).String()
}

// trimStatement drops trailing whitespace, comments and semicolons.
func trimStatement(sql string) string {
	src := []rune(sql)
	code := []rune(mask(sql))
	end := len(code)
	for end > 0 && (unicode.IsSpace(code[end-1]) || code[end-1] == ';') {
		end--
	}
	return strings.TrimSpace(string(src[:end]))
}

// firstKeyword returns the lower-cased leading word of sql, skipping comments.
// It is empty when sql starts with anything but a letter, such as "(".
func firstKeyword(sql string) string {
	code := strings.TrimLeftFunc(mask(sql), unicode.IsSpace)
	end := strings.IndexFunc(code, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(code)
	}
	return strings.ToLower(code[:end])
}

// mask blanks the contents of quoted strings and identifiers, and whole
// comments, so that rules and statement counting only see code. Quote
// characters are kept and rune positions do not move. MySQL executable
// comments (/*! ... */) are left as code.
func mask(sql string) string {
	out := []rune(sql)
	n := len(out)
	for i := 0; i < n; i++ {
		switch c := out[i]; {
		case c == '\'' || c == '"' || c == '`':
			i = blankQuoted(out, i)
		case c == '#':
			i = blankLine(out, i)
		case c == '-' && i+1 < n && out[i+1] == '-' && (i+2 == n || unicode.IsSpace(out[i+2])):
			i = blankLine(out, i)
		case c == '/' && i+1 < n && out[i+1] == '*' && (i+2 == n || out[i+2] != '!'):
			i = blankBlock(out, i)
		}
	}
	return string(out)
}

// blankQuoted blanks the body of the literal opened at start and returns the
// index of its closing quote.
func blankQuoted(out []rune, start int) int {
	quote := out[start]
	for i := start + 1; i < len(out); i++ {
		switch c := out[i]; {
		case c == '\\' && quote != '`' && i+1 < len(out):
			out[i], out[i+1] = ' ', ' '
			i++
		case c == quote && i+1 < len(out) && out[i+1] == quote:
			out[i], out[i+1] = ' ', ' '
			i++
		case c == quote:
			return i
		default:
			out[i] = ' '
		}
	}
	return len(out)
}

func blankLine(out []rune, start int) int {
	i := start
	for ; i < len(out) && out[i] != '\n'; i++ {
		out[i] = ' '
	}
	return i
}

func blankBlock(out []rune, start int) int {
	var prev rune
	for i := start; i < len(out); i++ {
		c := out[i]
		out[i] = ' '
		if c == '/' && prev == '*' && i > start+2 {
			return i
		}
		prev = c
	}
	return len(out)
}
