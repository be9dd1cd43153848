// Package semantic cross-checks guarded SQL against the time windows and
// groupings a request states explicitly.
//
// Extraction is pattern based. Each Rule recognizes one phrasing family and
// stays silent on requests it does not understand, so an unrecognized
// paraphrase is never a mismatch.
package semantic

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Rule checks one kind of constraint. Check returns nil when the request
// carries no constraint of that kind.
type Rule interface {
	Name() string
	Check(request, sql string) error
}

// Checker runs an ordered rule set.
type Checker struct {
	rules []Rule
}

// New creates a Checker. With no rules it uses DefaultRules.
func New(rules ...Rule) *Checker {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Checker{rules: rules}
}

// DefaultRules returns the month comparison, recent-days and daily-trend rules.
func DefaultRules() []Rule {
	return []Rule{MonthCompare{}, RecentDays{}, DailyTrend{}}
}

// Check returns the first mismatch wrapped in retail.ErrSemanticMismatch.
// The sql is never modified.
func (c *Checker) Check(request, sql string) error {
	request = normalize(request)
	for _, r := range c.rules {
		if err := r.Check(request, sql); err != nil {
			return fmt.Errorf("%w: %s: %v", retail.ErrSemanticMismatch, r.Name(), err)
		}
	}
	return nil
}

func normalize(request string) string {
	return strings.ReplaceAll(request, "月份", "月")
}

var (
	recentDaysPattern = regexp.MustCompile(`(?i)(?:最近|近|过去)\s*(\d{1,3})\s*(?:天|日)|(?:last|past)\s+(\d{1,3})\s+days?`)
	dailyPattern      = regexp.MustCompile(`(?i)按天|每天|日趋势|每日|daily|per day|by day`)
	sameYearPattern   = regexp.MustCompile(`去年\s*(\d{1,2})\s*月.*(?:相比|对比|比).*去年\s*(\d{1,2})\s*月`)
	crossYearPattern  = regexp.MustCompile(`今年\s*(\d{1,2})\s*月.*(?:相比|对比|比).*去年\s*(\d{1,2})\s*月`)
	numberPattern     = regexp.MustCompile(`\d+`)
)

// RecentDaysIn returns N when the request asks about the last N days.
func RecentDaysIn(request string) (int, bool) {
	m := recentDaysPattern.FindStringSubmatch(normalize(request))
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// AsksDaily reports whether the request asks for a per-day breakdown.
func AsksDaily(request string) bool {
	return dailyPattern.MatchString(request)
}

// ComparedMonths returns the two month numbers of a "month X vs month Y"
// request. Either side may be last year or this year.
func ComparedMonths(request string) (int, int, bool) {
	request = normalize(request)
	for _, p := range []*regexp.Regexp{sameYearPattern, crossYearPattern} {
		m := p.FindStringSubmatch(request)
		if m == nil {
			continue
		}
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		if validMonth(a) && validMonth(b) {
			return a, b, true
		}
	}
	return 0, 0, false
}

func validMonth(m int) bool { return m >= 1 && m <= 12 }

// RecentDays requires a day-granularity interval of exactly N.
type RecentDays struct{}

func (RecentDays) Name() string { return "recent days" }

func (RecentDays) Check(request, sql string) error {
	n, ok := RecentDaysIn(request)
	if !ok {
		return nil
	}
	lower := strings.ToLower(sql)
	interval := func(unit string) *regexp.Regexp {
		return regexp.MustCompile(fmt.Sprintf(`interval\s*'?\s*%d\s*'?\s*%s`, n, unit))
	}
	if interval(`(?:month|year)`).MatchString(lower) {
		return fmt.Errorf("last %d days expressed in month or year units", n)
	}
	if !interval(`day`).MatchString(lower) {
		return fmt.Errorf("expected a %d day window", n)
	}
	return nil
}

// DailyTrend requires a date-truncating expression and a GROUP BY.
type DailyTrend struct{}

func (DailyTrend) Name() string { return "daily trend" }

func (DailyTrend) Check(request, sql string) error {
	if !AsksDaily(request) {
		return nil
	}
	lower := strings.ToLower(sql)
	dayExpr := strings.Contains(lower, "date(") ||
		(strings.Contains(lower, "date_format(") && strings.Contains(lower, "%y-%m-%d"))
	if !dayExpr || !strings.Contains(lower, "group by") {
		return fmt.Errorf("a daily trend must group by date")
	}
	return nil
}

// MonthCompare requires both compared month numbers among the SQL literals.
type MonthCompare struct{}

func (MonthCompare) Name() string { return "month comparison" }

func (MonthCompare) Check(request, sql string) error {
	a, b, ok := ComparedMonths(request)
	if !ok {
		return nil
	}
	present := map[int]bool{}
	for _, tok := range numberPattern.FindAllString(sql, -1) {
		if n, err := strconv.Atoi(tok); err == nil && validMonth(n) {
			present[n] = true
		}
	}
	var missing []int
	for _, m := range []int{a, b} {
		if !present[m] && !contains(missing, m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return fmt.Errorf("missing target month(s) %v", missing)
	}
	return nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
