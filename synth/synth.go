// Package synth produces candidate SQL for a request, from deterministic
// templates for frequent shapes or from the text-completion collaborator.
package synth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/semantic"
)

// Synthesizer creates and repairs SQL candidates.
type Synthesizer struct {
	llm    retail.Completer
	schema retail.SchemaSource
	orders retail.OrdersConfig
	log    *zap.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) { s.log = l }
}

// New creates a Synthesizer. Templates read table and column names from orders.
func New(llm retail.Completer, schema retail.SchemaSource, orders retail.OrdersConfig, opts ...Option) *Synthesizer {
	s := &Synthesizer{llm: llm, schema: schema, orders: orders, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize returns a rule candidate when a template matches, otherwise asks
// the model.
func (s *Synthesizer) Synthesize(ctx context.Context, request string, intent retail.Intent) (retail.Candidate, error) {
	if sql, rule, ok := s.Rule(request, intent); ok {
		s.log.Debug("sql from rule", zap.String("rule", rule))
		return retail.Candidate{SQL: sql, Provenance: retail.ProvenanceRule, Rule: rule}, nil
	}

	raw, err := s.llm.Complete(ctx, SystemPrompt(s.describe(ctx)), UserPrompt(request, intent), 0)
	if err != nil {
		return retail.Candidate{}, fmt.Errorf("synth: generate sql: %w", err)
	}
	return retail.Candidate{SQL: ExtractSelect(raw), Provenance: retail.ProvenanceModel}, nil
}

// Repair asks the model to fix sql given the error it produced.
func (s *Synthesizer) Repair(ctx context.Context, request string, intent retail.Intent, sql, errText string) (retail.Candidate, error) {
	raw, err := s.llm.Complete(ctx,
		RepairSystemPrompt(s.describe(ctx)),
		RepairUserPrompt(request, intent, sql, errText), 0)
	if err != nil {
		return retail.Candidate{}, fmt.Errorf("synth: repair sql: %w", err)
	}
	return retail.Candidate{SQL: ExtractSelect(raw), Provenance: retail.ProvenanceRepair}, nil
}

func (s *Synthesizer) describe(ctx context.Context) string {
	if s.schema == nil {
		return ""
	}
	return s.schema.Describe(ctx)
}

var (
	fencePattern   = regexp.MustCompile("(?i)```(?:sql)?")
	leadingPattern = regexp.MustCompile(`(?is)(?:^|\n)[ \t]*(?:with\s+(?:recursive\s+)?\S+(?:\s*\([^)]*\))?\s+as\s*\(|select\s).+?(?:;|\z)`)
	selectPattern  = regexp.MustCompile(`(?is)select\s.+?(?:;|$)`)
)

// ExtractSelect strips code fences and returns the first statement starting a
// line with SELECT or a WITH clause, up to a semicolon or the end of text.
// Failing that it returns the first SELECT span anywhere, and text without a
// SELECT is returned trimmed.
func ExtractSelect(raw string) string {
	cleaned := strings.TrimSpace(fencePattern.ReplaceAllString(raw, ""))
	if m := leadingPattern.FindString(cleaned); m != "" {
		return strings.TrimSpace(m)
	}
	if m := selectPattern.FindString(cleaned); m != "" {
		return strings.TrimSpace(m)
	}
	return cleaned
}

// Rule names.
const (
	RuleRecentAggregate = "recent_aggregate"
	RuleDailyTrend      = "daily_trend"
	RuleMonthCompare    = "last_year_month_compare"
	RuleRepurchase      = "repurchase_week_over_week"
)

// Rule returns the template SQL for request when one of the known shapes matches.
func (s *Synthesizer) Rule(request string, intent retail.Intent) (sql, rule string, ok bool) {
	q := strings.ReplaceAll(request, "月份", "月")
	lower := strings.ToLower(q)
	askGMV := strings.Contains(lower, "gmv") || strings.Contains(q, "交易额") || strings.Contains(q, "销售额")
	askOrders := strings.Contains(q, "订单") || strings.Contains(q, "单量")
	askAOV := strings.Contains(q, "客单价") || strings.Contains(lower, "aov")
	daily := semantic.AsksDaily(q)
	n, recent := semantic.RecentDaysIn(q)

	switch {
	case intent == retail.IntentReport && recent && askGMV && daily:
		return s.dailyTrend(n, strings.Contains(q, "门店")), RuleDailyTrend, true
	case intent == retail.IntentReport && recent && askGMV && (askOrders || askAOV):
		return s.recentAggregate(n), RuleRecentAggregate, true
	}

	if a, b, ok := lastYearMonths(q); ok && askGMV && (intent == retail.IntentReport || intent == retail.IntentDiagnose) {
		return s.monthCompare(a, b), RuleMonthCompare, true
	}

	if intent == retail.IntentDiagnose && strings.Contains(q, "复购") {
		return s.repurchase(), RuleRepurchase, true
	}
	return "", "", false
}

var lastYearPattern = regexp.MustCompile(`去年\s*(\d{1,2})\s*月.*(?:相比|对比|比).*去年\s*(\d{1,2})\s*月`)

// lastYearMonths matches only comparisons where both months are last year.
func lastYearMonths(q string) (int, int, bool) {
	if !lastYearPattern.MatchString(q) {
		return 0, 0, false
	}
	return semantic.ComparedMonths(q)
}

func (s *Synthesizer) successPredicate() string {
	v := strings.TrimSpace(s.orders.SuccessValue)
	if isDigits(v) {
		return fmt.Sprintf("%s = %s", s.orders.PayStatus, v)
	}
	return fmt.Sprintf("%s = '%s'", s.orders.PayStatus, strings.ReplaceAll(v, "'", "''"))
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Synthesizer) recentAggregate(n int) string {
	o := s.orders
	return fmt.Sprintf("SELECT COALESCE(SUM(%[1]s), 0) AS gmv, COUNT(*) AS order_count, "+
		"COALESCE(SUM(%[1]s) / NULLIF(COUNT(*), 0), 0) AS aov "+
		"FROM %[2]s WHERE %[3]s AND %[4]s >= NOW() - INTERVAL %[5]d DAY",
		o.Amount, o.Table, s.successPredicate(), o.PaidAt, n)
}

func (s *Synthesizer) dailyTrend(n int, byStore bool) string {
	o := s.orders
	dims, group, order := "DATE("+o.PaidAt+") AS dt", "DATE("+o.PaidAt+")", "dt ASC"
	if byStore {
		dims += ", " + o.StoreID
		group += ", " + o.StoreID
		order += ", " + o.StoreID + " ASC"
	}
	return fmt.Sprintf("SELECT %[1]s, COALESCE(SUM(%[2]s), 0) AS gmv, COUNT(*) AS order_count, "+
		"COALESCE(SUM(%[2]s) / NULLIF(COUNT(*), 0), 0) AS aov "+
		"FROM %[3]s WHERE %[4]s AND %[5]s >= NOW() - INTERVAL %[6]d DAY "+
		"GROUP BY %[7]s ORDER BY %[8]s",
		dims, o.Amount, o.Table, s.successPredicate(), o.PaidAt, n, group, order)
}

func (s *Synthesizer) monthCompare(a, b int) string {
	o := s.orders
	month := func(m int) string {
		return fmt.Sprintf("SUM(CASE WHEN YEAR(%[1]s) = YEAR(CURDATE()) - 1 AND MONTH(%[1]s) = %[2]d THEN %[3]s ELSE 0 END)",
			o.PaidAt, m, o.Amount)
	}
	ma, mb := month(a), month(b)
	return fmt.Sprintf("SELECT %[1]s AS month_%[3]d_gmv, %[2]s AS month_%[4]d_gmv, %[1]s - %[2]s AS diff, "+
		"CASE WHEN %[2]s = 0 THEN NULL ELSE (%[1]s - %[2]s) / NULLIF(%[2]s, 0) END AS change_rate "+
		"FROM %[5]s WHERE %[6]s",
		ma, mb, a, b, o.Table, s.successPredicate())
}

func (s *Synthesizer) repurchase() string {
	o := s.orders
	return fmt.Sprintf("SELECT AVG(CASE WHEN w.c7 >= 2 THEN 1 ELSE 0 END) AS repurchase_7d, "+
		"AVG(CASE WHEN w.c14 >= 2 THEN 1 ELSE 0 END) AS repurchase_prev_7d "+
		"FROM (SELECT %[1]s, "+
		"SUM(CASE WHEN %[2]s >= NOW() - INTERVAL 7 DAY AND %[3]s THEN 1 ELSE 0 END) AS c7, "+
		"SUM(CASE WHEN %[2]s >= NOW() - INTERVAL 14 DAY AND %[2]s < NOW() - INTERVAL 7 DAY AND %[3]s THEN 1 ELSE 0 END) AS c14 "+
		"FROM %[4]s WHERE %[1]s IS NOT NULL GROUP BY %[1]s) AS w",
		o.MemberID, o.PaidAt, s.successPredicate(), o.Table)
}
