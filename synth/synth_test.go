package synth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/guard"
	"github.com/hazzzzzy/mvp-retail-ai/internal/retailtest"
	"github.com/hazzzzzy/mvp-retail-ai/semantic"
)

func newSynth(llm retail.Completer) *Synthesizer {
	return New(llm, retailtest.Schema("orders(id, paid_at, amount)"), retail.DefaultConfig().Orders)
}

func TestRule_Shapes(t *testing.T) {
	s := newSynth(&retailtest.Completer{})

	tests := []struct {
		name     string
		request  string
		intent   retail.Intent
		wantRule string
		contains []string
	}{
		{
			name:     "recent aggregate",
			request:  "最近7天GMV和订单数",
			intent:   retail.IntentReport,
			wantRule: RuleRecentAggregate,
			contains: []string{"INTERVAL 7 DAY", "AS aov", "pay_status = 1"},
		},
		{
			name:     "daily trend by store",
			request:  "最近7天各门店GMV、客单价、订单数，按天趋势",
			intent:   retail.IntentReport,
			wantRule: RuleDailyTrend,
			contains: []string{"DATE(paid_at) AS dt", "GROUP BY DATE(paid_at), store_id", "INTERVAL 7 DAY"},
		},
		{
			name:     "month compare",
			request:  "去年3月份GMV相比去年5月",
			intent:   retail.IntentDiagnose,
			wantRule: RuleMonthCompare,
			contains: []string{"MONTH(paid_at) = 3", "MONTH(paid_at) = 5", "AS change_rate"},
		},
		{
			name:     "repurchase diagnosis",
			request:  "这周复购率下降了，可能原因是什么？用数据验证",
			intent:   retail.IntentDiagnose,
			wantRule: RuleRepurchase,
			contains: []string{"repurchase_7d", "AS w"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, rule, ok := s.Rule(tt.request, tt.intent)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, rule)
			for _, c := range tt.contains {
				assert.Contains(t, sql, c)
			}
		})
	}
}

func TestRule_NoMatch(t *testing.T) {
	s := newSynth(&retailtest.Completer{})

	for _, tc := range []struct {
		request string
		intent  retail.Intent
	}{
		{"最近7天GMV按天趋势", retail.IntentDiagnose},
		{"各门店会员数", retail.IntentReport},
		{"今年3月对比去年3月GMV", retail.IntentReport},
		{"复购率怎么样", retail.IntentReport},
	} {
		_, _, ok := s.Rule(tc.request, tc.intent)
		assert.False(t, ok, tc.request)
	}
}

func TestRule_TemplatesPassGuardAndSemanticCheck(t *testing.T) {
	s := newSynth(&retailtest.Completer{})
	v := guard.New(200)
	checker := semantic.New()

	for _, tc := range []struct {
		request string
		intent  retail.Intent
	}{
		{"最近7天GMV和订单数", retail.IntentReport},
		{"最近7天各门店GMV、客单价、订单数，按天趋势", retail.IntentReport},
		{"去年3月GMV对比去年5月", retail.IntentReport},
		{"复购率下降了是什么原因", retail.IntentDiagnose},
	} {
		sql, _, ok := s.Rule(tc.request, tc.intent)
		require.True(t, ok, tc.request)

		safe, verdict, err := v.Validate(sql)
		require.NoError(t, err, sql)
		assert.True(t, verdict.LimitApplied)
		require.NoError(t, checker.Check(tc.request, safe), safe)
	}
}

func TestRule_StringSuccessValue(t *testing.T) {
	orders := retail.DefaultConfig().Orders
	orders.SuccessValue = "PAID'"
	s := New(&retailtest.Completer{}, nil, orders)

	sql, _, ok := s.Rule("最近3天GMV订单数", retail.IntentReport)
	require.True(t, ok)
	assert.Contains(t, sql, "pay_status = 'PAID'''")
}

func TestSynthesize_ModelFallback(t *testing.T) {
	llm := &retailtest.Completer{Text: "Here you go:\n```sql\nSELECT city, COUNT(*) FROM stores GROUP BY city;\n```"}
	s := newSynth(llm)

	c, err := s.Synthesize(context.Background(), "每个城市有几家门店", retail.IntentReport)
	require.NoError(t, err)
	assert.Equal(t, retail.ProvenanceModel, c.Provenance)
	assert.Equal(t, "SELECT city, COUNT(*) FROM stores GROUP BY city;", c.SQL)

	calls := llm.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "orders(id, paid_at, amount)")
	assert.Contains(t, calls[0].User, "每个城市有几家门店")
}

func TestSynthesize_RuleSkipsModel(t *testing.T) {
	llm := &retailtest.Completer{}
	s := newSynth(llm)

	c, err := s.Synthesize(context.Background(), "最近7天GMV和订单数", retail.IntentReport)
	require.NoError(t, err)
	assert.Equal(t, retail.ProvenanceRule, c.Provenance)
	assert.Equal(t, RuleRecentAggregate, c.Rule)
	assert.Empty(t, llm.Calls())
}

func TestSynthesize_ModelError(t *testing.T) {
	boom := errors.New("boom")
	s := newSynth(&retailtest.Completer{Reply: func(int, string, string) (string, error) { return "", boom }})

	_, err := s.Synthesize(context.Background(), "每个城市有几家门店", retail.IntentReport)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRepair(t *testing.T) {
	llm := &retailtest.Completer{Text: "select id from orders limit 5"}
	s := newSynth(llm)

	c, err := s.Repair(context.Background(), "q", retail.IntentReport, "select id from order", "table order missing")
	require.NoError(t, err)
	assert.Equal(t, retail.ProvenanceRepair, c.Provenance)
	assert.Equal(t, "select id from orders limit 5", c.SQL)
	assert.Contains(t, llm.Calls()[0].User, "table order missing")
}

func TestExtractSelect(t *testing.T) {
	assert.Equal(t, "SELECT 1;", ExtractSelect("```SQL\nSELECT 1;\nselect 2;\n```"))
	assert.Equal(t, "select a\nfrom t", ExtractSelect("  select a\nfrom t  "))
	assert.Equal(t, "no sql here", ExtractSelect("no sql here"))
	assert.Equal(t, "SELECT 1", ExtractSelect("here it is: SELECT 1"))
}

func TestExtractSelect_KeepsWithClause(t *testing.T) {
	cte := "WITH w AS (SELECT member_id, COUNT(*) AS c FROM orders GROUP BY member_id)\nSELECT AVG(c >= 2) FROM w;"
	assert.Equal(t, cte, ExtractSelect("```sql\n"+cte+"\n```"))
	assert.Equal(t, cte, ExtractSelect("Query:\n"+cte))

	window := "SELECT store_id, ROW_NUMBER() OVER (ORDER BY gmv DESC) AS rn FROM store_gmv"
	assert.Equal(t, window, ExtractSelect(window))

	assert.Equal(t, "SELECT 1", ExtractSelect("With this query you get one row: SELECT 1"))
}
