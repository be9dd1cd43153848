package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

func TestChecker(t *testing.T) {
	c := New()

	tests := []struct {
		name    string
		request string
		sql     string
		wantErr bool
	}{
		{
			name:    "seven day window",
			request: "最近7天GMV和订单数",
			sql:     "select sum(amount) from orders where paid_at >= now() - interval 7 day limit 200",
		},
		{
			name:    "wrong day count",
			request: "最近7天GMV",
			sql:     "select sum(amount) from orders where paid_at >= now() - interval 30 day",
			wantErr: true,
		},
		{
			name:    "month unit for days",
			request: "最近7天GMV",
			sql:     "select sum(amount) from orders where paid_at >= now() - interval 7 month",
			wantErr: true,
		},
		{
			name:    "english recent days",
			request: "GMV for the last 14 days",
			sql:     "select sum(amount) from orders where paid_at >= now() - interval 14 day",
		},
		{
			name:    "daily trend with date grouping",
			request: "最近7天各门店GMV、客单价、订单数，按天趋势",
			sql:     "select date(paid_at) as dt, sum(amount) from orders where paid_at >= now() - interval 7 day group by date(paid_at)",
		},
		{
			name:    "daily trend with date_format",
			request: "每天的订单数",
			sql:     "select date_format(paid_at, '%Y-%m-%d') as dt, count(*) from orders group by dt",
		},
		{
			name:    "daily trend without grouping",
			request: "按天看GMV",
			sql:     "select date(paid_at), amount from orders",
			wantErr: true,
		},
		{
			name:    "month compare both present",
			request: "去年3月份的GMV相比去年5月怎么样",
			sql:     "select sum(case when month(paid_at) = 3 then amount else 0 end), sum(case when month(paid_at) = 5 then amount else 0 end) from orders",
		},
		{
			name:    "month compare missing one",
			request: "去年3月对比去年5月GMV",
			sql:     "select sum(amount) from orders where month(paid_at) = 3",
			wantErr: true,
		},
		{
			name:    "cross year compare",
			request: "今年2月比去年2月的销售额",
			sql:     "select sum(amount) from orders where month(paid_at) = 2",
		},
		{
			name:    "no constraint",
			request: "各门店会员数",
			sql:     "select store_id, count(*) from members group by store_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(tt.request, tt.sql)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, retail.ErrSemanticMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMonthCompare_ListsMissingMonths(t *testing.T) {
	err := New().Check("去年3月对比去年11月GMV", "select sum(amount) from orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[3 11]")
}

func TestExtraction(t *testing.T) {
	n, ok := RecentDaysIn("最近 30 天")
	require.True(t, ok)
	assert.Equal(t, 30, n)

	_, ok = RecentDaysIn("本月")
	assert.False(t, ok)

	a, b, ok := ComparedMonths("去年13月对比去年5月")
	assert.False(t, ok)
	assert.Zero(t, a)
	assert.Zero(t, b)

	a, b, ok = ComparedMonths("去年1月份对比去年12月份")
	require.True(t, ok)
	assert.Equal(t, 1, a)
	assert.Equal(t, 12, b)

	assert.True(t, AsksDaily("日趋势"))
	assert.False(t, AsksDaily("周趋势"))
}

type alwaysFail struct{}

func (alwaysFail) Name() string                { return "always" }
func (alwaysFail) Check(string, string) error { return assert.AnError }

func TestCustomRules(t *testing.T) {
	err := New(alwaysFail{}).Check("anything", "select 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, retail.ErrSemanticMismatch)
	assert.Contains(t, err.Error(), "always")
}
