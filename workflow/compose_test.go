package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

func TestExtractTerms(t *testing.T) {
	defaults := retail.DefaultConfig().PlanDefaults

	tests := []struct {
		name     string
		request  string
		budget   float64
		days     int
		explicit bool
	}{
		{"wan", "给高价值老客做一个促复购活动，预算3万，7天", 30000, 7, true},
		{"decimal wan", "预算1.5万做拉新，周期10天", 15000, 10, true},
		{"plain yuan", "预算5000元，周期14天", 5000, 14, true},
		{"english k", "a retention push with budget 20k for 10 days", 20000, 10, true},
		{"half width comma", "预算2万,5天", 20000, 5, true},
		{"defaults", "做一个会员日活动", defaults.Budget, defaults.DurationDays, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := ExtractTerms(tt.request, defaults)
			assert.Equal(t, tt.budget, terms.Budget)
			assert.Equal(t, tt.days, terms.DurationDays)
			assert.Equal(t, tt.explicit, terms.ExplicitBudget)
			assert.Equal(t, tt.explicit, terms.ExplicitDuration)
		})
	}
}

func TestValidDiagnosis(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   bool
	}{
		{"fallback", diagnosisFallback, true},
		{"full width markers", "1. 发现：下单率下降（data）\n2. 原因：券到期（KB）", true},
		{"prose with both markers", "整体看订单在下滑 (data)，常见原因是触达不足 (kb)。", true},
		{"missing kb", "1. 发现：下单率下降 (data)\n2. 验证：对比14天 (data)", false},
		{"unmarked claim", "1. 发现：下单率下降 (data)\n2. 原因：天气\n3. 下一步：补券 (kb)", false},
		{"unmarked bullet", "- 下单率下降 (data)\n- 券到期 (kb)\n- 多发券", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidDiagnosis(tt.answer))
		})
	}
}

func TestRenderPlan(t *testing.T) {
	p := retail.Plan{Goal: "提升复购", Budget: 30000, DurationDays: 7}
	p.ApplyDefaults(retail.DefaultConfig().PlanDefaults)

	out := RenderPlan(&p)
	assert.Contains(t, out, "**7 天**")
	assert.Contains(t, out, "**30000 元**")
	assert.Contains(t, out, "满 99 元")
	assert.Contains(t, out, "发放上限：1000")
	assert.Contains(t, out, "app_push、sms、wechat")
	assert.Contains(t, out, "### 4. 风险控制")
}

func TestExecutionAnswer(t *testing.T) {
	id := int64(42)
	key := "0123456789abcdef0123"

	assert.Contains(t, executionAnswer(retail.ExecutionResult{IdempotencyKey: key, CouponID: &id, PublishStatus: retail.PublishPublished}), "优惠券 42")
	assert.Contains(t, executionAnswer(retail.ExecutionResult{IdempotencyKey: key, PublishStatus: retail.PublishInProgress}), "正在执行中")
	assert.Contains(t, executionAnswer(retail.ExecutionResult{IdempotencyKey: key, PublishStatus: retail.PublishFailed}), "0123456789ab")
}
