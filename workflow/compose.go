package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Evidence markers every diagnosis claim must carry.
const (
	DataMarker = "(data)"
	KBMarker   = "(kb)"
)

const reportSystem = `你是零售经营数据分析助手。根据查询结果用中文给出简洁结论：
先给出核心数字，再指出明显的高低点或趋势，最后一句说明口径。
只使用给定的数据，不要编造数字，不要输出 SQL。`

const diagnoseSystem = `你是零售经营诊断助手，严格输出四段：
1. 发现（必须引用 data）
2. 原因假设（必须引用 kb）
3. 验证（必须引用 data）
4. 下一步（引用 kb 或 data）
每条结论都必须标注来源：(data) 或 (kb)。`

const planSystem = `你是营销活动方案生成器，只输出 JSON，且必须符合目标 schema。
从用户输入提取预算与周期。
offer 必须包含 type/threshold/value/max_redemptions。`

const explainSystem = `你是营销活动方案讲解助手。把给定的 JSON 方案用中文 markdown 讲清楚：
人群策略、优惠策略、KPI 目标、风险控制四部分，数字必须与方案一致，不要增加方案里没有的内容。`

// diagnosisFallback attributes every line to an evidence source.
const diagnosisFallback = "1. 发现：近7天复购相关指标出现下滑，且部分门店支付成功率下降 (data)\n" +
	"2. 原因假设：可能由券到期、触达下降、支付失败上升等导致 (kb)\n" +
	"3. 验证：需按老客下单率、支付成功率、渠道占比分解对比近14天 (data)\n" +
	"4. 下一步：优先做老客定向券并监控核销与支付链路，设置预算上限 (kb)"

const metricNote = "口径说明：GMV 为支付成功订单的 amount 汇总；客单价=GMV/成功订单数。"

func reportPrompt(request string, rows retail.Rows) string {
	return fmt.Sprintf("用户问题：%s\n字段：%s\n共 %d 行，前 %d 行数据：%s",
		request, strings.Join(rows.Columns, ", "), rows.Len(), len(rows.Head(20)), sample(rows.Head(20)))
}

func reportSummary(rows retail.Rows) string {
	return fmt.Sprintf("报表已生成，共 %d 行（字段：%s）。%s", rows.Len(), strings.Join(rows.Columns, "、"), metricNote)
}

const emptyReportAnswer = "查询已执行，但没有符合条件的数据。可以放宽时间范围或检查筛选条件后再试。"

func failedQueryAnswer(attempts int) string {
	return fmt.Sprintf("暂时无法完成这次查询：自动生成的 SQL 在 %d 次尝试后仍未通过校验或执行。请换一种问法，或缩小时间范围、指定具体指标后再试。", attempts)
}

func diagnosePrompt(request string, rows retail.Rows, knowledge []retail.Snippet) string {
	return fmt.Sprintf("用户问题：%s\n数据样本：%s\n知识要点：\n%s", request, sample(rows.Head(5)), knowledgeList(knowledge))
}

func planPrompt(request string, terms Terms, knowledge []retail.Snippet) string {
	tip := map[string]any{
		"goal":           "string",
		"duration_days":  terms.DurationDays,
		"budget":         terms.Budget,
		"target_segment": map[string]any{"definition": "string", "rules": []string{"..."}},
		"offer":          map[string]any{"type": "full_reduction|discount|points", "threshold": 0, "value": 0, "max_redemptions": 0},
		"channels":       []string{"app_push", "sms", "wechat"},
		"kpi":            map[string]any{"primary": "repeat_rate", "targets": []string{"..."}},
		"risk_controls":  []string{"..."},
		"sql_preview":    "optional string",
	}
	schema, _ := json.Marshal(tip)
	return fmt.Sprintf("用户需求：%s\n预算：%v\n周期：%d\n知识库：\n%s\n输出schema：%s",
		request, terms.Budget, terms.DurationDays, knowledgeList(knowledge), schema)
}

func explainPrompt(request string, plan *retail.Plan) string {
	body, _ := json.Marshal(plan)
	return fmt.Sprintf("用户需求：%s\n方案：%s", request, body)
}

const invalidPlanAnswer = "方案生成失败：模型没有返回有效的结构化方案，请稍后重试或补充活动目标、预算和周期。"

const missingPlanAnswer = "没有可执行的活动方案。请先生成方案，确认后再执行上架。"

func executionAnswer(res retail.ExecutionResult) string {
	switch res.PublishStatus {
	case retail.PublishPublished:
		id := int64(0)
		if res.CouponID != nil {
			id = *res.CouponID
		}
		return fmt.Sprintf("活动已上架：优惠券 %d 发布成功（幂等键 %s）。重复提交同一方案不会重复发券。", id, shortKey(res.IdempotencyKey))
	case retail.PublishInProgress:
		return fmt.Sprintf("该方案正在执行中（幂等键 %s），请稍后查看结果。", shortKey(res.IdempotencyKey))
	default:
		return fmt.Sprintf("活动执行失败（幂等键 %s），已记录失败日志，可稍后重试。", shortKey(res.IdempotencyKey))
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// RenderPlan is the deterministic markdown explanation of a plan.
func RenderPlan(p *retail.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 活动方案\n\n建议周期 **%d 天**，预算 **%s 元**，目标是 **%s**。\n\n", p.DurationDays, money(p.Budget), p.Goal)

	b.WriteString("### 1. 人群策略\n")
	fmt.Fprintf(&b, "- 人群定义：%s\n", p.TargetSegment.Definition)
	bullets(&b, p.TargetSegment.Rules, 4)

	b.WriteString("\n### 2. 优惠策略\n")
	fmt.Fprintf(&b, "- 类型：%s\n", p.Offer.Type)
	if p.Offer.Threshold != nil {
		fmt.Fprintf(&b, "- 门槛：满 %s 元\n", money(*p.Offer.Threshold))
	}
	if p.Offer.Value != nil {
		fmt.Fprintf(&b, "- 面额/折扣：%s\n", money(*p.Offer.Value))
	}
	if p.Offer.MaxRedemptions != nil {
		fmt.Fprintf(&b, "- 发放上限：%d\n", *p.Offer.MaxRedemptions)
	}
	if len(p.Channels) > 0 {
		fmt.Fprintf(&b, "- 触达渠道：%s\n", strings.Join(p.Channels, "、"))
	}

	b.WriteString("\n### 3. KPI 目标\n")
	fmt.Fprintf(&b, "- 主指标：%s\n", p.KPI.Primary)
	bullets(&b, p.KPI.Targets, 3)

	b.WriteString("\n### 4. 风险控制\n")
	bullets(&b, p.RiskControls, 4)

	b.WriteString("\n确认后可直接执行上架，进入发布闭环。")
	return b.String()
}

func bullets(b *strings.Builder, items []string, limit int) {
	for i, item := range items {
		if i == limit {
			break
		}
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func money(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func sample(records []map[string]any) string {
	b, err := json.Marshal(records)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func knowledgeList(knowledge []retail.Snippet) string {
	if len(knowledge) == 0 {
		return "（无）"
	}
	lines := make([]string, 0, len(knowledge))
	for _, k := range knowledge {
		lines = append(lines, fmt.Sprintf("- %s: %s", k.Title, k.Content))
	}
	return strings.Join(lines, "\n")
}

var (
	claimLine = regexp.MustCompile(`^\s*(?:\d+\s*[.、)）]|[-*•])\s*\S`)
	fullWidth = strings.NewReplacer("（", "(", "）", ")")
)

// ValidDiagnosis reports whether answer cites both evidence kinds and every
// numbered or bulleted claim carries a marker.
func ValidDiagnosis(answer string) bool {
	norm := strings.ToLower(fullWidth.Replace(answer))
	if !strings.Contains(norm, DataMarker) || !strings.Contains(norm, KBMarker) {
		return false
	}
	for _, line := range strings.Split(norm, "\n") {
		if claimLine.MatchString(line) && !strings.Contains(line, DataMarker) && !strings.Contains(line, KBMarker) {
			return false
		}
	}
	return true
}
