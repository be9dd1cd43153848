// Package kb retrieves knowledge-base snippets for diagnosis and planning.
package kb

import (
	"context"
	"sort"
	"strings"
	"unicode"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Doc is one seeded knowledge-base document.
type Doc struct {
	ID      string
	Title   string
	Tags    []string
	Content string
}

// SeedDocs are the built-in metric definitions and playbooks.
func SeedDocs() []Doc {
	return []Doc{
		{"m1", "GMV口径", []string{"metric"}, "GMV 指支付成功订单金额总和，建议按 pay_status=1 统计并排除退款。"},
		{"m2", "客单价口径", []string{"metric"}, "客单价=支付成功订单金额总和/支付成功订单数。"},
		{"m3", "复购率口径", []string{"metric"}, "复购率可定义为周期内下单次数>=2的会员数占有下单会员数比例。"},
		{"m4", "支付成功率口径", []string{"metric"}, "支付成功率=支付成功订单数/全部支付尝试订单数。"},
		{"d1", "复购率下降常见原因", []string{"diagnosis"}, "复购率下降常见原因：券到期、触达下降、供给变化、价格变化、支付失败上升、外卖占比变化。"},
		{"d2", "复购验证路径", []string{"diagnosis"}, "验证顺序建议：先看老客下单率，再看支付成功率与客单，再看渠道结构变化。"},
		{"c1", "满减券玩法", []string{"campaign"}, "满减券适合提升客单：设置门槛略高于当前客单价，控制预算上限。"},
		{"c2", "折扣券玩法", []string{"campaign"}, "折扣券适合拉动转化，需限制人群与核销上限。"},
		{"c3", "会员日玩法", []string{"campaign"}, "会员日强调高价值老客召回，常配合短信+App Push双通道触达。"},
		{"r1", "预算风险", []string{"risk"}, "预算风险控制：设置 max_redemptions、单用户限领限核销、券叠加限制。"},
		{"r2", "羊毛党风险", []string{"risk"}, "防羊毛策略：黑名单、设备指纹、新客券与老客券分离、异常核销预警。"},
	}
}

// Static ranks a fixed document set by term overlap with the query.
// Chinese text contributes character bigrams and other text whole words.
type Static struct {
	docs  []Doc
	index []indexed
}

type indexed struct {
	title map[string]struct{}
	body  map[string]struct{}
}

// NewStatic indexes docs. With none it uses SeedDocs.
func NewStatic(docs ...Doc) *Static {
	if len(docs) == 0 {
		docs = SeedDocs()
	}
	s := &Static{docs: docs, index: make([]indexed, len(docs))}
	for i, d := range docs {
		s.index[i] = indexed{title: termSet(d.Title), body: termSet(d.Content)}
	}
	return s
}

// RetrieveTopK returns at most k documents with a positive score, best first.
// Title matches count double.
func (s *Static) RetrieveTopK(ctx context.Context, query string, k int) ([]retail.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termSet(query)

	type scored struct {
		i     int
		score int
	}
	var hits []scored
	for i, idx := range s.index {
		score := 0
		for t := range q {
			if _, ok := idx.title[t]; ok {
				score += 2
			}
			if _, ok := idx.body[t]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{i, score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]retail.Snippet, 0, len(hits))
	for _, h := range hits {
		d := s.docs[h.i]
		out = append(out, retail.Snippet{Title: d.Title, Content: d.Content, Tags: append([]string(nil), d.Tags...)})
	}
	return out, nil
}

func termSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	var han []rune
	var word strings.Builder
	flushHan := func() {
		for i := 0; i+1 < len(han); i++ {
			set[string(han[i:i+2])] = struct{}{}
		}
		if len(han) == 1 {
			set[string(han)] = struct{}{}
		}
		han = han[:0]
	}
	flushWord := func() {
		if word.Len() > 1 {
			set[word.String()] = struct{}{}
		}
		word.Reset()
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			flushHan()
			word.WriteRune(r)
		default:
			flushHan()
			flushWord()
		}
	}
	flushHan()
	flushWord()
	return set
}

// Ensure Static implements retail.Retriever at compile time.
var _ retail.Retriever = (*Static)(nil)
