// Package router classifies a request into one of the four intents.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// SystemPrompt restricts the model to the closed intent vocabulary.
const SystemPrompt = "You are an intent classifier for retail operations questions. " +
	"Output exactly one lowercase word: report, diagnose, plan or execute.\n" +
	"report: metrics, trends, rankings from data.\n" +
	"diagnose: why a metric moved, root causes, verification with data.\n" +
	"plan: design a campaign, coupon or promotion with a budget.\n" +
	"execute: carry out an existing campaign plan."

// KeywordRule maps request vocabulary to an intent.
type KeywordRule struct {
	Intent   retail.Intent
	Keywords []string
}

// DefaultKeywordRules is the keyword table checked before the model when
// keyword routing is enabled. Rules are tried in order.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{retail.IntentReport, []string{"报表", "趋势", "gmv", "订单", "客单价"}},
		{retail.IntentDiagnose, []string{"下降", "原因", "怎么回事", "诊断", "为什么"}},
		{retail.IntentPlan, []string{"活动", "优惠券", "预算", "策划", "方案"}},
		{retail.IntentExecute, []string{"执行", "上架", "创建券", "发布券"}},
	}
}

// Decision explains how an intent was chosen.
type Decision struct {
	Intent  retail.Intent `json:"final"`
	Source  string        `json:"source"`
	Model   string        `json:"llm,omitempty"`
	Keyword string        `json:"rule_hit,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Decision sources.
const (
	SourcePlan    = "plan"
	SourceKeyword = "keyword"
	SourceModel   = "model"
	SourceDefault = "default"
)

// Router is the intent classifier.
type Router struct {
	llm   retail.Completer
	rules []KeywordRule
	log   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithKeywordRules enables keyword routing with rules.
func WithKeywordRules(rules []KeywordRule) Option {
	return func(r *Router) { r.rules = rules }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New creates a Router. Keyword routing is off unless WithKeywordRules is given.
func New(llm retail.Completer, opts ...Option) *Router {
	r := &Router{llm: llm, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify returns the intent for request. A present plan always means
// execute. Model failures and unknown labels fall back to report.
func (r *Router) Classify(ctx context.Context, request string, plan *retail.Plan) Decision {
	if plan != nil {
		return Decision{Intent: retail.IntentExecute, Source: SourcePlan}
	}

	lowered := strings.ToLower(request)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				r.log.Debug("intent from keyword", zap.String("intent", string(rule.Intent)), zap.String("keyword", kw))
				return Decision{Intent: rule.Intent, Source: SourceKeyword, Keyword: kw}
			}
		}
	}

	intent, raw, err := r.classify(ctx, request)
	if err != nil {
		r.log.Warn("intent classification failed, defaulting to report", zap.Error(err))
		return Decision{Intent: retail.IntentReport, Source: SourceDefault, Model: raw, Error: err.Error()}
	}
	return Decision{Intent: intent, Source: SourceModel, Model: raw}
}

func (r *Router) classify(ctx context.Context, request string) (retail.Intent, string, error) {
	raw, err := r.llm.Complete(ctx, SystemPrompt, request, 0)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", retail.ErrClassification, err)
	}
	label := strings.Trim(strings.TrimSpace(raw), "`\"'.。")
	intent, ok := retail.ParseIntent(label)
	if !ok {
		return "", raw, fmt.Errorf("%w: unexpected label %q", retail.ErrClassification, raw)
	}
	return intent, raw, nil
}
