package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/internal/retailtest"
)

func TestClassify_PlanForcesExecute(t *testing.T) {
	llm := &retailtest.Completer{Text: "plan"}
	r := New(llm)

	d := r.Classify(context.Background(), "给高价值老客做一个促复购活动", &retail.Plan{Goal: "提升复购"})

	assert.Equal(t, retail.IntentExecute, d.Intent)
	assert.Equal(t, SourcePlan, d.Source)
	assert.Empty(t, llm.Calls())
}

func TestClassify_ModelLabels(t *testing.T) {
	tests := []struct {
		reply string
		want  retail.Intent
		src   string
	}{
		{"report", retail.IntentReport, SourceModel},
		{" Diagnose\n", retail.IntentDiagnose, SourceModel},
		{"`plan`", retail.IntentPlan, SourceModel},
		{"execute.", retail.IntentExecute, SourceModel},
		{"I think this is a report", retail.IntentReport, SourceDefault},
		{"delete", retail.IntentReport, SourceDefault},
		{"", retail.IntentReport, SourceDefault},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			r := New(&retailtest.Completer{Text: tt.reply})
			d := r.Classify(context.Background(), "question", nil)
			assert.Equal(t, tt.want, d.Intent)
			assert.Equal(t, tt.src, d.Source)
		})
	}
}

func TestClassify_ModelErrorDefaultsToReport(t *testing.T) {
	r := New(&retailtest.Completer{Reply: func(int, string, string) (string, error) {
		return "", errors.New("timeout")
	}})

	d := r.Classify(context.Background(), "question", nil)

	assert.Equal(t, retail.IntentReport, d.Intent)
	assert.Equal(t, SourceDefault, d.Source)
	assert.Contains(t, d.Error, "classification failed")
}

func TestClassify_KeywordRules(t *testing.T) {
	llm := &retailtest.Completer{Text: "execute"}
	r := New(llm, WithKeywordRules(DefaultKeywordRules()))

	tests := []struct {
		request string
		want    retail.Intent
	}{
		{"最近7天各门店GMV、客单价、订单数，按天趋势", retail.IntentReport},
		{"这周复购率下降了，可能原因是什么？用数据验证", retail.IntentDiagnose},
		{"给高价值老客做一个促复购活动，预算3万，7天", retail.IntentPlan},
	}
	for _, tt := range tests {
		d := r.Classify(context.Background(), tt.request, nil)
		assert.Equal(t, tt.want, d.Intent, tt.request)
		assert.Equal(t, SourceKeyword, d.Source)
	}
	assert.Empty(t, llm.Calls())

	d := r.Classify(context.Background(), "hello", nil)
	require.Equal(t, SourceModel, d.Source)
	assert.Equal(t, retail.IntentExecute, d.Intent)
}

func TestClassify_SendsClosedVocabulary(t *testing.T) {
	llm := &retailtest.Completer{Text: "report"}
	New(llm).Classify(context.Background(), "最近7天GMV", nil)

	calls := llm.Calls()
	require.Len(t, calls, 1)
	for _, intent := range retail.Intents {
		assert.Contains(t, calls[0].System, string(intent))
	}
	assert.Equal(t, "最近7天GMV", calls[0].User)
}
