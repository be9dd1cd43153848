// Package workflow is the top-level state machine. A request is routed to one
// intent and handled by exactly one branch: report, diagnose, plan or execute.
package workflow

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/campaign"
	"github.com/hazzzzzy/mvp-retail-ai/metrics"
	"github.com/hazzzzzy/mvp-retail-ai/repair"
	"github.com/hazzzzzy/mvp-retail-ai/router"
)

// Classifier picks the intent of a request.
type Classifier interface {
	Classify(ctx context.Context, request string, plan *retail.Plan) router.Decision
}

// Querier answers a request with rows through the repair loop.
type Querier interface {
	Run(ctx context.Context, request string, intent retail.Intent) repair.Result
}

// Executor carries out a plan exactly once per fingerprint.
type Executor interface {
	Execute(ctx context.Context, plan retail.Plan) campaign.Outcome
}

// Report is the tabular part of a report answer.
type Report struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Debug is the observability trail of one run. It is never shown as the answer.
type Debug struct {
	Route          router.Decision      `json:"route_intent"`
	SQL            string               `json:"sql,omitempty"`
	Guard          *retail.GuardVerdict `json:"guard,omitempty"`
	Attempts       []retail.Attempt     `json:"attempts,omitempty"`
	Recovered      bool                 `json:"recovered"`
	QueryError     string               `json:"query_error,omitempty"`
	FallbackQuery  bool                 `json:"fallback_query,omitempty"`
	FallbackAnswer bool                 `json:"fallback_answer,omitempty"`
	KnowledgeError string               `json:"knowledge_error,omitempty"`
	PlanError      string               `json:"plan_error,omitempty"`
	PlanFixed      bool                 `json:"plan_fixed,omitempty"`
	Replayed       bool                 `json:"replayed,omitempty"`
	Timings        map[string]int64     `json:"timings_ms"`
	Model          string               `json:"model,omitempty"`
}

// Response is the final result of a run.
type Response struct {
	Intent    retail.Intent           `json:"intent"`
	Answer    string                  `json:"answer"`
	Report    *Report                 `json:"report,omitempty"`
	Plan      *retail.Plan            `json:"plan,omitempty"`
	Execution *retail.ExecutionResult `json:"execution,omitempty"`
	Debug     Debug                   `json:"debug"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Router    Classifier
	Query     Querier
	Retriever retail.Retriever
	LLM       retail.Completer
	Executor  Executor
	Defaults  retail.PlanDefaults
	TopK      int
}

// Orchestrator runs requests. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	deps     Deps
	log      *zap.Logger
	tracer   trace.Tracer
	handlers map[retail.Intent]handler
}

type handler func(ctx context.Context, r *run) error

// run is the mutable state of one request.
type run struct {
	req  retail.Request
	emit retail.TokenFunc
	resp *Response
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithTracer sets the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	o := &Orchestrator{
		deps:   deps,
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/hazzzzzy/mvp-retail-ai/workflow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[retail.Intent]handler{
		retail.IntentReport:   o.report,
		retail.IntentDiagnose: o.diagnose,
		retail.IntentPlan:     o.plan,
		retail.IntentExecute:  o.execute,
	}
	return o
}

// Run routes req and runs its branch. sink, when non-nil, receives answer
// text as it is produced. Errors are returned only for cancellation or a
// failing sink; every other failure becomes a worded answer with details in
// Debug.
func (o *Orchestrator) Run(ctx context.Context, req retail.Request, sink retail.TokenFunc) (*Response, error) {
	started := time.Now()
	r := &run{
		req:  req,
		emit: guardSink(ctx, sink),
		resp: &Response{Debug: Debug{Timings: map[string]int64{}}},
	}

	step := time.Now()
	decision := o.deps.Router.Classify(ctx, req.Query, req.Plan)
	r.lap("route", step)
	r.resp.Intent = decision.Intent
	r.resp.Debug.Route = decision
	o.log.Info("request routed",
		zap.String("intent", string(decision.Intent)),
		zap.String("source", decision.Source))
	if err := ctx.Err(); err != nil {
		metrics.RecordWorkflow(string(decision.Intent), "cancelled", time.Since(started))
		return nil, err
	}

	h, ok := o.handlers[decision.Intent]
	if !ok {
		h = o.report
		r.resp.Intent = retail.IntentReport
	}

	ctx, span := o.tracer.Start(ctx, "workflow."+string(r.resp.Intent),
		trace.WithAttributes(attribute.String("intent", string(r.resp.Intent))))
	defer span.End()

	if err := h(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordWorkflow(string(r.resp.Intent), "cancelled", time.Since(started))
		o.log.Info("workflow cancelled", zap.String("intent", string(r.resp.Intent)), zap.Error(err))
		return nil, err
	}
	r.lap("total", started)
	metrics.RecordWorkflow(string(r.resp.Intent), outcomeOf(r.resp), time.Since(started))
	return r.resp, nil
}

func (o *Orchestrator) report(ctx context.Context, r *run) error {
	step := time.Now()
	res := o.deps.Query.Run(ctx, r.req.Query, retail.IntentReport)
	r.lap("query", step)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.recordQuery(res)
	r.resp.Report = &Report{Columns: res.Rows.Columns, Rows: res.Rows.Records}

	step = time.Now()
	defer r.lap("compose", step)
	switch {
	case !res.OK:
		return r.say(failedQueryAnswer(len(res.Attempts)))
	case res.Rows.Len() == 0:
		return r.say(emptyReportAnswer)
	}

	answer, err := o.generate(ctx, r, reportSystem, reportPrompt(r.req.Query, res.Rows), 0.2)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.log.Warn("report summary failed, using template", zap.Error(err))
	}
	if err != nil || strings.TrimSpace(answer) == "" {
		r.resp.Debug.FallbackAnswer = true
		return r.replace(answer, reportSummary(res.Rows))
	}
	r.resp.Answer = answer
	return nil
}

func (o *Orchestrator) diagnose(ctx context.Context, r *run) error {
	step := time.Now()
	res := o.deps.Query.Run(ctx, r.req.Query, retail.IntentDiagnose)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.recordQuery(res)
	if res.Rows.Len() == 0 {
		o.log.Info("diagnosis query returned no rows, widening to report query", zap.Bool("ok", res.OK))
		r.resp.Debug.FallbackQuery = true
		res = o.deps.Query.Run(ctx, r.req.Query, retail.IntentReport)
		if err := ctx.Err(); err != nil {
			return err
		}
		r.recordQuery(res)
	}
	r.lap("query", step)
	r.resp.Report = &Report{Columns: res.Rows.Columns, Rows: res.Rows.Records}

	knowledge, err := o.retrieve(ctx, r)
	if err != nil {
		return err
	}

	step = time.Now()
	defer r.lap("compose", step)
	answer, err := o.generate(ctx, r, diagnoseSystem, diagnosePrompt(r.req.Query, res.Rows, knowledge), 0.2)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.log.Warn("diagnosis generation failed, using template", zap.Error(err))
	}
	if err != nil || !ValidDiagnosis(answer) {
		r.resp.Debug.FallbackAnswer = true
		return r.replace(answer, diagnosisFallback)
	}
	r.resp.Answer = answer
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, r *run) error {
	knowledge, err := o.retrieve(ctx, r)
	if err != nil {
		return err
	}

	step := time.Now()
	terms := ExtractTerms(r.req.Query, o.deps.Defaults)
	raw, err := o.deps.LLM.Complete(ctx, planSystem, planPrompt(r.req.Query, terms, knowledge), 0.2)
	r.lap("plan", step)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var plan *retail.Plan
	if err == nil {
		plan, err = retail.ParsePlan(raw)
	}
	if err != nil {
		o.log.Warn("plan generation failed", zap.Error(err))
		r.resp.Debug.PlanError = err.Error()
		return r.say(invalidPlanAnswer)
	}

	if terms.ExplicitBudget || plan.Budget <= 0 {
		plan.Budget = terms.Budget
	}
	if terms.ExplicitDuration || plan.DurationDays <= 0 {
		plan.DurationDays = terms.DurationDays
	}
	r.resp.Debug.PlanFixed = plan.ApplyDefaults(o.deps.Defaults)
	r.resp.Plan = plan

	step = time.Now()
	defer r.lap("compose", step)
	answer, err := o.generate(ctx, r, explainSystem, explainPrompt(r.req.Query, plan), 0.3)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.log.Warn("plan explanation failed, using template", zap.Error(err))
	}
	if err != nil || strings.TrimSpace(answer) == "" {
		r.resp.Debug.FallbackAnswer = true
		return r.replace(answer, RenderPlan(plan))
	}
	r.resp.Answer = answer
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if r.req.Plan == nil {
		return r.say(missingPlanAnswer)
	}
	step := time.Now()
	out := o.deps.Executor.Execute(ctx, *r.req.Plan)
	r.lap("execute", step)

	r.resp.Plan = &out.Plan
	r.resp.Execution = &out.Result
	r.resp.Debug.PlanFixed = out.PlanFixed
	r.resp.Debug.Replayed = out.Replayed
	return r.say(executionAnswer(out.Result))
}

// retrieve fetches knowledge. A retrieval failure yields no knowledge.
func (o *Orchestrator) retrieve(ctx context.Context, r *run) ([]retail.Snippet, error) {
	step := time.Now()
	defer r.lap("retrieve", step)
	knowledge, err := o.deps.Retriever.RetrieveTopK(ctx, r.req.Query, o.deps.TopK)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		o.log.Warn("knowledge retrieval failed", zap.Error(err))
		r.resp.Debug.KnowledgeError = err.Error()
		return nil, nil
	}
	return knowledge, nil
}

// generate streams into the sink when there is one.
func (o *Orchestrator) generate(ctx context.Context, r *run, system, user string, temperature float64) (string, error) {
	if r.emit == nil {
		return o.deps.LLM.Complete(ctx, system, user, temperature)
	}
	return o.deps.LLM.CompleteStream(ctx, system, user, temperature, r.emit)
}

func (r *run) say(answer string) error {
	r.resp.Answer = answer
	if r.emit == nil {
		return nil
	}
	return r.emit(answer)
}

// replace sets a template answer. When rejected text was already streamed the
// template follows it on the sink after a blank line.
func (r *run) replace(streamed, answer string) error {
	r.resp.Answer = answer
	if r.emit == nil {
		return nil
	}
	if streamed != "" {
		return r.emit("\n\n" + answer)
	}
	return r.emit(answer)
}

func (r *run) recordQuery(res repair.Result) {
	d := &r.resp.Debug
	d.SQL = res.SQL
	d.Attempts = append(d.Attempts, res.Attempts...)
	d.Recovered = res.Recovered
	if res.OK || res.Verdict.Reason != "" {
		v := res.Verdict
		d.Guard = &v
	}
	d.QueryError = ""
	if !res.OK {
		d.QueryError = res.Error
	}
}

func (r *run) lap(name string, since time.Time) {
	r.resp.Debug.Timings[name] = time.Since(since).Milliseconds()
}

// guardSink drops tokens once ctx is done.
func guardSink(ctx context.Context, sink retail.TokenFunc) retail.TokenFunc {
	if sink == nil {
		return nil
	}
	return func(token string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sink(token)
	}
}

func outcomeOf(resp *Response) string {
	switch {
	case resp.Debug.QueryError != "" && resp.Report != nil && len(resp.Report.Rows) == 0:
		return "degraded"
	case resp.Debug.PlanError != "":
		return "degraded"
	case resp.Execution != nil && resp.Execution.PublishStatus != retail.PublishPublished:
		return "failed"
	case resp.Debug.FallbackAnswer:
		return "fallback"
	default:
		return "ok"
	}
}
