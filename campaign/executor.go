// Package campaign executes campaign plans against the coupon service exactly
// once per plan fingerprint.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/metrics"
)

// Outcome is what Execute reports to the workflow.
type Outcome struct {
	Result    retail.ExecutionResult
	Plan      retail.Plan
	PlanFixed bool
	Replayed  bool
	Attempt   int
}

// Executor drives create-then-publish behind the action log claim.
type Executor struct {
	store    retail.Store
	coupons  retail.CouponService
	defaults retail.PlanDefaults
	log      *zap.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor.
func New(store retail.Store, coupons retail.CouponService, defaults retail.PlanDefaults, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		coupons:  coupons,
		defaults: defaults,
		log:      zap.NewNop(),
		tracer:   otel.Tracer("github.com/hazzzzzy/mvp-retail-ai/campaign"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name is the campaign name derived from an idempotency key.
func Name(key string) string {
	if len(key) > 12 {
		key = key[:12]
	}
	return "campaign-" + key
}

// Execute runs plan at most once per fingerprint. A stored success is
// returned verbatim. Failures are reported in the result, never as errors.
// Once the claim is won the run is detached from ctx cancellation so that the
// log always reflects what happened downstream.
func (e *Executor) Execute(ctx context.Context, plan retail.Plan) Outcome {
	ctx, span := e.tracer.Start(ctx, "campaign.execute")
	defer span.End()

	out := Outcome{Plan: plan}
	if !out.Plan.Offer.Complete() {
		out.PlanFixed = out.Plan.ApplyDefaults(e.defaults)
	}

	canonical, err := out.Plan.Canonical()
	if err != nil {
		out.Result = failed("", err)
		return e.finish(out)
	}
	key, _ := out.Plan.Fingerprint()
	out.Result.IdempotencyKey = key
	span.SetAttributes(attribute.String("idempotency_key", key))

	var reuse *int64
	prior, err := e.store.GetActionLog(ctx, key)
	switch {
	case err == nil && prior.Status == retail.StatusSuccess:
		return e.replay(out, prior)
	case err == nil && prior.Status == retail.StatusFailed:
		reuse = createdCoupon(prior)
	case err != nil && !errors.Is(err, retail.ErrActionLogNotFound):
		out.Result = failed(key, err)
		return e.finish(out)
	}

	entry, claimed, err := e.store.ClaimAction(ctx, retail.ActionClaim{
		IdempotencyKey: key,
		ActionType:     retail.ActionPublishCoupon,
		RequestJSON:    string(canonical),
	})
	if err != nil {
		out.Result = failed(key, err)
		return e.finish(out)
	}
	if !claimed {
		if entry.Status == retail.StatusSuccess {
			return e.replay(out, entry)
		}
		e.log.Info("campaign execution already in progress", zap.String("key", key), zap.Int("attempt", entry.Attempt))
		out.Result = retail.ExecutionResult{
			IdempotencyKey: key,
			PublishStatus:  retail.PublishInProgress,
			Error:          retail.ErrExecutionInProgress.Error(),
		}
		out.Attempt = entry.Attempt
		return e.finish(out)
	}

	out.Attempt = entry.Attempt
	ctx = context.WithoutCancel(ctx)
	out.Result = e.run(ctx, key, out.Plan, string(canonical), reuse)

	status, errMsg := retail.StatusSuccess, ""
	if out.Result.PublishStatus == retail.PublishFailed {
		status, errMsg = retail.StatusFailed, out.Result.Error
	}
	body, _ := json.Marshal(out.Result)
	if err := e.store.CompleteAction(ctx, key, entry.Attempt, status, string(body), errMsg); err != nil {
		e.log.Error("record campaign outcome", zap.String("key", key), zap.Error(err))
	}
	return e.finish(out)
}

// run creates the campaign record and coupon, then publishes it. A coupon
// created by a failed earlier attempt is published instead of creating another.
func (e *Executor) run(ctx context.Context, key string, plan retail.Plan, planJSON string, reuse *int64) retail.ExecutionResult {
	rec, err := e.store.CreateCampaign(ctx, retail.CampaignRecord{
		IdempotencyKey: key,
		Name:           Name(key),
		Goal:           plan.Goal,
		Budget:         plan.Budget,
		DurationDays:   plan.DurationDays,
		PlanJSON:       planJSON,
	})
	if err != nil {
		return failed(key, err)
	}

	var couponID int64
	if reuse != nil {
		couponID = *reuse
		e.log.Info("publishing coupon from failed attempt", zap.String("key", key), zap.Int64("coupon_id", couponID))
	} else {
		coupon, err := e.coupons.CreateCoupon(ctx, rec.Name, plan.Offer, plan.DurationDays)
		if err != nil {
			return failed(key, err)
		}
		couponID = coupon.ID
	}

	published, err := e.coupons.PublishCoupon(ctx, couponID)
	if err != nil {
		res := failed(key, err)
		res.CouponID = &couponID
		return res
	}

	status := published.Status
	if status == "" {
		status = "unknown"
	}
	return retail.ExecutionResult{IdempotencyKey: key, CouponID: &couponID, PublishStatus: status}
}

// createdCoupon returns the coupon id stored by a failed attempt, if any.
func createdCoupon(entry *retail.ActionLogEntry) *int64 {
	var res retail.ExecutionResult
	if err := json.Unmarshal([]byte(entry.ResponseJSON), &res); err != nil {
		return nil
	}
	return res.CouponID
}

func (e *Executor) replay(out Outcome, entry *retail.ActionLogEntry) Outcome {
	var res retail.ExecutionResult
	if err := json.Unmarshal([]byte(entry.ResponseJSON), &res); err != nil {
		out.Result = failed(entry.IdempotencyKey, fmt.Errorf("decode stored response: %w", err))
		return e.finish(out)
	}
	out.Result = res
	out.Replayed = true
	out.Attempt = entry.Attempt
	return e.finish(out)
}

func (e *Executor) finish(out Outcome) Outcome {
	outcome := out.Result.PublishStatus
	if out.Replayed {
		outcome = "replayed"
	}
	metrics.RecordCampaign(outcome)
	e.log.Info("campaign execution",
		zap.String("key", out.Result.IdempotencyKey),
		zap.String("publish_status", out.Result.PublishStatus),
		zap.Bool("replayed", out.Replayed),
		zap.Bool("plan_fixed", out.PlanFixed),
		zap.Int("attempt", out.Attempt),
		zap.String("error", out.Result.Error))
	return out
}

func failed(key string, err error) retail.ExecutionResult {
	return retail.ExecutionResult{IdempotencyKey: key, PublishStatus: retail.PublishFailed, Error: err.Error()}
}
