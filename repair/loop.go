// Package repair runs generated SQL through the guard, the semantic checker
// and the warehouse, repairing it with the model until it succeeds or the
// attempt budget is spent.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/metrics"
)

// Generator produces and repairs candidates.
type Generator interface {
	Synthesize(ctx context.Context, request string, intent retail.Intent) (retail.Candidate, error)
	Repair(ctx context.Context, request string, intent retail.Intent, sql, errText string) (retail.Candidate, error)
}

// Guard validates and canonicalizes a candidate.
type Guard interface {
	Validate(sql string) (string, retail.GuardVerdict, error)
}

// Checker cross-checks guarded SQL against the request.
type Checker interface {
	Check(request, sql string) error
}

// Result is the outcome of Run. A failed Result is not an error for the
// caller: Err wraps retail.ErrRepairExhausted and Attempts holds the trail.
type Result struct {
	OK           bool                `json:"ok"`
	SQL          string              `json:"sql"`
	Rows         retail.Rows         `json:"rows"`
	Verdict      retail.GuardVerdict `json:"guard"`
	Recovered    bool                `json:"recovered"`
	FinalAttempt int                 `json:"final_attempt"`
	Attempts     []retail.Attempt    `json:"attempts"`
	Error        string              `json:"error,omitempty"`
	Elapsed      time.Duration       `json:"-"`
	Err          error               `json:"-"`
}

// Loop is the bounded draft, guard, execute, repair state machine.
type Loop struct {
	gen        Generator
	guard      Guard
	checker    Checker
	warehouse  retail.Warehouse
	maxRetries int
	timeout    time.Duration
	log        *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithMaxRetries sets the number of repairs after the first attempt.
func WithMaxRetries(n int) Option {
	return func(lp *Loop) {
		if n >= 0 {
			lp.maxRetries = n
		}
	}
}

// WithTimeout bounds every warehouse query.
func WithTimeout(d time.Duration) Option {
	return func(lp *Loop) {
		if d > 0 {
			lp.timeout = d
		}
	}
}

// New creates a Loop with two retries and a five second statement timeout.
func New(gen Generator, guard Guard, checker Checker, warehouse retail.Warehouse, opts ...Option) *Loop {
	lp := &Loop{
		gen:        gen,
		guard:      guard,
		checker:    checker,
		warehouse:  warehouse,
		maxRetries: 2,
		timeout:    5 * time.Second,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Run answers request with rows. It makes at most maxRetries+1 attempts.
func (lp *Loop) Run(ctx context.Context, request string, intent retail.Intent) Result {
	started := time.Now()
	res := Result{}

	cand, err := lp.gen.Synthesize(ctx, request, intent)
	genErr := err

	for attempt := 0; attempt <= lp.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Error = err.Error()
			break
		}
		res.FinalAttempt = attempt
		cand.Attempt = attempt

		var failure error
		if genErr != nil {
			failure = genErr
		} else {
			var rows retail.Rows
			var verdict retail.GuardVerdict
			var safe string
			safe, verdict, rows, failure = lp.attempt(ctx, request, cand.SQL)
			res.Verdict = verdict
			if failure == nil {
				metrics.RecordSQLAttempt(string(cand.Provenance), "success")
				lp.log.Info("sql succeeded",
					zap.Int("attempt", attempt),
					zap.String("provenance", string(cand.Provenance)),
					zap.Bool("limit_applied", verdict.LimitApplied),
					zap.Int("rows", rows.Len()))
				res.OK = true
				res.SQL = safe
				res.Rows = rows
				res.Recovered = attempt > 0
				res.Elapsed = time.Since(started)
				return res
			}
		}

		metrics.RecordSQLAttempt(string(cand.Provenance), outcome(failure))
		lp.log.Warn("sql attempt failed",
			zap.Int("attempt", attempt),
			zap.String("provenance", string(cand.Provenance)),
			zap.String("sql", cand.SQL),
			zap.Error(failure))
		res.Attempts = append(res.Attempts, retail.Attempt{
			Attempt:    attempt,
			SQL:        cand.SQL,
			Provenance: cand.Provenance,
			Error:      failure.Error(),
		})
		res.SQL = cand.SQL
		res.Error = failure.Error()

		if attempt == lp.maxRetries {
			break
		}
		cand, genErr = lp.next(ctx, request, intent, cand, genErr, failure)
	}

	res.Elapsed = time.Since(started)
	if res.Err == nil {
		metrics.RecordRepairExhausted()
		res.Err = fmt.Errorf("%w after %d attempts: %s", retail.ErrRepairExhausted, len(res.Attempts), res.Error)
	}
	return res
}

// next produces the candidate for the following attempt. A failed first
// draft is regenerated; a failed repair call keeps the previous SQL.
func (lp *Loop) next(ctx context.Context, request string, intent retail.Intent, prev retail.Candidate, genErr, failure error) (retail.Candidate, error) {
	if genErr != nil && prev.SQL == "" {
		return lp.gen.Synthesize(ctx, request, intent)
	}
	repaired, err := lp.gen.Repair(ctx, request, intent, prev.SQL, failure.Error())
	if err != nil {
		lp.log.Warn("sql repair call failed", zap.Error(err))
		return prev, nil
	}
	return repaired, nil
}

func (lp *Loop) attempt(ctx context.Context, request, sql string) (string, retail.GuardVerdict, retail.Rows, error) {
	safe, verdict, err := lp.guard.Validate(sql)
	if err != nil {
		return "", verdict, retail.Rows{}, err
	}
	if lp.checker != nil {
		if err := lp.checker.Check(request, safe); err != nil {
			return safe, verdict, retail.Rows{}, err
		}
	}

	qctx, cancel := context.WithTimeout(ctx, lp.timeout)
	defer cancel()
	start := time.Now()
	rows, err := lp.warehouse.Query(qctx, safe)
	metrics.RecordQuery(time.Since(start))
	switch {
	case err == nil:
		return safe, verdict, rows, nil
	case errors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return safe, verdict, retail.Rows{}, fmt.Errorf("%w: exceeded %s", retail.ErrExecutionTimeout, lp.timeout)
	case errors.Is(err, retail.ErrExecutionError), errors.Is(err, retail.ErrExecutionTimeout):
		return safe, verdict, retail.Rows{}, err
	default:
		return safe, verdict, retail.Rows{}, fmt.Errorf("%w: %v", retail.ErrExecutionError, err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, retail.ErrMalformedQuery):
		return "malformed"
	case errors.Is(err, retail.ErrForbiddenOperation):
		return "forbidden"
	case errors.Is(err, retail.ErrDialectViolation):
		return "dialect"
	case errors.Is(err, retail.ErrSemanticMismatch):
		return "semantic"
	case errors.Is(err, retail.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, retail.ErrExecutionError):
		return "execution"
	default:
		return "generation"
	}
}
