// Package retail answers natural-language retail-operations questions. It holds
// the domain types and collaborator contracts shared by the workflow packages.
package retail

import (
	"strings"
	"time"
)

// Intent is the closed classification of a request.
type Intent string

const (
	IntentReport   Intent = "report"
	IntentDiagnose Intent = "diagnose"
	IntentPlan     Intent = "plan"
	IntentExecute  Intent = "execute"
)

// Intents lists every valid intent in routing order.
var Intents = []Intent{IntentReport, IntentDiagnose, IntentPlan, IntentExecute}

// ParseIntent normalizes s and reports whether it names a known intent.
func ParseIntent(s string) (Intent, bool) {
	i := Intent(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Intents {
		if i == known {
			return i, true
		}
	}
	return "", false
}

// Request is one inbound question, optionally carrying a plan to execute.
type Request struct {
	Query string `json:"query"`
	Plan  *Plan  `json:"plan,omitempty"`
}

// Provenance records where a SQL candidate came from.
type Provenance string

const (
	ProvenanceRule   Provenance = "rule"
	ProvenanceModel  Provenance = "model"
	ProvenanceRepair Provenance = "repair"
)

// Candidate is SQL that has not yet passed the guard.
type Candidate struct {
	SQL        string     `json:"sql"`
	Provenance Provenance `json:"provenance"`
	Rule       string     `json:"rule,omitempty"`
	Attempt    int        `json:"attempt"`
}

// GuardVerdict is the outcome of validating one candidate.
type GuardVerdict struct {
	Passed       bool   `json:"passed"`
	Reason       string `json:"reason"`
	LimitApplied bool   `json:"limit_applied"`
}

// Rows is an ordered, homogeneous result set.
type Rows struct {
	Columns []string         `json:"columns"`
	Records []map[string]any `json:"rows"`
}

// Len returns the number of records.
func (r Rows) Len() int { return len(r.Records) }

// Head returns at most n records.
func (r Rows) Head(n int) []map[string]any {
	if n >= len(r.Records) {
		return r.Records
	}
	return r.Records[:n]
}

// Snippet is a knowledge-base passage returned by the retrieval collaborator.
type Snippet struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Attempt is one entry in the repair loop's history.
type Attempt struct {
	Attempt    int        `json:"attempt"`
	SQL        string     `json:"sql"`
	Provenance Provenance `json:"provenance"`
	Error      string     `json:"error"`
}

// Action log statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ActionPublishCoupon is the action type recorded for campaign execution.
const ActionPublishCoupon = "publish_coupon"

// Publish statuses reported in an ExecutionResult.
const (
	PublishPublished  = "published"
	PublishFailed     = "failed"
	PublishInProgress = "in_progress"
)

// ActionLogEntry is the durable record of one idempotency key's execution.
type ActionLogEntry struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ActionType     string    `json:"action_type"`
	RequestJSON    string    `json:"request_json"`
	ResponseJSON   string    `json:"response_json"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message"`
	Attempt        int       `json:"attempt"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CampaignRecord is the persisted snapshot of an executed plan.
type CampaignRecord struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Name           string    `json:"name"`
	Goal           string    `json:"goal"`
	Budget         float64   `json:"budget"`
	DurationDays   int       `json:"duration_days"`
	PlanJSON       string    `json:"plan_json"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExecutionResult is what the campaign executor returns and stores.
type ExecutionResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	CouponID       *int64 `json:"coupon_id"`
	PublishStatus  string `json:"publish_status"`
	Error          string `json:"error,omitempty"`
}

// Coupon is the outcome of creating a coupon downstream.
type Coupon struct {
	ID int64 `json:"coupon_id"`
}

// PublishResult is the outcome of publishing a coupon downstream.
type PublishResult struct {
	Status   string `json:"status"`
	CouponID int64  `json:"coupon_id"`
}

// MigrationRecord tracks a single applied migration.
type MigrationRecord struct {
	Name      string
	Applied   bool
	AppliedAt *time.Time
	Checksum  string
}
