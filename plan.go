package retail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Segment describes the audience of a campaign.
type Segment struct {
	Definition string   `json:"definition,omitempty"`
	Rules      []string `json:"rules,omitempty"`
}

// Offer is the incentive of a campaign. Nil fields are missing, not zero.
type Offer struct {
	Type           string   `json:"type,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	MaxRedemptions *int     `json:"max_redemptions,omitempty"`
}

// Complete reports whether every offer field is present.
func (o Offer) Complete() bool {
	return o.Type != "" && o.Threshold != nil && o.Value != nil && o.MaxRedemptions != nil
}

// KPI names the campaign's success measures.
type KPI struct {
	Primary string   `json:"primary,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// Plan is a structured marketing-campaign description.
type Plan struct {
	Goal          string   `json:"goal,omitempty"`
	DurationDays  int      `json:"duration_days,omitempty"`
	Budget        float64  `json:"budget,omitempty"`
	TargetSegment Segment  `json:"target_segment"`
	Offer         Offer    `json:"offer"`
	Channels      []string `json:"channels,omitempty"`
	KPI           KPI      `json:"kpi"`
	RiskControls  []string `json:"risk_controls,omitempty"`
	SQLPreview    string   `json:"sql_preview,omitempty"`
}

// ApplyDefaults fills every missing field from d and reports whether anything changed.
func (p *Plan) ApplyDefaults(d PlanDefaults) bool {
	changed := false
	setString := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	setList := func(dst *[]string, v []string) {
		if len(*dst) == 0 && len(v) > 0 {
			*dst = append([]string(nil), v...)
			changed = true
		}
	}

	setString(&p.Goal, d.Goal)
	if p.DurationDays <= 0 && d.DurationDays > 0 {
		p.DurationDays = d.DurationDays
		changed = true
	}
	if p.Budget <= 0 && d.Budget > 0 {
		p.Budget = d.Budget
		changed = true
	}
	setString(&p.TargetSegment.Definition, d.SegmentDefinition)
	setList(&p.TargetSegment.Rules, d.SegmentRules)
	setString(&p.Offer.Type, d.OfferType)
	if p.Offer.Threshold == nil {
		v := d.OfferThreshold
		p.Offer.Threshold = &v
		changed = true
	}
	if p.Offer.Value == nil {
		v := d.OfferValue
		p.Offer.Value = &v
		changed = true
	}
	if p.Offer.MaxRedemptions == nil {
		v := d.MaxRedemptions
		p.Offer.MaxRedemptions = &v
		changed = true
	}
	setList(&p.Channels, d.Channels)
	setString(&p.KPI.Primary, d.KPIPrimary)
	setList(&p.KPI.Targets, d.KPITargets)
	setList(&p.RiskControls, d.RiskControls)
	return changed
}

// Canonical returns the RFC 8785 canonical JSON of the plan.
func (p Plan) Canonical() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("retail: marshal plan: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("retail: canonicalize plan: %w", err)
	}
	return out, nil
}

// Fingerprint is the hex SHA-256 of the canonical plan. It is the idempotency key.
func (p Plan) Fingerprint() (string, error) {
	b, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

const planSchema = `{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"duration_days": {"type": "integer", "minimum": 0},
		"budget": {"type": "number", "minimum": 0},
		"target_segment": {
			"type": "object",
			"properties": {
				"definition": {"type": "string"},
				"rules": {"type": "array", "items": {"type": "string"}}
			}
		},
		"offer": {
			"type": "object",
			"properties": {
				"type": {"type": "string"},
				"threshold": {"type": "number"},
				"value": {"type": "number"},
				"max_redemptions": {"type": "integer"}
			}
		},
		"channels": {"type": "array", "items": {"type": "string"}},
		"kpi": {
			"type": "object",
			"properties": {
				"primary": {"type": "string"},
				"targets": {"type": "array", "items": {"type": "string"}}
			}
		},
		"risk_controls": {"type": "array", "items": {"type": "string"}},
		"sql_preview": {"type": "string"}
	}
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.schema.json", planSchema)

// ExtractJSONObject trims code fences and returns the span from the first '{'
// to the last '}'. It does not check that the span is valid JSON.
func ExtractJSONObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in model output", ErrInvalidPlan)
	}
	return s[start : end+1], nil
}

// ParsePlan extracts a plan from possibly-prose model output. Invalid JSON or a
// schema violation is an error; it never yields an empty plan.
func ParsePlan(raw string) (*Plan, error) {
	body, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := compiledPlanSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &plan, nil
}
