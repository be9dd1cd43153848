package workflow

import (
	"regexp"
	"strconv"
	"strings"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Terms is the budget and duration a plan request asks for.
type Terms struct {
	Budget           float64
	DurationDays     int
	ExplicitBudget   bool
	ExplicitDuration bool
}

var (
	budgetWanPattern   = regexp.MustCompile(`预算\s*([0-9]+(?:\.[0-9]+)?)\s*万`)
	budgetPlainPattern = regexp.MustCompile(`预算\s*([0-9]+(?:\.[0-9]+)?)`)
	budgetEnPattern    = regexp.MustCompile(`(?i)budget\s*(?:of\s*)?\$?\s*([0-9]+(?:\.[0-9]+)?)\s*(k\b)?`)
	durationPattern    = regexp.MustCompile(`(?i)([0-9]+)\s*(?:天|days?\b)`)
)

// ExtractTerms reads an explicit budget and duration from request, falling
// back to the configured defaults for whichever is absent.
func ExtractTerms(request string, d retail.PlanDefaults) Terms {
	t := Terms{Budget: d.Budget, DurationDays: d.DurationDays}
	q := strings.ReplaceAll(request, ",", "，")

	if m := budgetWanPattern.FindStringSubmatch(q); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			t.Budget, t.ExplicitBudget = float64(int64(v*10000)), true
		}
	} else if m := budgetPlainPattern.FindStringSubmatch(q); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			t.Budget, t.ExplicitBudget = v, true
		}
	} else if m := budgetEnPattern.FindStringSubmatch(q); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if m[2] != "" {
				v *= 1000
			}
			t.Budget, t.ExplicitBudget = v, true
		}
	}

	if m := durationPattern.FindStringSubmatch(q); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			t.DurationDays, t.ExplicitDuration = v, true
		}
	}
	return t
}
