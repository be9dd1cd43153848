package retail

import "errors"

// SQL path. Recovered locally by the repair loop.
var (
	ErrMalformedQuery     = errors.New("retail: malformed query")
	ErrForbiddenOperation = errors.New("retail: forbidden operation")
	ErrDialectViolation   = errors.New("retail: dialect violation")
	ErrSemanticMismatch   = errors.New("retail: semantic mismatch")
	ErrExecutionTimeout   = errors.New("retail: execution timeout")
	ErrExecutionError     = errors.New("retail: execution error")
	ErrRepairExhausted    = errors.New("retail: repair attempts exhausted")
)

var (
	ErrClassification      = errors.New("retail: classification failed")
	ErrDownstreamCall      = errors.New("retail: downstream call failed")
	ErrInvalidPlan         = errors.New("retail: invalid plan")
	ErrExecutionInProgress = errors.New("retail: execution already in progress")
	ErrEmptyPrompt         = errors.New("retail: prompt is empty")
	ErrProviderFailed      = errors.New("retail: provider error")
)

// IsQueryError reports whether err belongs to the SQL path taxonomy.
func IsQueryError(err error) bool {
	for _, target := range []error{
		ErrMalformedQuery, ErrForbiddenOperation, ErrDialectViolation,
		ErrSemanticMismatch, ErrExecutionTimeout, ErrExecutionError,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
