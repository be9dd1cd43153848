package synth

import (
	"fmt"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// SystemPrompt builds the instruction for generating one MySQL SELECT.
func SystemPrompt(schema string) string {
	return fmt.Sprintf(`You are a MySQL reporting SQL generator for a retail chain.

RULES:
1. Output ONLY one SQL statement. No explanations, no markdown, no code blocks.
2. Only SELECT is allowed. Never INSERT, UPDATE, DELETE, DROP or any other modifying statement.
3. Write MySQL. Do not use ::, ILIKE, DATE_TRUNC, FILTER (...), UNION or quoted intervals.
   Write intervals as INTERVAL 7 DAY and daily buckets as DATE(col).
4. Compare periods with conditional aggregation: SUM(CASE WHEN ... THEN ... ELSE 0 END).
5. WITH (CTEs) and window functions such as ROW_NUMBER() OVER (...) are allowed.
6. Only use tables and columns from the schema below.

DATABASE SCHEMA:
%s`, schema)
}

// UserPrompt carries the request and its intent.
func UserPrompt(request string, intent retail.Intent) string {
	return fmt.Sprintf("Intent: %s\nQuestion: %s\nSQL:", intent, request)
}

// RepairSystemPrompt builds the instruction for fixing a failed statement.
func RepairSystemPrompt(schema string) string {
	return fmt.Sprintf(`You repair MySQL SELECT statements that failed validation or execution.

RULES:
1. Output ONLY the corrected SQL statement. No explanations, no markdown.
2. Keep the meaning of the question. Fix the cause named in the error.
3. Only SELECT is allowed, one statement, MySQL 8 dialect, no UNION.
4. Keep the time window the question asks for: "last 7 days" is INTERVAL 7 DAY,
   a daily trend groups by DATE(col), a month comparison names both months.

DATABASE SCHEMA:
%s`, schema)
}

// RepairUserPrompt carries the failing statement and its error.
func RepairUserPrompt(request string, intent retail.Intent, sql, errText string) string {
	return fmt.Sprintf("Intent: %s\nQuestion: %s\nFailed SQL:\n%s\nError:\n%s\nCorrected SQL:", intent, request, sql, errText)
}
