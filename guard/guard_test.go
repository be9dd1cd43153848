package guard

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

const maxRows = 200

func TestValidate_AppliesLimitWhenMissing(t *testing.T) {
	v := New(maxRows)

	out, verdict, err := v.Validate("SELECT store_id, SUM(amount) AS gmv FROM orders GROUP BY store_id")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.True(t, verdict.LimitApplied)
	assert.Equal(t, "ok", verdict.Reason)
	assert.True(t, strings.HasSuffix(out, "limit 200"), out)
}

func TestValidate_KeepsSmallerLimit(t *testing.T) {
	v := New(maxRows)

	out, verdict, err := v.Validate("select id from orders limit 50")
	require.NoError(t, err)
	assert.False(t, verdict.LimitApplied)
	assert.Contains(t, out, "limit 50")
	assert.NotContains(t, out, "limit 200")
}

func TestValidate_CapsOversizedLimit(t *testing.T) {
	v := New(maxRows)

	out, verdict, err := v.Validate("select id from orders limit 10, 5000")
	require.NoError(t, err)
	assert.True(t, verdict.LimitApplied)
	assert.Contains(t, out, "limit 10, 200")
}

func TestValidate_StripsTrailingSemicolon(t *testing.T) {
	v := New(maxRows)

	out, _, err := v.Validate("select id from orders;")
	require.NoError(t, err)
	assert.NotContains(t, out, ";")
}

func TestValidate_Rejections(t *testing.T) {
	v := New(maxRows)

	tests := []struct {
		name string
		sql  string
		want error
	}{
		{"two statements", "select 1; select 2", retail.ErrMalformedQuery},
		{"hidden drop", "select id from orders; drop table orders", retail.ErrMalformedQuery},
		{"empty", "   ", retail.ErrMalformedQuery},
		{"garbage", "selec id fro orders", retail.ErrMalformedQuery},
		{"delete", "delete from orders where id = 1", retail.ErrForbiddenOperation},
		{"update", "update orders set amount = 0", retail.ErrForbiddenOperation},
		{"insert", "insert into orders (id) values (1)", retail.ErrForbiddenOperation},
		{"drop", "drop table orders", retail.ErrForbiddenOperation},
		{"for update", "select id from orders for update", retail.ErrForbiddenOperation},
		{"select into outfile", "select id from orders into outfile '/tmp/o.csv'", retail.ErrForbiddenOperation},
		{"call", "CALL purge_orders()", retail.ErrForbiddenOperation},
		{"grant", "GRANT ALL ON *.* TO 'x'", retail.ErrForbiddenOperation},
		{"load data", "LOAD DATA INFILE '/x' INTO TABLE orders", retail.ErrForbiddenOperation},
		{"lock tables", "LOCK TABLES orders WRITE", retail.ErrForbiddenOperation},
		{"do", "DO SLEEP(5)", retail.ErrForbiddenOperation},
		{"handler", "HANDLER orders OPEN", retail.ErrForbiddenOperation},
		{"commented delete", "/* cleanup */ -- nightly\n delete from orders", retail.ErrForbiddenOperation},
		{"broken cte", "with w as (select 1 select * from w", retail.ErrMalformedQuery},
		{"comment only", "-- nothing here", retail.ErrMalformedQuery},
		{"pg cast", "select amount::int from orders", retail.ErrDialectViolation},
		{"ilike", "select id from stores where name ILIKE '%a%'", retail.ErrDialectViolation},
		{"date_trunc", "select date_trunc('day', paid_at) from orders", retail.ErrDialectViolation},
		{"filter", "select count(*) filter (where pay_status = 1) from orders", retail.ErrDialectViolation},
		{"quoted interval", "select id from orders where paid_at > now() - interval '7 days'", retail.ErrDialectViolation},
		{"union", "select 1 union select 2", retail.ErrDialectViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, verdict, err := v.Validate(tt.sql)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, verdict.Passed)
			assert.NotEmpty(t, verdict.Reason)
			assert.Empty(t, out)
		})
	}
}

func TestValidate_AcceptsCTE(t *testing.T) {
	v := New(maxRows)

	out, verdict, err := v.Validate("WITH w AS (SELECT member_id, COUNT(*) AS c FROM orders GROUP BY member_id) SELECT AVG(c >= 2) AS repurchase FROM w")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.True(t, verdict.LimitApplied)
	lower := strings.ToLower(out)
	assert.Contains(t, lower, "with w as (")
	assert.True(t, strings.HasSuffix(lower, "limit 200"), out)
}

func TestValidate_AcceptsWindowFunction(t *testing.T) {
	v := New(maxRows)

	out, verdict, err := v.Validate("SELECT store_id, ROW_NUMBER() OVER (ORDER BY gmv DESC) AS rn FROM store_gmv LIMIT 10")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.False(t, verdict.LimitApplied)
	lower := strings.ToLower(out)
	assert.Contains(t, lower, "row_number()")
	assert.Contains(t, lower, "over")
	assert.True(t, strings.HasSuffix(lower, "limit 10"), out)
}

func TestValidate_IgnoresTrailingComments(t *testing.T) {
	v := New(maxRows)

	for _, sql := range []string{
		"SELECT 1; -- note",
		"select 1 /* done */ ;",
		"select id from orders # tail",
		"select id from orders;\n-- one\n/* two */\n",
	} {
		out, verdict, err := v.Validate(sql)
		require.NoError(t, err, sql)
		assert.True(t, verdict.Passed, sql)
		assert.True(t, strings.HasSuffix(out, "limit 200"), out)
	}
}

func TestValidate_DialectRulesIgnoreStringLiterals(t *testing.T) {
	v := New(maxRows)

	_, verdict, err := v.Validate("select id from stores where name = 'union square'")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
}

func TestValidate_DialectViolationNamesConstruct(t *testing.T) {
	v := New(maxRows)

	_, _, err := v.Validate("select a from t where b ilike 'x'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ILIKE")
}

func TestValidate_CustomDialectRules(t *testing.T) {
	v := New(maxRows, WithDialectRules(nil))

	_, _, err := v.Validate("select 1 union select 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, retail.ErrForbiddenOperation)
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a = 'union'", "a = '     '"},
		{"a = 'it''' or b", "a = '    ' or b"},
		{"`x::`", "`   `"},
		{"select 1 -- it's", "select 1 " + strings.Repeat(" ", 7)},
		{"select 1 # x\nfrom t", "select 1    \nfrom t"},
		{"a /* ; */ b", "a " + strings.Repeat(" ", 7) + " b"},
		{"a /*! b */", "a /*! b */"},
		{"a --1", "a --1"},
		{"a = ';' -- ;", "a = ' ' " + strings.Repeat(" ", 4)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mask(tt.in), tt.in)
	}
}

func TestFirstKeyword(t *testing.T) {
	assert.Equal(t, "call", firstKeyword("  /* x */ CALL p()"))
	assert.Equal(t, "with", firstKeyword("-- c\nWITH w AS (SELECT 1) SELECT 1"))
	assert.Equal(t, "", firstKeyword("(select 1)"))
}

func identifier(prefix string) gopter.Gen {
	return gen.Identifier().Map(func(s string) string { return prefix + s })
}

func TestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	v := New(maxRows)

	statement := gen.OneGenOf(
		identifier("t_").Map(func(tbl string) string { return "select id from " + tbl }),
		identifier("t_").Map(func(tbl string) string { return "delete from " + tbl }),
		identifier("t_").Map(func(tbl string) string { return "drop table " + tbl }),
		gen.IntRange(0, 1000).Map(func(n int) string { return fmt.Sprintf("select %d", n) }),
	)

	properties.Property("more than one statement is malformed", prop.ForAll(
		func(first, second string, rest []string) bool {
			stmts := append([]string{first, second}, rest...)
			_, _, err := v.Validate(strings.Join(stmts, "; "))
			return errors.Is(err, retail.ErrMalformedQuery)
		},
		statement, statement, gen.SliceOfN(2, statement),
	))

	properties.Property("non-read statements are forbidden", prop.ForAll(
		func(sql string) bool {
			_, _, err := v.Validate(sql)
			return errors.Is(err, retail.ErrForbiddenOperation)
		},
		gen.OneGenOf(
			identifier("t_").Map(func(tbl string) string { return "delete from " + tbl }),
			identifier("t_").Map(func(tbl string) string { return "update " + tbl + " set a = 1" }),
			identifier("t_").Map(func(tbl string) string { return "insert into " + tbl + " (a) values (1)" }),
			identifier("t_").Map(func(tbl string) string { return "drop table " + tbl }),
			identifier("p_").Map(func(proc string) string { return "call " + proc + "()" }),
			identifier("t_").Map(func(tbl string) string { return "lock tables " + tbl + " write" }),
			identifier("t_").Map(func(tbl string) string { return "load data infile '/tmp/x' into table " + tbl }),
			identifier("t_").Map(func(tbl string) string { return "grant select on " + tbl + " to 'x'" }),
			identifier("t_").Map(func(tbl string) string { return "handler " + tbl + " open" }),
			gen.IntRange(0, 60).Map(func(n int) string { return fmt.Sprintf("do sleep(%d)", n) }),
		),
	))

	properties.Property("missing limit gets the configured maximum", prop.ForAll(
		func(col, tbl string) bool {
			out, verdict, err := v.Validate(fmt.Sprintf("select %s from %s", col, tbl))
			return err == nil && verdict.LimitApplied && strings.HasSuffix(out, fmt.Sprintf("limit %d", maxRows))
		},
		identifier("c_"), identifier("t_"),
	))

	properties.Property("limit within maximum is preserved", prop.ForAll(
		func(col, tbl string, n int) bool {
			out, verdict, err := v.Validate(fmt.Sprintf("select %s from %s limit %d", col, tbl, n))
			return err == nil && !verdict.LimitApplied && strings.HasSuffix(out, fmt.Sprintf("limit %d", n))
		},
		identifier("c_"), identifier("t_"), gen.IntRange(1, maxRows),
	))

	properties.Property("limit above maximum is capped", prop.ForAll(
		func(tbl string, n int) bool {
			out, verdict, err := v.Validate(fmt.Sprintf("select id from %s limit %d", tbl, n))
			return err == nil && verdict.LimitApplied && strings.HasSuffix(out, fmt.Sprintf("limit %d", maxRows))
		},
		identifier("t_"), gen.IntRange(maxRows+1, 1_000_000),
	))

	properties.TestingRun(t)
}
