package domain

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyst(t *testing.T, tenant string) SecurityContext {
	t.Helper()
	sc, err := NewSecurityContext(tenant, "u1", RoleAnalyst, "")
	require.NoError(t, err)
	return sc
}

func evaluate(t *testing.T, sql string) Decision {
	t.Helper()
	return Evaluate(salesCatalog(t), Request{SQL: sql, Context: analyst(t, "t1")})
}

func requireAdmitted(t *testing.T, d Decision) {
	t.Helper()
	require.True(t, d.Admitted, "expected admission, got %s: %s", d.Reason, d.Message)
	assert.Equal(t, ReasonNone, d.Reason)
	for _, c := range d.Checks {
		assert.True(t, c.Passed, "check %s: %s", c.Name, c.Detail)
	}
}

func requireDenied(t *testing.T, d Decision, want ReasonCode) {
	t.Helper()
	require.False(t, d.Admitted, "expected denial with %s", want)
	assert.Equal(t, want, d.Reason, d.Message)
}

func TestEvaluate_TenantIsolationExamples(t *testing.T) {
	t.Parallel()

	requireDenied(t, evaluate(t, "SELECT * FROM fct_sales LIMIT 10"), ReasonTenantIsolationViolation)
	requireAdmitted(t, evaluate(t, "SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10"))
}

func TestEvaluate_MultiStatementInjection(t *testing.T) {
	t.Parallel()

	d := evaluate(t, "SELECT 1; DROP TABLE fct_sales;")
	requireDenied(t, d, ReasonMultiStatement)
	require.Len(t, d.Checks, 1)
	assert.Equal(t, CheckParseability, d.Checks[0].Name)
}

func TestEvaluate_ForbiddenStatementKinds(t *testing.T) {
	t.Parallel()

	statements := []string{
		"DROP TABLE fct_sales",
		"drop /* sneaky */ TABLE fct_sales",
		"DELETE FROM fct_sales WHERE tenant_id = 't1'",
		"UPDATE fct_sales SET quantity = 0 WHERE tenant_id = 't1'",
		"INSERT INTO fct_sales (order_id, tenant_id) VALUES (1, 't1')",
		"CREATE TABLE stolen AS SELECT * FROM fct_sales",
		"ALTER TABLE fct_sales ADD COLUMN x int",
		"TRUNCATE fct_sales",
		"GRANT SELECT ON fct_sales TO public",
		"REVOKE SELECT ON fct_sales FROM public",
		"MERGE INTO fct_sales f USING dim_product p ON f.product_id = p.product_id WHEN MATCHED THEN DELETE",
		"COPY fct_sales TO '/tmp/out.csv'",
		"EXPLAIN ANALYZE SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"WITH x AS (SELECT 1) DELETE FROM fct_sales",
		"WITH gone AS (DELETE FROM fct_sales RETURNING order_id, tenant_id) SELECT order_id FROM gone WHERE tenant_id = 't1' LIMIT 10",
		"SELECT order_id INTO sales_copy FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10 FOR UPDATE",
		"SELECT pg_sleep(10) FROM fct_sales WHERE tenant_id = 't1' LIMIT 1",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND pg_read_file('/etc/passwd') IS NOT NULL LIMIT 1",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireDenied(t, evaluate(t, sql), ReasonForbiddenStatementKind)
		})
	}
}

func TestEvaluate_KeywordsInLiteralsOrIdentifiersAreNotForbidden(t *testing.T) {
	t.Parallel()

	statements := []string{
		"SELECT order_id, 'DROP TABLE fct_sales' AS note FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT net_sales AS update_ts FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		`SELECT order_id AS "delete" FROM fct_sales WHERE tenant_id = 't1' LIMIT 10`,
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' -- ; DROP TABLE fct_sales\n LIMIT 10",
		"SELECT order_id FROM fct_sales /* DELETE FROM fct_sales */ WHERE tenant_id = 't1' LIMIT 10",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			d := evaluate(t, sql)
			assert.True(t, d.Passed(CheckStatementKind))
			requireAdmitted(t, d)
		})
	}
}

func TestEvaluate_UnicodeLookAlikeIsUnparseable(t *testing.T) {
	t.Parallel()
	d := evaluate(t, "ＤＲＯＰ TABLE fct_sales")
	requireDenied(t, d, ReasonUnparseable)
}

func TestEvaluate_Unparseable(t *testing.T) {
	t.Parallel()

	for _, sql := range []string{"", "   ", "SELEC * FROM fct_sales", "-- just a comment", "SELECT * FROM"} {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireDenied(t, evaluate(t, sql), ReasonUnparseable)
		})
	}
}

func TestEvaluate_MissingLimit(t *testing.T) {
	t.Parallel()

	statements := []string{
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1'",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT ALL",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 0",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10001",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT $1",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 5 + 5",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' ORDER BY order_id FETCH FIRST 5 ROWS WITH TIES",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND order_id IN (SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 5)",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireDenied(t, evaluate(t, sql), ReasonMissingLimit)
		})
	}
}

func TestEvaluate_LimitAccepted(t *testing.T) {
	t.Parallel()

	requireAdmitted(t, evaluate(t, "SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10000"))
	requireAdmitted(t, evaluate(t, "SELECT order_id FROM fct_sales WHERE tenant_id = 't1' FETCH FIRST 3 ROWS ONLY"))
	requireAdmitted(t, evaluate(t, "SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10 OFFSET 20"))
}

func TestEvaluate_UnauthorizedTable(t *testing.T) {
	t.Parallel()

	statements := []string{
		"SELECT * FROM users WHERE tenant_id = 't1' LIMIT 10",
		"SELECT * FROM other.fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND store_id IN (SELECT usesysid FROM pg_catalog.pg_user) LIMIT 10",
		"WITH u AS (SELECT * FROM secrets) SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireDenied(t, evaluate(t, sql), ReasonUnauthorizedTable)
		})
	}
}

func TestEvaluate_TableFunctionIsNotAllowed(t *testing.T) {
	t.Parallel()
	d := evaluate(t, "SELECT n FROM generate_series(1, 10) AS g(n) LIMIT 10")

	requireDenied(t, d, ReasonForbiddenStatementKind)
	assert.False(t, d.Passed(CheckTableAllowlist))
}

func TestEvaluate_UnauthorizedTableListsNames(t *testing.T) {
	t.Parallel()
	d := evaluate(t, "SELECT 1 FROM users u JOIN accounts a ON a.id = u.id LIMIT 1")

	requireDenied(t, d, ReasonUnauthorizedTable)
	c, ok := d.Check(CheckTableAllowlist)
	require.True(t, ok)
	assert.Contains(t, c.Detail, "users")
	assert.Contains(t, c.Detail, "accounts")
}

func TestEvaluate_IdentifierCase(t *testing.T) {
	t.Parallel()

	admitted := []string{
		"SELECT ORDER_ID FROM FCT_SALES WHERE TENANT_ID = 't1' LIMIT 10",
		`SELECT "order_id" FROM "fct_sales" WHERE "tenant_id" = 't1' LIMIT 10`,
		"SELECT order_id FROM PUBLIC.Fct_Sales WHERE tenant_id = 't1' LIMIT 10",
	}
	for _, sql := range admitted {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireAdmitted(t, evaluate(t, sql))
		})
	}

	// Quoted names keep their case in PostgreSQL, so they name other objects.
	denied := []struct {
		sql    string
		reason ReasonCode
		failed string
	}{
		{`SELECT order_id FROM "FCT_SALES" WHERE tenant_id = 't1' LIMIT 10`, ReasonUnauthorizedTable, CheckTableAllowlist},
		{`SELECT order_id FROM "Fct_Sales" WHERE tenant_id = 't1' LIMIT 10`, ReasonUnauthorizedTable, CheckTableAllowlist},
		{`SELECT order_id FROM "PUBLIC".fct_sales WHERE tenant_id = 't1' LIMIT 10`, ReasonUnauthorizedTable, CheckTableAllowlist},
		{`SELECT "ORDER_ID" FROM fct_sales WHERE tenant_id = 't1' LIMIT 10`, ReasonUnauthorizedColumn, CheckColumnAllowlist},
		{`SELECT s."CITY" FROM dim_store s JOIN fct_sales f ON f.store_id = s.store_id WHERE f.tenant_id = 't1' LIMIT 10`, ReasonUnauthorizedColumn, CheckColumnAllowlist},
		{`SELECT order_id FROM fct_sales WHERE "TENANT_ID" = 't1' LIMIT 10`, "", CheckTenantIsolation},
	}
	for _, tt := range denied {
		t.Run(tt.sql, func(t *testing.T) {
			t.Parallel()
			d := evaluate(t, tt.sql)
			assert.False(t, d.Admitted)
			assert.False(t, d.Passed(tt.failed))
			if tt.reason != "" {
				requireDenied(t, d, tt.reason)
			}
		})
	}
}

func TestEvaluate_UnauthorizedColumn(t *testing.T) {
	t.Parallel()

	statements := []string{
		"SELECT password FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND secret = 1 LIMIT 10",
		"SELECT f.secret FROM fct_sales f WHERE f.tenant_id = 't1' LIMIT 10",
		"SELECT sum(cost_price) FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT x.order_id FROM fct_sales f WHERE f.tenant_id = 't1' LIMIT 10",
		// product_id exists on both sides of the join.
		"SELECT product_id FROM fct_sales f JOIN dim_product p ON p.product_id = f.product_id WHERE f.tenant_id = 't1' LIMIT 10",
		// Inner tables may hold the column, so it cannot be bound to the outer query.
		"SELECT order_id FROM fct_sales f WHERE f.tenant_id = 't1' AND EXISTS (SELECT 1 FROM dim_product p WHERE quantity > 1) LIMIT 10",
		"SELECT s.hidden FROM (SELECT order_id FROM fct_sales WHERE tenant_id = 't1') s WHERE s.order_id = 1 LIMIT 10",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			d := evaluate(t, sql)
			assert.False(t, d.Passed(CheckColumnAllowlist))
			if d.Reason != ReasonTenantIsolationViolation {
				requireDenied(t, d, ReasonUnauthorizedColumn)
			}
		})
	}
}

func TestEvaluate_DenyStar(t *testing.T) {
	t.Parallel()
	cfg := salesCatalogConfig()
	cfg.DenyStar = true
	cat, err := NewCatalog(cfg)
	require.NoError(t, err)

	d := Evaluate(cat, Request{
		SQL:     "SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		Context: analyst(t, "t1"),
	})
	requireDenied(t, d, ReasonUnauthorizedColumn)
}

func TestEvaluate_AnalyticalQueriesAdmitted(t *testing.T) {
	t.Parallel()

	statements := []string{
		`SELECT date_trunc('month', order_date) AS month, sum(net_sales) AS total
		   FROM fct_sales WHERE tenant_id = 't1'
		  GROUP BY month ORDER BY total DESC LIMIT 12`,
		`SELECT p.category, s.region, SUM(f.net_sales) AS revenue, COUNT(*) AS orders
		   FROM fct_sales f
		   JOIN dim_product p ON p.product_id = f.product_id
		   JOIN dim_store s ON s.store_id = f.store_id
		  WHERE f.tenant_id = 't1' AND f.order_date >= DATE '2024-01-01'
		  GROUP BY p.category, s.region
		  ORDER BY revenue DESC
		  LIMIT 50`,
		`SELECT product_name, price FROM dim_product JOIN fct_sales USING (product_id)
		  WHERE tenant_id = 't1' LIMIT 10`,
		`SELECT order_id, quantity FROM fct_sales
		  WHERE tenant_id = 't1'
		    AND product_id IN (SELECT product_id FROM dim_product WHERE category = 'Toys')
		  LIMIT 100`,
		`WITH monthly AS (
		     SELECT tenant_id, store_id, sum(net_sales) AS total
		       FROM fct_sales WHERE tenant_id = 't1'
		      GROUP BY tenant_id, store_id)
		 SELECT m.store_id, m.total, s.store_name
		   FROM monthly m JOIN dim_store s ON s.store_id = m.store_id
		  WHERE m.tenant_id = 't1'
		  LIMIT 10`,
		`SELECT t.store_id, t.total FROM (
		     SELECT tenant_id, store_id, sum(net_sales) AS total
		       FROM fct_sales WHERE tenant_id = 't1' GROUP BY tenant_id, store_id) AS t
		  WHERE t.tenant_id = 't1' ORDER BY t.total DESC LIMIT 5`,
		`SELECT d.* FROM (SELECT * FROM fct_sales WHERE tenant_id = 't1') d WHERE d.tenant_id = 't1' LIMIT 5`,
		`SELECT order_id FROM fct_sales WHERE tenant_id = 't1'::text LIMIT 10`,
		`SELECT order_id FROM fct_sales WHERE 't1' = tenant_id LIMIT 10`,
		`SELECT EXTRACT(year FROM order_date) AS yr, round(avg(net_sales), 2)
		   FROM fct_sales WHERE tenant_id = 't1' GROUP BY yr LIMIT 10`,
	}

	for _, sql := range statements {
		t.Run(strings.Join(strings.Fields(sql), " "), func(t *testing.T) {
			t.Parallel()
			requireAdmitted(t, evaluate(t, sql))
		})
	}
}

func TestEvaluate_TenantIsolationViolations(t *testing.T) {
	t.Parallel()

	statements := []string{
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't2' LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' OR 1 = 1 LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE NOT (tenant_id = 't1') LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id <> 't1' LIMIT 10",
		"SELECT order_id FROM fct_sales WHERE tenant_id = tenant_id LIMIT 10",
		"SELECT order_id FROM fct_sales /* WHERE tenant_id = 't1' */ LIMIT 10",
		"SELECT order_id, 'tenant_id = ''t1''' FROM fct_sales LIMIT 10",
		// The filter in a subquery is not the top-level WHERE.
		"SELECT s.order_id FROM (SELECT order_id, tenant_id FROM fct_sales WHERE tenant_id = 't1') s LIMIT 10",
		// Every UNION arm needs its own filter.
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' UNION ALL SELECT order_id FROM fct_sales LIMIT 10",
		// A second reference to a tenant table must be filtered too.
		"SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND store_id IN (SELECT store_id FROM fct_sales) LIMIT 10",
		"SELECT f.order_id FROM fct_sales f, fct_sales g WHERE f.tenant_id = 't1' LIMIT 10",
		// JOIN ON conditions are not WHERE predicates.
		"SELECT f.order_id FROM fct_sales f JOIN dim_store s ON s.store_id = f.store_id AND f.tenant_id = 't1' LIMIT 10",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			requireDenied(t, evaluate(t, sql), ReasonTenantIsolationViolation)
		})
	}
}

func TestEvaluate_TenantFilterInEverySelfJoin(t *testing.T) {
	t.Parallel()
	requireAdmitted(t, evaluate(t, `SELECT f.order_id FROM fct_sales f, fct_sales g
		WHERE f.tenant_id = 't1' AND g.tenant_id = 't1' AND f.order_id = g.order_id LIMIT 10`))
}

func TestEvaluate_RolePolicy(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)
	sql := "SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10"

	viewer, err := NewSecurityContext("t1", "u2", RoleViewer, "")
	require.NoError(t, err)
	intern, err := NewSecurityContext("t1", "u3", "intern", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		ctx     SecurityContext
		intent  string
		profile PolicyProfile
		want    ReasonCode
	}{
		{"viewer blocked intent", viewer, "ad_hoc_query", nil, ReasonPolicyRestricted},
		{"viewer allowed intent", viewer, "view_dashboard", nil, ReasonNone},
		{"viewer unlisted intent", viewer, "export", nil, ReasonPolicyRestricted},
		{"viewer intent case-insensitive", viewer, "VIEW_DASHBOARD", nil, ReasonNone},
		{"analyst unrestricted", analyst(t, "t1"), "ad_hoc_query", nil, ReasonNone},
		{"unknown role", intern, "view_dashboard", nil, ReasonPolicyRestricted},
		{
			"profile blocks analyst", analyst(t, "t1"), "ad_hoc_query",
			PolicyProfile{"analyst": {Blocked: []string{"ad_hoc_query"}}},
			ReasonPolicyRestricted,
		},
		{
			"profile cannot widen catalog entry", viewer, "ad_hoc_query",
			PolicyProfile{"viewer": {Allowed: []string{"ad_hoc_query"}}},
			ReasonPolicyRestricted,
		},
		{
			"profile without the role keeps catalog restrictions", viewer, "ad_hoc_query",
			PolicyProfile{"analyst": {Blocked: []string{"export"}}},
			ReasonPolicyRestricted,
		},
		{"empty profile keeps catalog restrictions", viewer, "ad_hoc_query", PolicyProfile{}, ReasonPolicyRestricted},
		{
			"empty profile entry keeps catalog restrictions", viewer, "ad_hoc_query",
			PolicyProfile{"viewer": {}},
			ReasonPolicyRestricted,
		},
		{
			"profile narrows catalog allowlist", viewer, "view_dashboard",
			PolicyProfile{"VIEWER": {Blocked: []string{"view_dashboard"}}},
			ReasonPolicyRestricted,
		},
		{
			"profile allowlist on unrestricted role", analyst(t, "t1"), "export",
			PolicyProfile{"analyst": {Allowed: []string{"ad_hoc_query"}}},
			ReasonPolicyRestricted,
		},
		{
			"profile entry that permits the intent", analyst(t, "t1"), "ad_hoc_query",
			PolicyProfile{"analyst": {Allowed: []string{"ad_hoc_query"}}},
			ReasonNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Evaluate(cat, Request{SQL: sql, Context: tt.ctx, Intent: tt.intent, Profile: tt.profile})
			if tt.want == ReasonNone {
				requireAdmitted(t, d)
				return
			}
			requireDenied(t, d, tt.want)
		})
	}
}

func joinQuery(joins int) string {
	var b strings.Builder
	b.WriteString("SELECT f.order_id FROM fct_sales f")
	for i := 0; i < joins; i++ {
		if i%2 == 0 {
			fmt.Fprintf(&b, " JOIN dim_product p%d ON p%d.product_id = f.product_id", i, i)
		} else {
			fmt.Fprintf(&b, " JOIN dim_store s%d ON s%d.store_id = f.store_id", i, i)
		}
	}
	b.WriteString(" WHERE f.tenant_id = 't1' LIMIT 10")
	return b.String()
}

func TestEvaluate_JoinCount(t *testing.T) {
	t.Parallel()

	requireAdmitted(t, evaluate(t, joinQuery(5)))

	d := evaluate(t, joinQuery(6))
	requireDenied(t, d, ReasonComplexityExceeded)
	c, ok := d.Check(CheckComplexity)
	require.True(t, ok)
	assert.Contains(t, c.Detail, "6 joins exceed 5")
}

func TestEvaluate_SubqueryDepth(t *testing.T) {
	t.Parallel()

	nested := func(depth int) string {
		q := "SELECT order_id FROM fct_sales WHERE tenant_id = 't1'"
		for i := 0; i < depth; i++ {
			q = fmt.Sprintf("SELECT order_id FROM fct_sales WHERE tenant_id = 't1' AND order_id IN (%s)", q)
		}
		return q + " LIMIT 10"
	}

	requireAdmitted(t, evaluate(t, nested(3)))

	d := evaluate(t, nested(4))
	requireDenied(t, d, ReasonComplexityExceeded)
	c, ok := d.Check(CheckComplexity)
	require.True(t, ok)
	assert.Contains(t, c.Detail, "subquery depth 4 exceeds 3")
}

func TestEvaluate_AllChecksRunAfterParse(t *testing.T) {
	t.Parallel()

	d := evaluate(t, "DELETE FROM users")
	requireDenied(t, d, ReasonForbiddenStatementKind)

	names := make([]string, 0, len(d.Checks))
	for _, c := range d.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		CheckParseability, CheckStatementKind, CheckTableAllowlist, CheckColumnAllowlist,
		CheckRowLimit, CheckTenantIsolation, CheckRolePolicy, CheckComplexity,
	}, names)
	assert.False(t, d.Passed(CheckTableAllowlist))
	assert.False(t, d.Passed(CheckRowLimit))
}

func TestEvaluate_FirstFailureDecidesReason(t *testing.T) {
	t.Parallel()

	// Missing limit and missing tenant filter: the limit check runs first.
	d := evaluate(t, "SELECT order_id FROM fct_sales")
	requireDenied(t, d, ReasonMissingLimit)
	assert.False(t, d.Passed(CheckTenantIsolation))
	assert.True(t, strings.HasPrefix(d.Message, "row limit: "))
}

func TestEvaluate_Idempotent(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)

	budget := &Budget{Model: cat.Volumes(), MaxBytes: 1_000_000_000}
	for _, sql := range []string{
		"SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		"SELECT password, x.y FROM users, accounts LIMIT ALL",
		"SELECT 1; SELECT 2",
	} {
		req := Request{SQL: sql, Context: analyst(t, "t1"), Intent: "ad_hoc_query", Budget: budget}
		assert.Equal(t, Evaluate(cat, req), Evaluate(cat, req), sql)
	}
}

func TestEvaluate_Budget(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)
	sql := "SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10"

	d := Evaluate(cat, Request{
		SQL:     sql,
		Context: analyst(t, "t1"),
		Budget:  &Budget{Model: cat.Volumes(), MaxBytes: 1_000_000},
	})
	requireDenied(t, d, ReasonBudgetExceeded)
	require.NotNil(t, d.EstimatedBytes)
	assert.GreaterOrEqual(t, *d.EstimatedBytes, int64(50_000_000))

	d = Evaluate(cat, Request{
		SQL:     sql,
		Context: analyst(t, "t1"),
		Budget:  &Budget{Model: cat.Volumes(), MaxBytes: 100_000_000},
	})
	requireAdmitted(t, d)
	assert.True(t, d.Passed(CheckBudget))
}

func TestEvaluate_BudgetSkippedOnceDenied(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)

	d := Evaluate(cat, Request{
		SQL:     "SELECT * FROM fct_sales LIMIT 10",
		Context: analyst(t, "t1"),
		Budget:  &Budget{Model: cat.Volumes(), MaxBytes: 1},
	})
	requireDenied(t, d, ReasonTenantIsolationViolation)
	_, ok := d.Check(CheckBudget)
	assert.False(t, ok)
	assert.Nil(t, d.EstimatedBytes)
}

func TestEvaluate_NilCatalogDenies(t *testing.T) {
	t.Parallel()
	d := Evaluate(nil, Request{SQL: "SELECT 1 LIMIT 1"})
	assert.False(t, d.Admitted)
}

type staticSource struct {
	mu  sync.Mutex
	cat *Catalog
}

func (s *staticSource) Current() *Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat
}

func TestNewSafetyValidator(t *testing.T) {
	t.Parallel()

	_, err := NewSafetyValidator(nil)
	require.ErrorIs(t, err, ErrNilCatalogSource)

	v, err := NewSafetyValidator(&staticSource{cat: salesCatalog(t)})
	require.NoError(t, err)

	d := v.Validate(Request{
		SQL:     "SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		Context: analyst(t, "t1"),
	})
	requireAdmitted(t, d)
	assert.NotNil(t, v.Catalog())
}

func TestSafetyValidator_Concurrent(t *testing.T) {
	t.Parallel()
	v, err := NewSafetyValidator(&staticSource{cat: salesCatalog(t)})
	require.NoError(t, err)
	ctx := analyst(t, "t1")

	var wg sync.WaitGroup
	results := make([]Decision, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = v.Validate(Request{SQL: "SELECT * FROM fct_sales WHERE tenant_id = 't1' LIMIT 10", Context: ctx})
		}(i)
	}
	wg.Wait()

	for _, d := range results {
		assert.Equal(t, results[0], d)
		assert.True(t, d.Admitted)
	}
}

func TestDecision_ForRole(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)
	d := evaluate(t, "SELECT password FROM fct_sales WHERE tenant_id = 't1' LIMIT 10")
	requireDenied(t, d, ReasonUnauthorizedColumn)

	admin := d.ForRole(cat, RoleAdmin)
	assert.Equal(t, d, admin)

	viewer := d.ForRole(cat, RoleViewer)
	assert.Equal(t, ReasonUnauthorizedColumn, viewer.Reason)
	assert.NotContains(t, viewer.Message, "password")
	for _, c := range viewer.Checks {
		assert.Empty(t, c.Detail)
	}
	assert.False(t, viewer.Passed(CheckColumnAllowlist))
}

func TestEvaluate_ProfileCaseVariantsAreDeterministic(t *testing.T) {
	t.Parallel()
	cat := salesCatalog(t)
	req := Request{
		SQL:     "SELECT order_id FROM fct_sales WHERE tenant_id = 't1' LIMIT 10",
		Context: analyst(t, "t1"),
		Intent:  "export",
		Profile: PolicyProfile{
			"analyst": {Blocked: []string{"export"}},
			"ANALYST": {},
			"Analyst": {Allowed: []string{"export"}},
		},
	}

	first := Evaluate(cat, req)
	requireDenied(t, first, ReasonPolicyRestricted)
	for range 200 {
		d := Evaluate(cat, req)
		require.Equal(t, first.Reason, d.Reason)
		require.Equal(t, first.Message, d.Message)
	}
}

func TestPolicyProfile_Normalize(t *testing.T) {
	t.Parallel()

	got, err := PolicyProfile{" Viewer ": {Blocked: []string{"export"}}, "analyst": {}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PolicyProfile{"viewer": {Blocked: []string{"export"}}, "analyst": {}}, got)

	_, err = PolicyProfile{"viewer": {}, "VIEWER": {}}.Normalize()
	require.ErrorIs(t, err, ErrInvalidProfile)

	_, err = PolicyProfile{"": {}}.Normalize()
	require.ErrorIs(t, err, ErrInvalidProfile)

	got, err = PolicyProfile(nil).Normalize()
	require.NoError(t, err)
	assert.Nil(t, got)
}
