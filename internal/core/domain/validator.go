package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrNilCatalogSource = errors.New("catalog source is nil")

// CatalogSource hands out the active catalog snapshot.
type CatalogSource interface {
	Current() *Catalog
}

// Request is one validation call. Intent is supplied by the planner and is
// never derived from the SQL. Profile entries add to the catalog's role
// restrictions; a nil Budget skips the budget check.
type Request struct {
	SQL     string
	Context SecurityContext
	Intent  string
	Profile PolicyProfile
	Budget  *Budget
}

// SafetyValidator evaluates requests against the active catalog snapshot.
type SafetyValidator struct {
	src CatalogSource
}

// NewSafetyValidator returns a validator reading snapshots from src.
func NewSafetyValidator(src CatalogSource) (*SafetyValidator, error) {
	if src == nil {
		return nil, ErrNilCatalogSource
	}
	return &SafetyValidator{src: src}, nil
}

// Validate loads the snapshot once and evaluates req against it, so a
// concurrent reload never affects a call in flight.
func (v *SafetyValidator) Validate(req Request) Decision {
	return Evaluate(v.src.Current(), req)
}

// Catalog returns the snapshot the next call would use.
func (v *SafetyValidator) Catalog() *Catalog {
	return v.src.Current()
}

// Evaluate runs every check over req. It is a pure function of its inputs.
// After a successful parse, checks 2 to 8 always run; the budget check only
// runs when nothing else failed.
func Evaluate(cat *Catalog, req Request) Decision {
	var t trace

	if cat == nil {
		t.fail(CheckParseability, ReasonPolicyRestricted, "no policy catalog is loaded")
		return t.decision()
	}

	stmt, err := Parse(req.SQL)
	if err != nil {
		code, detail := ReasonUnparseable, err.Error()
		var pe *ParseError
		if errors.As(err, &pe) {
			code = pe.Code
		}
		t.fail(CheckParseability, code, detail)
		return t.decision()
	}
	t.pass(CheckParseability, stmt.Command+" statement")

	checkStatementKind(&t, cat, stmt)
	checkTables(&t, cat, stmt)
	checkColumns(&t, cat, stmt)
	checkLimit(&t, cat, stmt)
	checkTenant(&t, cat, stmt, req.Context.TenantID())
	checkRole(&t, cat, req)
	checkComplexity(&t, cat, stmt)

	var estimate *int64
	if req.Budget != nil && !t.denied() {
		est := EstimateScanBytes(stmt, req.Budget.Model, cat)
		estimate = &est
		switch {
		case req.Budget.MaxBytes <= 0:
			t.pass(CheckBudget, fmt.Sprintf("estimated %d bytes, no ceiling", est))
		case est > req.Budget.MaxBytes:
			t.fail(CheckBudget, ReasonBudgetExceeded,
				fmt.Sprintf("estimated %d bytes exceeds the ceiling of %d", est, req.Budget.MaxBytes))
		default:
			t.pass(CheckBudget, fmt.Sprintf("estimated %d of %d bytes", est, req.Budget.MaxBytes))
		}
	}

	d := t.decision()
	d.EstimatedBytes = estimate
	return d
}

// ForRole returns d as role may see it: roles outside the catalog's
// trace_roles get the redacted form.
func (d Decision) ForRole(cat *Catalog, role string) Decision {
	if cat != nil && cat.CanSeeTrace(role) {
		return d
	}
	return d.Redacted()
}

func checkStatementKind(t *trace, cat *Catalog, stmt *ParsedStatement) {
	var problems problemList
	if !stmt.ReadOnly() {
		if cat.IsForbiddenKind(stmt.Command) {
			problems.add("%s is a forbidden statement kind", stmt.Command)
		} else {
			problems.add("%s is not a read-only statement", stmt.Command)
		}
	}
	for _, cmd := range stmt.NestedCommands {
		problems.add("contains a nested %s", cmd)
	}
	for _, u := range stmt.Unsupported {
		problems.add("unsupported construct: %s", u)
	}
	for _, fn := range stmt.Functions {
		if !cat.AllowsFunction(fn) {
			problems.add("function %s is not allowed", fn)
		}
	}
	if problems.empty() {
		t.pass(CheckStatementKind, fmt.Sprintf("%s is read-only", stmt.Kind))
		return
	}
	t.fail(CheckStatementKind, ReasonForbiddenStatementKind, problems.String())
}

func checkTables(t *trace, cat *Catalog, stmt *ParsedStatement) {
	var denied problemList
	for _, ref := range stmt.Tables {
		if _, ok := cat.MatchTable(ref); !ok {
			denied.add("%s", ref.QualifiedName())
		}
	}
	if denied.empty() {
		t.pass(CheckTableAllowlist, fmt.Sprintf("%d table reference(s) allowed", len(stmt.Tables)))
		return
	}
	t.fail(CheckTableAllowlist, ReasonUnauthorizedTable, "tables not allowed: "+strings.Join(denied.items, ", "))
}

func checkColumns(t *trace, cat *Catalog, stmt *ParsedStatement) {
	r := resolver{cat: cat, stmt: stmt}
	var problems problemList
	for _, col := range stmt.Columns {
		if msg := r.check(col); msg != "" {
			problems.add("%s", msg)
		}
	}
	if problems.empty() {
		t.pass(CheckColumnAllowlist, fmt.Sprintf("%d column reference(s) allowed", len(stmt.Columns)))
		return
	}
	t.fail(CheckColumnAllowlist, ReasonUnauthorizedColumn, problems.String())
}

func checkLimit(t *trace, cat *Catalog, stmt *ParsedStatement) {
	l := stmt.Limit
	var detail string
	switch {
	case !l.Present:
		detail = "no LIMIT clause"
	case l.Unbounded:
		detail = "LIMIT ALL is unbounded"
	case l.WithTies:
		detail = "FETCH WITH TIES can return more rows than the limit"
	case !l.Literal:
		detail = fmt.Sprintf("LIMIT must be an integer literal, got %s", l.Raw)
	case l.Value <= 0:
		detail = fmt.Sprintf("LIMIT must be positive, got %d", l.Value)
	case l.Value > cat.MaxLimit():
		detail = fmt.Sprintf("LIMIT %d exceeds the maximum of %d", l.Value, cat.MaxLimit())
	default:
		t.pass(CheckRowLimit, fmt.Sprintf("LIMIT %d", l.Value))
		return
	}
	t.fail(CheckRowLimit, ReasonMissingLimit, detail)
}

func checkTenant(t *trace, cat *Catalog, stmt *ParsedStatement, tenant string) {
	if tenant == "" {
		t.pass(CheckTenantIsolation, "no tenant in context")
		return
	}
	r := resolver{cat: cat, stmt: stmt}
	column := cat.TenantColumn()
	var problems problemList

	for _, s := range stmt.TopLevelScopes() {
		if len(r.tenantCovered(s, tenant)) == 0 {
			problems.add("top-level WHERE has no %s = '%s' predicate", column, tenant)
		}
	}
	for _, s := range stmt.Scopes {
		covered := r.tenantCovered(s, tenant)
		for i, b := range s.Bindings {
			if b.Derived || b.Table < 0 {
				continue
			}
			key, ok := cat.MatchTable(stmt.Tables[b.Table])
			if !ok || !cat.IsTenantScoped(key) || covered[i] {
				continue
			}
			problems.add("%s is not filtered by %s", b.Name, column)
		}
	}

	if problems.empty() {
		t.pass(CheckTenantIsolation, fmt.Sprintf("filtered by %s", column))
		return
	}
	t.fail(CheckTenantIsolation, ReasonTenantIsolationViolation, problems.String())
}

func checkRole(t *trace, cat *Catalog, req Request) {
	role := req.Context.Role()
	if role == "" || !cat.KnowsRole(role) {
		t.fail(CheckRolePolicy, ReasonPolicyRestricted, fmt.Sprintf("role %q is not defined", role))
		return
	}

	var restrictions []IntentRestriction
	if r, ok := cat.Restriction(role); ok {
		restrictions = append(restrictions, r)
	}
	restrictions = append(restrictions, req.Profile.For(role)...)

	for _, r := range restrictions {
		if containsFold(r.Blocked, req.Intent) {
			t.fail(CheckRolePolicy, ReasonPolicyRestricted,
				fmt.Sprintf("intent %q is blocked for role %q", req.Intent, role))
			return
		}
		if len(r.Allowed) > 0 && !containsFold(r.Allowed, req.Intent) {
			t.fail(CheckRolePolicy, ReasonPolicyRestricted,
				fmt.Sprintf("intent %q is not allowed for role %q", req.Intent, role))
			return
		}
	}
	t.pass(CheckRolePolicy, fmt.Sprintf("role %q may run intent %q", role, req.Intent))
}

func checkComplexity(t *trace, cat *Catalog, stmt *ParsedStatement) {
	var problems problemList
	if stmt.SubqueryDepth > cat.MaxSubqueryDepth() {
		problems.add("subquery depth %d exceeds %d", stmt.SubqueryDepth, cat.MaxSubqueryDepth())
	}
	if stmt.JoinCount > cat.MaxJoinCount() {
		problems.add("%d joins exceed %d", stmt.JoinCount, cat.MaxJoinCount())
	}
	if problems.empty() {
		t.pass(CheckComplexity, fmt.Sprintf("subquery depth %d, %d joins", stmt.SubqueryDepth, stmt.JoinCount))
		return
	}
	t.fail(CheckComplexity, ReasonComplexityExceeded, problems.String())
}

// resolver binds column references to relations using the catalog.
type resolver struct {
	cat  *Catalog
	stmt *ParsedStatement
}

// check returns "" when col is allowed, or the reason it is not.
func (r resolver) check(col ColumnRef) string {
	sc := r.stmt.scope(col.Scope)
	if sc == nil {
		return fmt.Sprintf("column %s could not be bound", col)
	}

	if col.Star {
		if r.cat.DenyStar() {
			return fmt.Sprintf("%s is not allowed, list columns explicitly", col)
		}
		if len(col.Qualifier) > 0 {
			b, ok := r.lookup(sc, col.Qualifier)
			if !ok {
				return fmt.Sprintf("%s references unknown relation %s", col, strings.Join(col.Qualifier, "."))
			}
			if b.Opaque {
				return fmt.Sprintf("%s expands an unverifiable relation", col)
			}
			return ""
		}
		for _, b := range sc.Bindings {
			if b.Opaque {
				return fmt.Sprintf("%s expands an unverifiable relation %s", col, b.Name)
			}
		}
		return ""
	}

	if len(col.Qualifier) > 0 {
		b, ok := r.lookup(sc, col.Qualifier)
		if !ok {
			return fmt.Sprintf("column %s references unknown relation %s", col, strings.Join(col.Qualifier, "."))
		}
		if !r.exposes(b, col.Name) {
			return fmt.Sprintf("column %s is not allowed", col)
		}
		return ""
	}

	if (col.Clause == ClauseOrderBy || col.Clause == ClauseGroupBy) && slices.Contains(sc.Outputs, col.Name) {
		return ""
	}

	for s := sc; s != nil; s = r.stmt.scope(s.Parent) {
		matches, blocking := 0, false
		for _, b := range s.Bindings {
			switch {
			case b.Opaque:
				blocking = true
			case r.exposes(b, col.Name):
				matches++
			case !b.Derived:
				// A base table may hold columns the allowlist does not name.
				blocking = true
			}
		}
		switch {
		case matches > 0 && slices.Contains(s.Merged, col.Name):
			return ""
		case matches > 1:
			return fmt.Sprintf("column %s is ambiguous", col)
		case matches == 1 && !hasOpaque(s):
			return ""
		case matches == 1:
			return fmt.Sprintf("column %s may come from an unverifiable relation", col)
		case blocking:
			return fmt.Sprintf("column %s is not allowed", col)
		}
	}
	return fmt.Sprintf("column %s could not be bound", col)
}

// lookup finds the binding a qualifier names, searching outwards.
func (r resolver) lookup(sc *Scope, qualifier []string) (Binding, bool) {
	name := qualifier[len(qualifier)-1]
	for s := sc; s != nil; s = r.stmt.scope(s.Parent) {
		for _, b := range s.Bindings {
			if b.Name == "" || b.Name != name {
				continue
			}
			if len(qualifier) > 1 {
				if b.Derived || b.Table < 0 {
					continue
				}
				ref := r.stmt.Tables[b.Table]
				if ref.Alias != "" || ref.Schema != qualifier[len(qualifier)-2] {
					continue
				}
			}
			return b, true
		}
	}
	return Binding{}, false
}

// exposes reports whether column can be read through b without touching
// anything outside the allowlist.
func (r resolver) exposes(b Binding, column string) bool {
	if b.Opaque {
		return false
	}
	if !b.Derived {
		if b.Table < 0 || b.Table >= len(r.stmt.Tables) {
			return false
		}
		key, ok := r.cat.MatchTable(r.stmt.Tables[b.Table])
		return ok && r.cat.AllowsColumn(key, column)
	}
	if slices.Contains(b.Columns, column) {
		return true
	}
	for _, star := range b.Stars {
		inner := r.stmt.scope(star.Scope)
		if inner == nil {
			continue
		}
		for _, ib := range inner.Bindings {
			if len(star.Qualifier) > 0 && ib.Name != star.Qualifier[len(star.Qualifier)-1] {
				continue
			}
			if r.exposes(ib, column) {
				return true
			}
		}
	}
	return false
}

// tenantCovered returns the bindings of s restricted to tenant by an
// AND-level equality predicate in s's own WHERE clause.
func (r resolver) tenantCovered(s *Scope, tenant string) map[int]bool {
	column := r.cat.TenantColumn()
	covered := make(map[int]bool)
	for _, p := range s.Predicates {
		if p.Operator != "=" || !p.Literal || p.Value != tenant || p.Column.Name != column {
			continue
		}
		if len(p.Column.Qualifier) > 0 {
			name := p.Column.Qualifier[len(p.Column.Qualifier)-1]
			for i, b := range s.Bindings {
				if b.Name == name && r.exposes(b, column) {
					covered[i] = true
				}
			}
			continue
		}
		match := -1
		for i, b := range s.Bindings {
			if r.exposes(b, column) {
				if match >= 0 {
					match = -2
					break
				}
				match = i
			}
		}
		if match >= 0 {
			covered[match] = true
		}
	}
	return covered
}

func hasOpaque(s *Scope) bool {
	for _, b := range s.Bindings {
		if b.Opaque {
			return true
		}
	}
	return false
}

func containsFold(items []string, s string) bool {
	for _, it := range items {
		if strings.EqualFold(it, s) {
			return true
		}
	}
	return false
}

// problemList collects distinct problem descriptions in order of discovery.
type problemList struct {
	items []string
}

func (p *problemList) add(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !slices.Contains(p.items, msg) {
		p.items = append(p.items, msg)
	}
}

func (p *problemList) empty() bool { return len(p.items) == 0 }

func (p *problemList) String() string { return strings.Join(p.items, "; ") }
