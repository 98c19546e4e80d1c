package domain

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
)

// Parse parses raw with PostgreSQL's grammar and extracts its structure.
// Anything other than exactly one statement is a *ParseError.
func Parse(raw string) (*ParsedStatement, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Code: ReasonUnparseable, Err: ErrEmptyQuery}
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return nil, &ParseError{Code: ReasonUnparseable, Msg: err.Error(), Err: ErrParseFailed}
	}

	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return nil, &ParseError{Code: ReasonUnparseable, Msg: "no statement found", Err: ErrEmptyQuery}
	}
	if len(tree.Stmts) > 1 {
		return nil, &ParseError{
			Code: ReasonMultiStatement,
			Msg:  fmt.Sprintf("found %d statements", len(tree.Stmts)),
			Err:  ErrMultiStatement,
		}
	}

	root := tree.Stmts[0].Stmt
	p := &parser{
		stmt:        &ParsedStatement{},
		seenTables:  make(map[*pg_query.RangeVar]bool),
		seenColumns: make(map[*pg_query.ColumnRef]bool),
	}

	inner := unwrapNode(root)
	if sel := root.GetSelectStmt(); sel != nil {
		p.walkRoot(sel)
	} else {
		p.stmt.Kind = KindOther
		p.stmt.Command = commandName(inner)
		if p.stmt.Command == "" {
			p.stmt.Command = "UNKNOWN"
		}
	}

	sw := sweepTree(inner, p.seenTables, p.seenColumns)
	for _, rv := range sw.tables {
		p.addTable(rv, NoScope)
	}
	for _, cr := range sw.columns {
		p.addColumn(cr, NoScope, ClauseOther)
	}
	p.stmt.Functions = sw.functions
	p.stmt.NestedCommands = sw.nestedCommands

	return p.stmt, nil
}

type parser struct {
	stmt        *ParsedStatement
	seenTables  map[*pg_query.RangeVar]bool
	seenColumns map[*pg_query.ColumnRef]bool
}

// cteDef is what a WITH query or FROM subquery exposes to its enclosing
// scope. sources runs parallel to columns.
type cteDef struct {
	columns     []string
	sources     [][]string
	stars       []StarFrom
	starLineage map[string][]string
	starSources []string
	opaque      bool
}

// rename applies a column alias list, keeping each column's sources. Once a
// * is renamed the positions are unknown, so every alias reads all of it.
func (d *cteDef) rename(aliases []string) *cteDef {
	if len(aliases) == 0 {
		return d
	}
	out := *d
	out.columns = renamed(d.columns, aliases)
	out.sources = make([][]string, len(out.columns))
	for i := range out.columns {
		var src []string
		if i < len(d.columns) {
			src = append(src, d.columns[i])
			if i < len(d.sources) {
				src = append(src, d.sources[i]...)
			}
		}
		if len(d.stars) > 0 {
			src = append(src, d.starSources...)
		}
		out.sources[i] = src
	}
	return &out
}

func (d *cteDef) lineage() map[string][]string {
	if len(d.columns) == 0 && len(d.starLineage) == 0 {
		return nil
	}
	out := make(map[string][]string, len(d.columns)+len(d.starLineage))
	for name, src := range d.starLineage {
		out[name] = slices.Clone(src)
	}
	for i, name := range d.columns {
		src := []string{name}
		if i < len(d.sources) {
			src = append(src, d.sources[i]...)
		}
		out[name] = append(out[name], src...)
	}
	return out
}

// cteEnv chains WITH clauses from the innermost outwards.
type cteEnv struct {
	defs   map[string]*cteDef
	parent *cteEnv
}

func (e *cteEnv) lookup(name string) *cteDef {
	for ; e != nil; e = e.parent {
		if d, ok := e.defs[name]; ok {
			return d
		}
	}
	return nil
}

// outputCol is one entry of a SELECT's target list.
type outputCol struct {
	name    string
	star    bool
	from    StarFrom
	sources []string
}

func (p *parser) walkRoot(sel *pg_query.SelectStmt) {
	p.stmt.Kind = KindSelect
	if sel.WithClause != nil {
		p.stmt.Kind = KindWith
	}
	p.stmt.Command = "SELECT"

	outs := p.walkSelect(sel, NoScope, 0, ScopeRoot, nil, true)
	for _, o := range outs {
		if !o.star {
			p.stmt.Outputs = append(p.stmt.Outputs, Output{Name: o.name, Sources: o.sources})
			continue
		}
		lineage, _ := p.starLineage(o.from)
		for _, name := range slices.Sorted(maps.Keys(lineage)) {
			p.stmt.Outputs = append(p.stmt.Outputs, Output{Name: name, Sources: slices.Concat(lineage[name], o.sources)})
		}
		if len(o.sources) > 0 {
			p.stmt.Outputs = append(p.stmt.Outputs, Output{Name: "*", Sources: o.sources})
		}
	}
	p.stmt.Limit = parseLimit(sel)
}

func (p *parser) newScope(parent, depth int, kind ScopeKind) *Scope {
	s := &Scope{ID: len(p.stmt.Scopes), Parent: parent, Depth: depth, Kind: kind}
	p.stmt.Scopes = append(p.stmt.Scopes, s)
	if depth > p.stmt.SubqueryDepth {
		p.stmt.SubqueryDepth = depth
	}
	return s
}

func isSetOp(sel *pg_query.SelectStmt) bool {
	return sel.Op != pg_query.SetOperation_SETOP_NONE &&
		sel.Op != pg_query.SetOperation_SET_OPERATION_UNDEFINED
}

// walkSelect records one SELECT and everything below it. Set operation arms
// share the depth and parent of the operation itself.
func (p *parser) walkSelect(sel *pg_query.SelectStmt, parent, depth int, kind ScopeKind, env *cteEnv, top bool) []outputCol {
	if sel.WithClause != nil {
		env = p.walkWith(sel.WithClause, parent, depth, env)
	}
	if sel.IntoClause != nil {
		p.unsupported("SELECT INTO")
	}
	if len(sel.LockingClause) > 0 {
		p.unsupported("row locking clause")
	}

	if isSetOp(sel) {
		s := p.newScope(parent, depth, ScopeSetOp)
		var left, right []outputCol
		if sel.Larg != nil {
			left = p.walkSelect(sel.Larg, parent, depth, kind, env, top)
		}
		if sel.Rarg != nil {
			right = p.walkSelect(sel.Rarg, parent, depth, kind, env, top)
		}
		left = p.mergeArms(left, right)
		s.Outputs = outputNames(left)
		p.walkExprs(sel.SortClause, s, env, ClauseOrderBy)
		p.walkExpr(sel.LimitCount, s, env, ClauseOther)
		p.walkExpr(sel.LimitOffset, s, env, ClauseOther)
		return left
	}

	s := p.newScope(parent, depth, kind)
	s.TopLevel = top

	for _, item := range sel.FromClause {
		p.walkFromItem(item, s, env)
	}
	if len(sel.FromClause) > 1 {
		p.stmt.JoinCount += len(sel.FromClause) - 1
	}

	var outs []outputCol
	if len(sel.ValuesLists) > 0 {
		for _, row := range sel.ValuesLists {
			p.walkExpr(row, s, env, ClauseSelect)
		}
		for i := range sel.ValuesLists[0].GetList().GetItems() {
			outs = append(outs, outputCol{name: fmt.Sprintf("column%d", i+1)})
		}
	}
	outs = append(outs, p.walkTargets(sel.TargetList, s, env)...)
	s.Outputs = outputNames(outs)

	p.walkExpr(sel.WhereClause, s, env, ClauseWhere)
	s.Predicates = p.conjuncts(sel.WhereClause, s)
	if top {
		p.stmt.Predicates = append(p.stmt.Predicates, s.Predicates...)
	}

	p.walkExprs(sel.GroupClause, s, env, ClauseGroupBy)
	p.walkExpr(sel.HavingClause, s, env, ClauseHaving)
	p.walkExprs(sel.WindowClause, s, env, ClauseWindow)
	p.walkExprs(sel.DistinctClause, s, env, ClauseSelect)
	p.walkExprs(sel.SortClause, s, env, ClauseOrderBy)
	p.walkExpr(sel.LimitCount, s, env, ClauseOther)
	p.walkExpr(sel.LimitOffset, s, env, ClauseOther)

	return outs
}

func (p *parser) walkWith(w *pg_query.WithClause, parent, depth int, env *cteEnv) *cteEnv {
	ne := &cteEnv{defs: make(map[string]*cteDef), parent: env}
	for _, n := range w.Ctes {
		cte := n.GetCommonTableExpr()
		if cte == nil {
			continue
		}
		name := cte.Ctename
		colnames := stringNodes(cte.Aliascolnames)

		inner := cte.Ctequery.GetSelectStmt()
		if inner == nil {
			// Data-modifying CTE; the sweep reports the command.
			ne.defs[name] = &cteDef{opaque: true}
			continue
		}

		if w.Recursive {
			placeholder := &cteDef{columns: colnames}
			if len(colnames) == 0 {
				names, ok := declaredNames(inner)
				placeholder = &cteDef{columns: names, opaque: !ok}
			}
			ne.defs[name] = placeholder
		}

		p.stmt.SubqueryCount++
		outs := p.walkSelect(inner, parent, depth+1, ScopeCTE, ne, false)
		ne.defs[name] = p.derivedDef(outs).rename(colnames)
	}
	return ne
}

func (p *parser) walkSubquery(sel *pg_query.SelectStmt, parent, depth int, env *cteEnv, kind ScopeKind) []outputCol {
	p.stmt.SubqueryCount++
	return p.walkSelect(sel, parent, depth, kind, env, false)
}

func (p *parser) walkFromItem(item *pg_query.Node, s *Scope, env *cteEnv) {
	switch {
	case item.GetRangeVar() != nil:
		rv := item.GetRangeVar()
		name := rv.Relname
		alias, colnames := aliasOf(rv.Alias)
		bindName := name
		if alias != "" {
			bindName = alias
		}

		if rv.Schemaname == "" && rv.Catalogname == "" {
			if def := env.lookup(name); def != nil {
				p.seenTables[rv] = true
				def = def.rename(colnames)
				s.Bindings = append(s.Bindings, Binding{
					Name:    bindName,
					Table:   -1,
					Derived: true,
					Columns: def.columns,
					Stars:   def.stars,
					Opaque:  def.opaque,
					Lineage: def.lineage(),
				})
				return
			}
		}

		idx := p.addTable(rv, s.ID)
		s.Bindings = append(s.Bindings, Binding{
			Name:  bindName,
			Table: idx,
			// Renamed base-table columns cannot be checked against the allowlist.
			Opaque: len(colnames) > 0,
		})

	case item.GetJoinExpr() != nil:
		j := item.GetJoinExpr()
		p.stmt.JoinCount++
		p.walkFromItem(j.Larg, s, env)
		p.walkFromItem(j.Rarg, s, env)
		if j.IsNatural {
			p.unsupported("NATURAL JOIN")
		}
		if j.Alias != nil || j.JoinUsingAlias != nil {
			p.unsupported("aliased JOIN")
		}
		for _, col := range stringNodes(j.UsingClause) {
			s.Merged = append(s.Merged, col)
			p.stmt.Columns = append(p.stmt.Columns, ColumnRef{Scope: s.ID, Name: col, Clause: ClauseJoin})
		}
		p.walkExpr(j.Quals, s, env, ClauseJoin)

	case item.GetRangeSubselect() != nil:
		rs := item.GetRangeSubselect()
		alias, colnames := aliasOf(rs.Alias)
		sel := rs.Subquery.GetSelectStmt()
		if sel == nil {
			p.unsupported("non-SELECT subquery in FROM")
			s.Bindings = append(s.Bindings, Binding{Name: alias, Table: -1, Derived: true, Opaque: true})
			return
		}
		parent := s.Parent
		if rs.Lateral {
			parent = s.ID
		}
		outs := p.walkSubquery(sel, parent, s.Depth+1, env, ScopeDerived)
		def := p.derivedDef(outs).rename(colnames)
		s.Bindings = append(s.Bindings, Binding{
			Name:    alias,
			Table:   -1,
			Derived: true,
			Columns: def.columns,
			Stars:   def.stars,
			Lineage: def.lineage(),
		})

	case item.GetRangeFunction() != nil:
		rf := item.GetRangeFunction()
		alias, _ := aliasOf(rf.Alias)
		for _, f := range rf.Functions {
			items := f.GetList().GetItems()
			if len(items) == 0 {
				continue
			}
			fn := "function"
			if fc := items[0].GetFuncCall(); fc != nil {
				fn = funcName(fc.Funcname)
			}
			p.stmt.Tables = append(p.stmt.Tables, TableRef{Function: fn, Alias: alias, Scope: s.ID})
			p.walkExpr(items[0], s, env, ClauseFrom)
		}
		s.Bindings = append(s.Bindings, Binding{Name: alias, Table: -1, Opaque: true})

	default:
		if m := unwrapNode(item); m != nil {
			p.unsupported("FROM item " + string(m.ProtoReflect().Descriptor().Name()))
		}
	}
}

// walkTargets records the target list and returns the output columns.
func (p *parser) walkTargets(targets []*pg_query.Node, s *Scope, env *cteEnv) []outputCol {
	var outs []outputCol
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if cr := rt.Val.GetColumnRef(); cr != nil {
			ref := p.addColumn(cr, s.ID, ClauseSelect)
			if ref.Star {
				outs = append(outs, outputCol{star: true, from: StarFrom{Scope: s.ID, Qualifier: ref.Qualifier}})
				continue
			}
			name := ref.Name
			if rt.Name != "" {
				name = rt.Name
			}
			outs = append(outs, outputCol{name: name, sources: slices.Concat([]string{ref.Name}, p.lineageOf(ref))})
			continue
		}
		sources := p.walkExpr(rt.Val, s, env, ClauseSelect)
		name := rt.Name
		if name == "" {
			name = exprName(rt.Val)
		}
		outs = append(outs, outputCol{name: name, sources: sources})
	}
	return outs
}

func (p *parser) walkExprs(nodes []*pg_query.Node, s *Scope, env *cteEnv, clause string) {
	for _, n := range nodes {
		p.walkExpr(n, s, env, clause)
	}
}

// walkExpr records column references in an expression and descends into
// sub-links as nested scopes. It returns the names of the columns read.
func (p *parser) walkExpr(n *pg_query.Node, s *Scope, env *cteEnv, clause string) []string {
	if n == nil {
		return nil
	}
	var names []string
	inspect(n, func(m proto.Message) bool {
		switch x := m.(type) {
		case *pg_query.ColumnRef:
			if ref := p.addColumn(x, s.ID, clause); !ref.Star {
				names = append(names, ref.Name)
				names = append(names, p.lineageOf(ref)...)
			}
			return false
		case *pg_query.SubLink:
			names = append(names, p.walkExpr(x.Testexpr, s, env, clause)...)
			if sel := x.Subselect.GetSelectStmt(); sel != nil {
				outs := p.walkSubquery(sel, s.ID, s.Depth+1, env, ScopeSubLink)
				switch x.SubLinkType {
				case pg_query.SubLinkType_EXPR_SUBLINK, pg_query.SubLinkType_ARRAY_SUBLINK:
					names = append(names, p.outSources(outs)...)
				}
			}
			return false
		case *pg_query.SelectStmt:
			p.walkSubquery(x, s.ID, s.Depth+1, env, ScopeSubLink)
			return false
		}
		return true
	})
	return names
}

func (p *parser) addTable(rv *pg_query.RangeVar, scope int) int {
	p.seenTables[rv] = true
	alias, _ := aliasOf(rv.Alias)
	p.stmt.Tables = append(p.stmt.Tables, TableRef{
		Catalog: rv.Catalogname,
		Schema:  rv.Schemaname,
		Name:    rv.Relname,
		Alias:   alias,
		Scope:   scope,
	})
	return len(p.stmt.Tables) - 1
}

func (p *parser) addColumn(cr *pg_query.ColumnRef, scope int, clause string) ColumnRef {
	p.seenColumns[cr] = true
	ref := columnRefOf(cr, scope, clause)
	p.stmt.Columns = append(p.stmt.Columns, ref)
	return ref
}

func (p *parser) unsupported(what string) {
	for _, u := range p.stmt.Unsupported {
		if u == what {
			return
		}
	}
	p.stmt.Unsupported = append(p.stmt.Unsupported, what)
}

func columnRefOf(cr *pg_query.ColumnRef, scope int, clause string) ColumnRef {
	ref := ColumnRef{Scope: scope, Clause: clause}
	var parts []string
	for _, f := range cr.Fields {
		switch {
		case f.GetString_() != nil:
			parts = append(parts, f.GetString_().Sval)
		case f.GetAStar() != nil:
			ref.Star = true
		}
	}
	if ref.Star {
		ref.Qualifier = parts
		return ref
	}
	if len(parts) > 0 {
		ref.Qualifier = parts[:len(parts)-1]
		ref.Name = parts[len(parts)-1]
	}
	if len(ref.Qualifier) == 0 {
		ref.Qualifier = nil
	}
	return ref
}

// conjuncts returns the AND-level comparisons of a WHERE clause that have a
// column on one side. Anything under OR or NOT is ignored.
func (p *parser) conjuncts(where *pg_query.Node, s *Scope) []Predicate {
	var out []Predicate
	var visit func(n *pg_query.Node)
	visit = func(n *pg_query.Node) {
		if n == nil {
			return
		}
		if b := n.GetBoolExpr(); b != nil {
			if b.Boolop == pg_query.BoolExprType_AND_EXPR {
				for _, arg := range b.Args {
					visit(arg)
				}
			}
			return
		}
		a := n.GetAExpr()
		if a == nil || a.Kind != pg_query.A_Expr_Kind_AEXPR_OP {
			return
		}
		op := funcName(a.Name)
		if cr := columnOf(a.Lexpr); cr != nil {
			out = append(out, predicate(cr, s.ID, op, a.Rexpr))
		} else if cr := columnOf(a.Rexpr); cr != nil {
			out = append(out, predicate(cr, s.ID, flipOperator(op), a.Lexpr))
		}
	}
	visit(where)
	return out
}

func predicate(cr *pg_query.ColumnRef, scope int, op string, other *pg_query.Node) Predicate {
	pr := Predicate{Scope: scope, Column: columnRefOf(cr, scope, ClauseWhere), Operator: op}
	if v, ok := constValue(other); ok {
		pr.Value, pr.Literal = v, true
		return pr
	}
	if c := columnOf(other); c != nil {
		pr.Value = columnRefOf(c, scope, ClauseWhere).String()
		return pr
	}
	pr.Value = "expression"
	return pr
}

// columnOf returns the column reference n denotes, looking through casts.
func columnOf(n *pg_query.Node) *pg_query.ColumnRef {
	for n != nil {
		if tc := n.GetTypeCast(); tc != nil {
			n = tc.Arg
			continue
		}
		cr := n.GetColumnRef()
		if cr == nil {
			return nil
		}
		if ref := columnRefOf(cr, NoScope, ""); ref.Star || ref.Name == "" {
			return nil
		}
		return cr
	}
	return nil
}

// constValue renders a non-null constant, looking through casts.
func constValue(n *pg_query.Node) (string, bool) {
	for n != nil {
		if tc := n.GetTypeCast(); tc != nil {
			n = tc.Arg
			continue
		}
		c := n.GetAConst()
		if c == nil || c.Isnull {
			return "", false
		}
		switch {
		case c.GetSval() != nil:
			return c.GetSval().Sval, true
		case c.GetIval() != nil:
			return strconv.FormatInt(int64(c.GetIval().Ival), 10), true
		case c.GetFval() != nil:
			return c.GetFval().Fval, true
		case c.GetBoolval() != nil:
			return strconv.FormatBool(c.GetBoolval().Boolval), true
		}
		return "", false
	}
	return "", false
}

func flipOperator(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}

func parseLimit(sel *pg_query.SelectStmt) Limit {
	if sel.LimitCount == nil {
		return Limit{}
	}
	l := Limit{
		Present:  true,
		WithTies: sel.LimitOption == pg_query.LimitOption_LIMIT_OPTION_WITH_TIES,
	}

	n := sel.LimitCount
	for n.GetTypeCast() != nil {
		n = n.GetTypeCast().Arg
	}
	c := n.GetAConst()
	switch {
	case n.GetParamRef() != nil:
		l.Raw = "parameter"
	case c == nil:
		l.Raw = "expression"
	case c.Isnull:
		l.Unbounded = true
		l.Raw = "ALL"
	case c.GetIval() != nil:
		l.Literal = true
		l.Value = int64(c.GetIval().Ival)
		l.Raw = strconv.FormatInt(l.Value, 10)
	case c.GetFval() != nil:
		l.Raw = c.GetFval().Fval
		if v, err := strconv.ParseInt(l.Raw, 10, 64); err == nil {
			l.Literal = true
			l.Value = v
		}
	default:
		l.Raw = "non-numeric constant"
	}
	return l
}

// declaredNames returns the output names of the leftmost arm of sel when
// they can be read without resolving a *.
func declaredNames(sel *pg_query.SelectStmt) ([]string, bool) {
	for isSetOp(sel) && sel.Larg != nil {
		sel = sel.Larg
	}
	var names []string
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if cr := rt.Val.GetColumnRef(); cr != nil && columnRefOf(cr, NoScope, "").Star {
			return nil, false
		}
		name := rt.Name
		if name == "" {
			name = exprName(rt.Val)
		}
		names = append(names, name)
	}
	return names, true
}

// exprName is the column name PostgreSQL gives an unaliased expression.
func exprName(n *pg_query.Node) string {
	for n.GetTypeCast() != nil {
		n = n.GetTypeCast().Arg
	}
	switch {
	case n.GetColumnRef() != nil:
		if ref := columnRefOf(n.GetColumnRef(), NoScope, ""); ref.Name != "" {
			return ref.Name
		}
	case n.GetFuncCall() != nil:
		parts := strings.Split(funcName(n.GetFuncCall().Funcname), ".")
		return parts[len(parts)-1]
	case n.GetCaseExpr() != nil:
		return "case"
	case n.GetCoalesceExpr() != nil:
		return "coalesce"
	}
	return "?column?"
}

func (p *parser) derivedDef(outs []outputCol) *cteDef {
	def := &cteDef{}
	for _, o := range outs {
		if !o.star {
			def.columns = append(def.columns, o.name)
			def.sources = append(def.sources, o.sources)
			continue
		}
		def.stars = append(def.stars, o.from)
		def.starSources = append(def.starSources, p.outSources([]outputCol{o})...)
		lineage, _ := p.starLineage(o.from)
		if len(o.sources) > 0 && lineage["*"] == nil {
			if lineage == nil {
				lineage = make(map[string][]string)
			}
			lineage["*"] = []string{}
		}
		for name, src := range lineage {
			if def.starLineage == nil {
				def.starLineage = make(map[string][]string)
			}
			def.starLineage[name] = slices.Concat(def.starLineage[name], src, o.sources)
		}
	}
	return def
}

// starLineage resolves a * against the derived relations of its scope. base
// reports whether it also covers relations whose columns are not known here.
func (p *parser) starLineage(from StarFrom) (lineage map[string][]string, base bool) {
	sc := p.stmt.scope(from.Scope)
	if sc == nil {
		return nil, false
	}
	for _, b := range sc.Bindings {
		if q := from.Qualifier; len(q) > 0 && q[len(q)-1] != b.Name {
			continue
		}
		if !b.Derived {
			base = true
			continue
		}
		for name, src := range b.Lineage {
			if lineage == nil {
				lineage = make(map[string][]string)
			}
			lineage[name] = slices.Concat(lineage[name], src)
		}
	}
	return lineage, base
}

// outSources flattens the sources of a target list. A * over a relation
// whose columns are unknown reads "*".
func (p *parser) outSources(outs []outputCol) []string {
	var out []string
	for _, o := range outs {
		out = append(out, o.sources...)
		if !o.star {
			continue
		}
		lineage, base := p.starLineage(o.from)
		for _, name := range slices.Sorted(maps.Keys(lineage)) {
			out = append(out, lineage[name]...)
		}
		if base {
			out = append(out, "*")
		}
	}
	return out
}

// mergeArms returns the left arm's columns, which name a set operation's
// result, carrying the sources of the matching right arm columns as well.
func (p *parser) mergeArms(left, right []outputCol) []outputCol {
	if len(right) == 0 {
		return left
	}
	isStar := func(o outputCol) bool { return o.star }
	aligned := len(left) == len(right) &&
		!slices.ContainsFunc(left, isStar) && !slices.ContainsFunc(right, isStar)

	var all []string
	if !aligned {
		all = p.outSources(right)
	}
	out := make([]outputCol, len(left))
	for i, o := range left {
		extra := all
		if aligned {
			extra = right[i].sources
		}
		o.sources = slices.Concat(o.sources, extra)
		out[i] = o
	}
	return out
}

// lineageOf returns the columns ref reads through derived relations visible
// from its scope.
func (p *parser) lineageOf(ref ColumnRef) []string {
	var out []string
	for sc := p.stmt.scope(ref.Scope); sc != nil; sc = p.stmt.scope(sc.Parent) {
		matched := false
		for _, b := range sc.Bindings {
			if q := ref.Qualifier; len(q) > 0 {
				if q[len(q)-1] != b.Name {
					continue
				}
				matched = true
			}
			if src, ok := b.Lineage[ref.Name]; ok {
				out = append(out, src...)
			} else {
				out = append(out, b.Lineage["*"]...)
			}
		}
		if matched {
			break
		}
	}
	return out
}

func outputNames(outs []outputCol) []string {
	var names []string
	for _, o := range outs {
		if !o.star {
			names = append(names, o.name)
		}
	}
	return names
}

// renamed applies a column alias list to the leading columns.
func renamed(columns, aliases []string) []string {
	if len(aliases) == 0 {
		return columns
	}
	out := append([]string(nil), aliases...)
	if len(columns) > len(aliases) {
		out = append(out, columns[len(aliases):]...)
	}
	return out
}

func aliasOf(a *pg_query.Alias) (string, []string) {
	if a == nil {
		return "", nil
	}
	return a.Aliasname, stringNodes(a.Colnames)
}

func stringNodes(nodes []*pg_query.Node) []string {
	var out []string
	for _, n := range nodes {
		if s := n.GetString_(); s != nil {
			out = append(out, s.Sval)
		}
	}
	return out
}
