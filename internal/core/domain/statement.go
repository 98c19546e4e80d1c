package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuery     = errors.New("empty query")
	ErrMultiStatement = errors.New("multiple statements are not allowed")
	ErrParseFailed    = errors.New("failed to parse SQL")
)

// ParseError is returned by Parse. Code is ReasonUnparseable or
// ReasonMultiStatement; Err is one of the sentinels above.
type ParseError struct {
	Code ReasonCode
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatementKind classifies the root statement.
type StatementKind string

const (
	KindSelect StatementKind = "SELECT"
	KindWith   StatementKind = "WITH"
	KindOther  StatementKind = "OTHER"
)

// ScopeKind says where a SELECT scope sits in the statement.
type ScopeKind string

const (
	ScopeRoot    ScopeKind = "root"
	ScopeSetOp   ScopeKind = "set_operation"
	ScopeCTE     ScopeKind = "cte"
	ScopeDerived ScopeKind = "derived"
	ScopeSubLink ScopeKind = "sublink"
)

// Clause names recorded on column references.
const (
	ClauseSelect  = "select"
	ClauseFrom    = "from"
	ClauseJoin    = "join"
	ClauseWhere   = "where"
	ClauseGroupBy = "group_by"
	ClauseHaving  = "having"
	ClauseOrderBy = "order_by"
	ClauseWindow  = "window"
	ClauseOther   = "other"
)

// NoScope marks references found only by the full-tree sweep. They are
// never bound to a relation.
const NoScope = -1

// TableRef is one reference to a relation in a FROM clause. Function is set
// for table-valued function calls, which have no Name.
type TableRef struct {
	Catalog  string `json:"catalog,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Name     string `json:"name"`
	Alias    string `json:"alias,omitempty"`
	Function string `json:"function,omitempty"`
	Scope    int    `json:"scope"`
}

// QualifiedName returns the reference as the parser emitted it.
func (t TableRef) QualifiedName() string {
	if t.Function != "" {
		return t.Function + "()"
	}
	name := t.Name
	if t.Schema != "" {
		name = t.Schema + "." + name
	}
	if t.Catalog != "" {
		name = t.Catalog + "." + name
	}
	return name
}

// ColumnRef is one column reference. Qualifier holds the leading name parts
// (alias, table or schema.table); Star is set for * and t.*.
type ColumnRef struct {
	Scope     int      `json:"scope"`
	Qualifier []string `json:"qualifier,omitempty"`
	Name      string   `json:"name,omitempty"`
	Star      bool     `json:"star,omitempty"`
	Clause    string   `json:"clause"`
}

// String renders the reference the way it appeared, lowercased.
func (c ColumnRef) String() string {
	s := ""
	for _, q := range c.Qualifier {
		s += q + "."
	}
	if c.Star {
		return s + "*"
	}
	return s + c.Name
}

// Predicate is one AND-level comparison in a WHERE clause with a column on
// one side. Literal is set when Value is a constant.
type Predicate struct {
	Scope    int       `json:"scope"`
	Column   ColumnRef `json:"column"`
	Operator string    `json:"operator"`
	Value    string    `json:"value"`
	Literal  bool      `json:"literal"`
}

// Binding is a relation visible in a scope under Name. Base tables point at
// Tables via Table; derived relations (subqueries, CTEs) list the columns
// they expose. Opaque relations expose nothing that can be verified.
//
// Lineage maps each column a derived relation exposes to the columns its
// value is computed from. The "*" key holds what flows into columns that
// cannot be named.
type Binding struct {
	Name    string              `json:"name"`
	Table   int                 `json:"table"`
	Derived bool                `json:"derived,omitempty"`
	Columns []string            `json:"columns,omitempty"`
	Stars   []StarFrom          `json:"stars,omitempty"`
	Opaque  bool                `json:"opaque,omitempty"`
	Lineage map[string][]string `json:"lineage,omitempty"`
}

// StarFrom records a * in a derived relation's target list: the derived
// relation also exposes whatever the qualifier resolves to in Scope.
type StarFrom struct {
	Scope     int      `json:"scope"`
	Qualifier []string `json:"qualifier,omitempty"`
}

// Scope is one SELECT level.
type Scope struct {
	ID         int         `json:"id"`
	Parent     int         `json:"parent"`
	Depth      int         `json:"depth"`
	Kind       ScopeKind   `json:"kind"`
	TopLevel   bool        `json:"top_level,omitempty"`
	Bindings   []Binding   `json:"bindings,omitempty"`
	Outputs    []string    `json:"outputs,omitempty"`
	Merged     []string    `json:"merged,omitempty"`
	Predicates []Predicate `json:"predicates,omitempty"`
}

// Limit describes the root LIMIT / FETCH FIRST clause.
type Limit struct {
	Present   bool   `json:"present"`
	Literal   bool   `json:"literal"`
	Value     int64  `json:"value,omitempty"`
	Unbounded bool   `json:"unbounded,omitempty"`
	WithTies  bool   `json:"with_ties,omitempty"`
	Raw       string `json:"raw,omitempty"`
}

// Output is one top-level result column: its name and the columns its
// value is computed from, followed through derived relations, sub-links and
// set operation arms. The name "*" stands for result columns that could not
// be named, and the source "*" for a value read from an unknown column.
type Output struct {
	Name    string   `json:"name"`
	Sources []string `json:"sources,omitempty"`
}

// ParsedStatement is the structural view of a single SQL statement.
type ParsedStatement struct {
	Kind           StatementKind `json:"kind"`
	Command        string        `json:"command"`
	Tables         []TableRef    `json:"tables"`
	Columns        []ColumnRef   `json:"columns"`
	Predicates     []Predicate   `json:"predicates"`
	Scopes         []*Scope      `json:"scopes"`
	Limit          Limit         `json:"limit"`
	JoinCount      int           `json:"join_count"`
	SubqueryCount  int           `json:"subquery_count"`
	SubqueryDepth  int           `json:"subquery_depth"`
	Functions      []string      `json:"functions,omitempty"`
	NestedCommands []string      `json:"nested_commands,omitempty"`
	Unsupported    []string      `json:"unsupported,omitempty"`
	Outputs        []Output      `json:"outputs,omitempty"`
}

// ReadOnly reports whether the root is a plain SELECT or a WITH ending in one.
func (p *ParsedStatement) ReadOnly() bool {
	return p.Kind == KindSelect || p.Kind == KindWith
}

// TopLevelScopes returns the scopes whose WHERE clause is the statement's
// top-level filter: the root SELECT, or every arm of a root set operation.
func (p *ParsedStatement) TopLevelScopes() []*Scope {
	var out []*Scope
	for _, s := range p.Scopes {
		if s.TopLevel {
			out = append(out, s)
		}
	}
	return out
}

func (p *ParsedStatement) scope(id int) *Scope {
	if id < 0 || id >= len(p.Scopes) {
		return nil
	}
	return p.Scopes[id]
}
