package domain

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// Catalog defaults, used when the configuration leaves a field at its zero value.
const (
	DefaultMaxLimit         int64 = 10000
	DefaultMaxSubqueryDepth       = 3
	DefaultMaxJoinCount           = 5
	DefaultTenantColumn           = "tenant_id"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// DefaultForbiddenStatementKinds lists the write and DDL commands named in
// deny traces. Any command other than SELECT is rejected whether listed or not.
var DefaultForbiddenStatementKinds = []string{
	"ALTER", "CALL", "COPY", "CREATE", "DELETE", "DO", "DROP", "GRANT",
	"INSERT", "LOCK", "MERGE", "REFRESH", "REINDEX", "REVOKE", "SET",
	"TRUNCATE", "UPDATE", "VACUUM",
}

// DefaultAllowedFunctions are the functions a generated query may call:
// aggregates, date bucketing and side-effect free scalar helpers.
var DefaultAllowedFunctions = []string{
	// aggregates
	"avg", "count", "max", "min", "sum", "stddev", "stddev_pop", "stddev_samp",
	"variance", "var_pop", "var_samp", "bool_and", "bool_or", "percentile_cont",
	"percentile_disc", "median", "mode",
	// window
	"row_number", "rank", "dense_rank", "ntile", "lag", "lead", "first_value",
	"last_value", "cume_dist", "percent_rank",
	// date bucketing
	"date_trunc", "date_part", "extract", "date", "to_char", "to_date",
	"make_date", "age", "timezone",
	// scalar
	"abs", "ceil", "ceiling", "floor", "round", "trunc", "mod", "power",
	"sqrt", "greatest", "least", "lower", "upper", "length", "char_length",
	"concat", "concat_ws", "substring", "substr", "btrim", "ltrim", "rtrim",
	"trim", "replace", "left", "right", "position", "split_part", "strpos",
	"initcap", "nullif", "coalesce", "overlay", "normalize",
}

// IntentRestriction limits which planner intents a role may run.
type IntentRestriction struct {
	Allowed []string `json:"allowed_intents,omitempty"`
	Blocked []string `json:"blocked_intents,omitempty"`
}

// PolicyProfile is a per-request set of extra role intent restrictions. It
// narrows what the catalog allows a role and never widens it.
type PolicyProfile map[string]IntentRestriction

// ErrInvalidProfile is returned by Normalize for ambiguous profiles.
var ErrInvalidProfile = errors.New("invalid policy profile")

// For returns the entries naming role, ignoring case, ordered by key.
func (p PolicyProfile) For(role string) []IntentRestriction {
	var keys []string
	for k := range p {
		if strings.EqualFold(k, role) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := make([]IntentRestriction, 0, len(keys))
	for _, k := range keys {
		out = append(out, p[k])
	}
	return out
}

// Normalize returns a copy of p keyed by lowercase role. Keys that differ
// only in case are rejected.
func (p PolicyProfile) Normalize() (PolicyProfile, error) {
	if p == nil {
		return nil, nil
	}
	out := make(PolicyProfile, len(p))
	for k, r := range p {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			return nil, fmt.Errorf("%w: empty role", ErrInvalidProfile)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: role %q appears more than once", ErrInvalidProfile, key)
		}
		out[key] = r
	}
	return out, nil
}

// TableSpec describes one allowlisted table.
type TableSpec struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Columns     []string            `json:"columns"`
	Masks       map[string]MaskType `json:"masks,omitempty"`
	// ColumnDocs holds business descriptions keyed by column name.
	ColumnDocs map[string]string `json:"column_descriptions,omitempty"`
}

// CatalogConfig is the raw, mutable shape a catalog is built from.
type CatalogConfig struct {
	Tables                  []TableSpec
	Schemas                 []string
	ForbiddenStatementKinds []string
	AllowedFunctions        []string
	MaxLimit                int64
	MaxSubqueryDepth        int
	MaxJoinCount            int
	TenantColumn            string
	DenyStar                bool
	Roles                   []string
	TraceRoles              []string
	UnmaskedRoles           []string
	RoleIntentRestrictions  map[string]IntentRestriction
	Volumes                 map[string]TableVolume
	DefaultVolume           TableVolume
}

type tablePolicy struct {
	spec    TableSpec
	columns map[string]bool
}

// Catalog is an immutable policy snapshot. All lookups are case-insensitive.
type Catalog struct {
	tables           map[string]tablePolicy
	schemas          map[string]bool
	forbiddenKinds   map[string]bool
	functions        map[string]bool
	maxLimit         int64
	maxSubqueryDepth int
	maxJoinCount     int
	tenantColumn     string
	denyStar         bool
	roles            map[string]bool
	traceRoles       map[string]bool
	unmaskedRoles    map[string]bool
	restrictions     map[string]IntentRestriction
	volumes          VolumeModel
	version          string
}

// NewCatalog validates cfg and builds a snapshot from it. cfg is copied; later
// changes to it do not affect the catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("%w: at least one table is required", ErrInvalidCatalog)
	}

	c := &Catalog{
		tables:           make(map[string]tablePolicy, len(cfg.Tables)),
		schemas:          lowerSet(cfg.Schemas),
		forbiddenKinds:   upperSet(cfg.ForbiddenStatementKinds),
		functions:        make(map[string]bool),
		maxLimit:         cfg.MaxLimit,
		maxSubqueryDepth: cfg.MaxSubqueryDepth,
		maxJoinCount:     cfg.MaxJoinCount,
		tenantColumn:     strings.ToLower(strings.TrimSpace(cfg.TenantColumn)),
		denyStar:         cfg.DenyStar,
		roles:            lowerSet(cfg.Roles),
		traceRoles:       lowerSet(cfg.TraceRoles),
		unmaskedRoles:    lowerSet(cfg.UnmaskedRoles),
		restrictions:     make(map[string]IntentRestriction, len(cfg.RoleIntentRestrictions)),
	}

	if len(cfg.Schemas) == 0 {
		c.schemas = lowerSet([]string{"public", "main"})
	}
	if len(cfg.ForbiddenStatementKinds) == 0 {
		c.forbiddenKinds = upperSet(DefaultForbiddenStatementKinds)
	}
	functions := cfg.AllowedFunctions
	if len(functions) == 0 {
		functions = DefaultAllowedFunctions
	}
	for _, f := range functions {
		c.functions[normalizeFunction(f)] = true
	}
	if len(cfg.TraceRoles) == 0 {
		c.traceRoles = lowerSet([]string{RoleAdmin})
	}
	if len(cfg.UnmaskedRoles) == 0 {
		c.unmaskedRoles = lowerSet([]string{RoleAdmin})
	}
	for _, r := range []string{RoleAdmin, RoleAnalyst, RoleViewer} {
		c.roles[r] = true
	}

	switch {
	case c.maxLimit == 0:
		c.maxLimit = DefaultMaxLimit
	case c.maxLimit < 0:
		return nil, fmt.Errorf("%w: max_limit must be positive, got %d", ErrInvalidCatalog, cfg.MaxLimit)
	}
	switch {
	case c.maxSubqueryDepth == 0:
		c.maxSubqueryDepth = DefaultMaxSubqueryDepth
	case c.maxSubqueryDepth < 0:
		return nil, fmt.Errorf("%w: max_subquery_depth must not be negative", ErrInvalidCatalog)
	}
	switch {
	case c.maxJoinCount == 0:
		c.maxJoinCount = DefaultMaxJoinCount
	case c.maxJoinCount < 0:
		return nil, fmt.Errorf("%w: max_join_count must not be negative", ErrInvalidCatalog)
	}
	if c.tenantColumn == "" {
		c.tenantColumn = DefaultTenantColumn
	}

	for _, t := range cfg.Tables {
		key := normalizeName(t.Name)
		if key == "" {
			return nil, fmt.Errorf("%w: table with empty name", ErrInvalidCatalog)
		}
		if strings.Count(key, ".") > 2 {
			return nil, fmt.Errorf("%w: table %q has too many name parts", ErrInvalidCatalog, t.Name)
		}
		if _, dup := c.tables[key]; dup {
			return nil, fmt.Errorf("%w: table %q listed twice", ErrInvalidCatalog, t.Name)
		}
		if len(t.Columns) == 0 {
			return nil, fmt.Errorf("%w: table %q has no allowed columns", ErrInvalidCatalog, t.Name)
		}
		tp := tablePolicy{
			spec: TableSpec{
				Name:        key,
				Description: strings.TrimSpace(t.Description),
				Masks:       make(map[string]MaskType),
				ColumnDocs:  make(map[string]string),
			},
			columns: make(map[string]bool, len(t.Columns)),
		}
		for _, col := range t.Columns {
			col = normalizeName(col)
			if col == "" {
				return nil, fmt.Errorf("%w: table %q has an empty column name", ErrInvalidCatalog, t.Name)
			}
			if !tp.columns[col] {
				tp.columns[col] = true
				tp.spec.Columns = append(tp.spec.Columns, col)
			}
		}
		sort.Strings(tp.spec.Columns)
		for col, mask := range t.Masks {
			col = normalizeName(col)
			if !tp.columns[col] {
				return nil, fmt.Errorf("%w: table %q masks unknown column %q", ErrInvalidCatalog, t.Name, col)
			}
			if !mask.Valid() {
				return nil, fmt.Errorf("%w: table %q column %q: invalid mask %q (allowed: redact, hash, partial, null)", ErrInvalidCatalog, t.Name, col, mask)
			}
			if mask != "" {
				tp.spec.Masks[col] = mask
			}
		}
		for col, doc := range t.ColumnDocs {
			col = normalizeName(col)
			if !tp.columns[col] {
				return nil, fmt.Errorf("%w: table %q describes unknown column %q", ErrInvalidCatalog, t.Name, col)
			}
			if doc = strings.TrimSpace(doc); doc != "" {
				tp.spec.ColumnDocs[col] = doc
			}
		}
		c.tables[key] = tp
	}

	for role, r := range cfg.RoleIntentRestrictions {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return nil, fmt.Errorf("%w: role_intent_restrictions contains an empty role", ErrInvalidCatalog)
		}
		c.roles[role] = true
		c.restrictions[role] = IntentRestriction{
			Allowed: sortedCopy(r.Allowed),
			Blocked: sortedCopy(r.Blocked),
		}
	}

	volumes, err := NewVolumeModel(cfg.Volumes, cfg.DefaultVolume)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	c.volumes = volumes

	version, err := catalogVersion(c)
	if err != nil {
		return nil, err
	}
	c.version = version

	return c, nil
}

// MatchTable returns the catalog key an allowlist lookup for ref resolves to.
// Qualified references match a qualified entry, or an unqualified entry when
// the schema is one of the catalog's schemas. Unqualified references match an
// unqualified entry, or a qualified one living in a catalog schema. Quoted
// names that differ from their folded form never match.
func (c *Catalog) MatchTable(ref TableRef) (string, bool) {
	if ref.Function != "" {
		return "", false
	}
	if !folded(ref.Catalog) || !folded(ref.Schema) || !folded(ref.Name) {
		return ref.QualifiedName(), false
	}
	name := normalizeName(ref.Name)
	schema := normalizeName(ref.Schema)
	if ref.Catalog != "" {
		key := normalizeName(ref.Catalog) + "." + schema + "." + name
		_, ok := c.tables[key]
		return key, ok
	}
	if schema != "" {
		key := schema + "." + name
		if _, ok := c.tables[key]; ok {
			return key, true
		}
		if c.schemas[schema] {
			if _, ok := c.tables[name]; ok {
				return name, true
			}
		}
		return key, false
	}
	if _, ok := c.tables[name]; ok {
		return name, true
	}
	for _, s := range slices.Sorted(maps.Keys(c.schemas)) {
		key := s + "." + name
		if _, ok := c.tables[key]; ok {
			return key, true
		}
	}
	return name, false
}

// AllowsColumn reports whether column is allowlisted for the catalog table key.
// A quoted name that differs from its folded form never matches.
func (c *Catalog) AllowsColumn(tableKey, column string) bool {
	tp, ok := c.tables[tableKey]
	if !ok || !folded(column) {
		return false
	}
	return tp.columns[normalizeName(column)]
}

// IsTenantScoped reports whether the table exposes the tenant column.
func (c *Catalog) IsTenantScoped(tableKey string) bool {
	return c.AllowsColumn(tableKey, c.tenantColumn)
}

func (c *Catalog) IsForbiddenKind(command string) bool {
	return c.forbiddenKinds[strings.ToUpper(command)]
}

func (c *Catalog) AllowsFunction(name string) bool {
	return c.functions[normalizeFunction(name)]
}

func (c *Catalog) MaxLimit() int64 { return c.maxLimit }
func (c *Catalog) MaxSubqueryDepth() int { return c.maxSubqueryDepth }
func (c *Catalog) MaxJoinCount() int { return c.maxJoinCount }
func (c *Catalog) TenantColumn() string { return c.tenantColumn }
func (c *Catalog) DenyStar() bool { return c.denyStar }
func (c *Catalog) Version() string { return c.version }
func (c *Catalog) Volumes() VolumeModel { return c.volumes.clone() }
func (c *Catalog) KnowsRole(r string) bool { return c.roles[strings.ToLower(r)] }

// Schemas returns the schemas unqualified table names resolve in, sorted.
func (c *Catalog) Schemas() []string { return setKeys(c.schemas) }

// CanSeeTrace reports whether role may see per-check detail and raw SQL.
func (c *Catalog) CanSeeTrace(role string) bool {
	return c.traceRoles[strings.ToLower(role)]
}

// Restriction returns the catalog's intent restriction for role.
func (c *Catalog) Restriction(role string) (IntentRestriction, bool) {
	r, ok := c.restrictions[strings.ToLower(role)]
	return r, ok
}

// Masks returns the column masks that apply to role, keyed by bare column
// name. Roles listed in unmasked_roles get nil.
func (c *Catalog) Masks(role string) map[string]MaskType {
	if c.unmaskedRoles[strings.ToLower(role)] {
		return nil
	}
	var masks map[string]MaskType
	for _, key := range c.tableKeys() {
		for col, m := range c.tables[key].spec.Masks {
			if masks == nil {
				masks = make(map[string]MaskType)
			}
			masks[col] = m
		}
	}
	return masks
}

// Columns returns the allowlisted columns of the catalog table key, sorted.
func (c *Catalog) Columns(tableKey string) []string {
	tp, ok := c.tables[tableKey]
	if !ok {
		return nil
	}
	return setKeys(tp.columns)
}

// Tables returns copies of the table specs sorted by name.
func (c *Catalog) Tables() []TableSpec {
	out := make([]TableSpec, 0, len(c.tables))
	for _, key := range c.tableKeys() {
		spec := c.tables[key].spec
		cp := TableSpec{Name: spec.Name, Description: spec.Description, Columns: slices.Clone(spec.Columns)}
		if len(spec.Masks) > 0 {
			cp.Masks = maps.Clone(spec.Masks)
		}
		if len(spec.ColumnDocs) > 0 {
			cp.ColumnDocs = maps.Clone(spec.ColumnDocs)
		}
		out = append(out, cp)
	}
	return out
}

func (c *Catalog) tableKeys() []string {
	keys := make([]string, 0, len(c.tables))
	for k := range c.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// catalogVersion hashes the normalised catalog so operators can tell which
// snapshot served a decision.
func catalogVersion(c *Catalog) (string, error) {
	doc := struct {
		Tables       []TableSpec                  `json:"tables"`
		Schemas      []string                     `json:"schemas"`
		Forbidden    []string                     `json:"forbidden"`
		Functions    []string                     `json:"functions"`
		MaxLimit     int64                        `json:"max_limit"`
		MaxDepth     int                          `json:"max_subquery_depth"`
		MaxJoins     int                          `json:"max_join_count"`
		Tenant       string                       `json:"tenant_column"`
		DenyStar     bool                         `json:"deny_star"`
		Roles        []string                     `json:"roles"`
		TraceRoles   []string                     `json:"trace_roles"`
		Unmasked     []string                     `json:"unmasked_roles"`
		Restrictions map[string]IntentRestriction `json:"restrictions"`
		Volumes      VolumeModel                  `json:"volumes"`
	}{
		Tables:       c.Tables(),
		Schemas:      setKeys(c.schemas),
		Forbidden:    setKeys(c.forbiddenKinds),
		Functions:    setKeys(c.functions),
		MaxLimit:     c.maxLimit,
		MaxDepth:     c.maxSubqueryDepth,
		MaxJoins:     c.maxJoinCount,
		Tenant:       c.tenantColumn,
		DenyStar:     c.denyStar,
		Roles:        setKeys(c.roles),
		TraceRoles:   setKeys(c.traceRoles),
		Unmasked:     setKeys(c.unmaskedRoles),
		Restrictions: c.restrictions,
		Volumes:      c.volumes,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("hashing catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8]), nil
}

// folded reports whether s reads the same after PostgreSQL's identifier
// folding. The parser folds unquoted names, so anything else was quoted.
func folded(s string) bool {
	return s == strings.ToLower(s)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeFunction(s string) string {
	return strings.TrimPrefix(normalizeName(s), "pg_catalog.")
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		if s = normalizeName(s); s != "" {
			set[s] = true
		}
	}
	return set
}

func upperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	return set
}

func setKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
