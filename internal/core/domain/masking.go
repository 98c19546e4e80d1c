package domain

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

// MaskType is how a catalog column is disguised in query results.
type MaskType string

const (
	MaskRedact  MaskType = "redact"
	MaskHash    MaskType = "hash"
	MaskPartial MaskType = "partial"
	MaskNull    MaskType = "null"
)

// Valid reports whether m is a known mask. The empty mask means "unmasked".
func (m MaskType) Valid() bool {
	switch m {
	case MaskRedact, MaskHash, MaskPartial, MaskNull, "":
		return true
	}
	return false
}

// ApplyMask disguises value. Hash and partial masks turn any value into a
// string; MaskNull and a nil value both yield nil.
func ApplyMask(value any, maskType MaskType) any {
	if value == nil {
		return nil
	}

	switch maskType {
	case MaskRedact:
		return "***"
	case MaskHash:
		h := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
		return fmt.Sprintf("%x", h)
	case MaskPartial:
		return maskPartial(value)
	case MaskNull:
		return nil
	default:
		return value
	}
}

// maskPartial keeps the last 4 runes.
func maskPartial(value any) string {
	runes := []rune(fmt.Sprintf("%v", value))
	if len(runes) <= 4 {
		return "***" + string(runes)
	}
	keep := len(runes) - 4
	return strings.Repeat("*", keep) + string(runes[keep:])
}

// maskStrength orders masks from weakest to strongest.
var maskStrength = map[MaskType]int{MaskPartial: 1, MaskHash: 2, MaskRedact: 3, MaskNull: 4}

func stronger(a, b MaskType) MaskType {
	if maskStrength[b] > maskStrength[a] {
		return b
	}
	return a
}

// ResultMasks maps each result column of stmt to the mask it must carry. A
// result column is masked when its own name is masked, or when its value is
// computed from a masked column anywhere in the statement, including through
// derived tables, CTEs, scalar subqueries and set operation arms. A value
// read from an unknown column gets the strongest mask in play. The "*" entry
// covers result columns that are not listed. masks is keyed by bare column
// name.
func ResultMasks(stmt *ParsedStatement, masks map[string]MaskType) map[string]MaskType {
	if len(masks) == 0 {
		return nil
	}
	out := make(map[string]MaskType, len(masks))
	var strongest MaskType
	for col, m := range masks {
		out[strings.ToLower(col)] = m
		strongest = stronger(strongest, m)
	}
	if stmt == nil {
		return out
	}
	for _, o := range stmt.Outputs {
		name := strings.ToLower(o.Name)
		m := out[name]
		for _, src := range o.Sources {
			if src == "*" {
				m = stronger(m, strongest)
				continue
			}
			m = stronger(m, masks[src])
		}
		if m != "" {
			out[name] = m
		}
	}
	return out
}

// MaskFor returns the mask result column col carries under masks, as built
// by ResultMasks.
func MaskFor(masks map[string]MaskType, col string) MaskType {
	if m, ok := masks[strings.ToLower(col)]; ok {
		return m
	}
	return masks["*"]
}

// MaskRows applies column masks to result rows in place. Column names are
// matched case-insensitively.
func MaskRows(rows []map[string]any, masks map[string]MaskType) {
	if len(masks) == 0 || len(rows) == 0 {
		return
	}
	var applicable map[string]MaskType
	for col := range rows[0] {
		if m := MaskFor(masks, col); m != "" {
			if applicable == nil {
				applicable = make(map[string]MaskType)
			}
			applicable[col] = m
		}
	}
	for _, row := range rows {
		for col, m := range applicable {
			if val, exists := row[col]; exists {
				row[col] = ApplyMask(val, m)
			}
		}
	}
}

// VisibleColumns returns the result column names a statement containing a *
// may return: the columns it names and the allowlisted columns of every
// table it references. A * over a base table expands to its physical
// columns, which the allowlist never saw. It returns nil when the statement
// has no *.
func VisibleColumns(stmt *ParsedStatement, cat *Catalog) map[string]bool {
	if stmt == nil || cat == nil || !slices.ContainsFunc(stmt.Columns, func(c ColumnRef) bool { return c.Star }) {
		return nil
	}
	visible := make(map[string]bool)
	for _, o := range stmt.Outputs {
		if o.Name != "*" {
			visible[strings.ToLower(o.Name)] = true
		}
	}
	for _, ref := range stmt.Tables {
		if key, ok := cat.MatchTable(ref); ok {
			for _, col := range cat.Columns(key) {
				visible[col] = true
			}
		}
	}
	return visible
}

// WithholdColumns removes result columns that are not in visible from rows
// in place and returns their names, sorted. A nil visible keeps every
// column.
func WithholdColumns(rows []map[string]any, visible map[string]bool) []string {
	if visible == nil || len(rows) == 0 {
		return nil
	}
	var withheld []string
	for col := range rows[0] {
		if !visible[strings.ToLower(col)] {
			withheld = append(withheld, col)
		}
	}
	for _, row := range rows {
		for _, col := range withheld {
			delete(row, col)
		}
	}
	slices.Sort(withheld)
	return withheld
}
