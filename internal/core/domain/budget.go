package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalidVolume = errors.New("invalid volume model")

// TableVolume is the size model of one table.
type TableVolume struct {
	Rows     int64 `json:"rows" yaml:"rows"`
	RowWidth int64 `json:"row_width" yaml:"row_width"`
}

// Bytes returns Rows × RowWidth, saturating at math.MaxInt64.
func (v TableVolume) Bytes() int64 {
	if v.Rows <= 0 || v.RowWidth <= 0 {
		return 0
	}
	if v.Rows > math.MaxInt64/v.RowWidth {
		return math.MaxInt64
	}
	return v.Rows * v.RowWidth
}

// VolumeModel maps table names to their size. Default applies to tables
// the model does not list.
type VolumeModel struct {
	Tables  map[string]TableVolume `json:"tables,omitempty"`
	Default TableVolume            `json:"default"`
}

// NewVolumeModel validates and normalises table names to lower case.
func NewVolumeModel(tables map[string]TableVolume, def TableVolume) (VolumeModel, error) {
	if def.Rows < 0 || def.RowWidth < 0 {
		return VolumeModel{}, fmt.Errorf("%w: default volume must not be negative", ErrInvalidVolume)
	}
	m := VolumeModel{Tables: make(map[string]TableVolume, len(tables)), Default: def}
	for name, v := range tables {
		key := normalizeName(name)
		if key == "" {
			return VolumeModel{}, fmt.Errorf("%w: empty table name", ErrInvalidVolume)
		}
		if v.Rows < 0 || v.RowWidth < 0 {
			return VolumeModel{}, fmt.Errorf("%w: table %q has a negative size", ErrInvalidVolume, name)
		}
		m.Tables[key] = v
	}
	return m, nil
}

// Lookup returns the volume for ref, trying the qualified name first.
func (m VolumeModel) Lookup(ref TableRef) TableVolume {
	return m.lookup(volumeKeys(nil, ref))
}

func (m VolumeModel) lookup(keys []string) TableVolume {
	for _, k := range keys {
		if v, ok := m.Tables[k]; ok {
			return v
		}
	}
	return m.Default
}

// volumeKeys lists the model keys ref may be stored under, most specific
// first. With a catalog, an unqualified reference also tries each catalog
// schema and the key the allowlist resolves it to.
func volumeKeys(cat *Catalog, ref TableRef) []string {
	if ref.Function != "" {
		return nil
	}
	keys := []string{ref.QualifiedName()}
	if cat != nil {
		if ref.Schema == "" && ref.Catalog == "" {
			keys = keys[:0]
			for _, s := range cat.Schemas() {
				keys = append(keys, s+"."+ref.Name)
			}
		}
		if key, ok := cat.MatchTable(ref); ok {
			keys = append(keys, key)
		}
	}
	return append(keys, ref.Name)
}

// Merge returns a model where entries of other replace those of m. The
// default is taken from other when it is set.
func (m VolumeModel) Merge(other VolumeModel) VolumeModel {
	out := m.clone()
	for k, v := range other.Tables {
		out.Tables[k] = v
	}
	if other.Default != (TableVolume{}) {
		out.Default = other.Default
	}
	return out
}

// Names returns the table names in the model, sorted.
func (m VolumeModel) Names() []string {
	names := make([]string, 0, len(m.Tables))
	for k := range m.Tables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m VolumeModel) clone() VolumeModel {
	out := VolumeModel{Tables: make(map[string]TableVolume, len(m.Tables)), Default: m.Default}
	for k, v := range m.Tables {
		out.Tables[k] = v
	}
	return out
}

// Budget is a scan ceiling attached to a validation request.
type Budget struct {
	Model    VolumeModel
	MaxBytes int64
}

// EstimateScanBytes estimates the bytes a statement reads: every table
// reference, including those in subqueries and CTEs, is counted as a full
// scan. References resolve through cat's allowlist keys when cat is set. It
// performs no I/O and never denies.
func EstimateScanBytes(stmt *ParsedStatement, model VolumeModel, cat *Catalog) int64 {
	if stmt == nil {
		return 0
	}
	var total int64
	for _, ref := range stmt.Tables {
		b := model.lookup(volumeKeys(cat, ref)).Bytes()
		if total > math.MaxInt64-b {
			return math.MaxInt64
		}
		total += b
	}
	return total
}
