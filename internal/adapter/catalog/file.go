package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/guillermoBallester/querygate/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a policy catalog.
type File struct {
	Schemas                 []string                   `yaml:"schemas"`
	TenantColumn            string                     `yaml:"tenant_column"`
	MaxLimit                int64                      `yaml:"max_limit"`
	MaxSubqueryDepth        int                        `yaml:"max_subquery_depth"`
	MaxJoinCount            int                        `yaml:"max_join_count"`
	DenyStar                bool                       `yaml:"deny_star"`
	ForbiddenStatementKinds []string                   `yaml:"forbidden_statement_kinds"`
	AllowedFunctions        []string                   `yaml:"allowed_functions"`
	Roles                   []string                   `yaml:"roles"`
	TraceRoles              []string                   `yaml:"trace_roles"`
	UnmaskedRoles           []string                   `yaml:"unmasked_roles"`
	RoleIntentRestrictions  map[string]RestrictionFile `yaml:"role_intent_restrictions"`
	Tables                  map[string]TableFile       `yaml:"tables"`
	Volumes                 VolumesFile                `yaml:"volumes"`
}

// RestrictionFile lists the planner intents a role may or may not run.
type RestrictionFile struct {
	AllowedIntents []string `yaml:"allowed_intents"`
	BlockedIntents []string `yaml:"blocked_intents"`
}

// TableFile describes one allowlisted table and its columns.
type TableFile struct {
	Description string                `yaml:"description"`
	Columns     map[string]ColumnFile `yaml:"columns"`
}

// ColumnFile holds a column's business description and optional mask directive.
type ColumnFile struct {
	Description string          `yaml:"description"`
	Mask        domain.MaskType `yaml:"mask,omitempty"`
}

// UnmarshalYAML accepts a column either as a plain description or as a
// mapping with description and mask.
//
//	columns:
//	  order_id: "Order identifier"    # shorthand
//	  city:
//	    description: "Store city"
//	    mask: partial
func (cf *ColumnFile) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		cf.Description = value.Value
		return nil
	}
	// Node.Decode does not inherit KnownFields, so check keys here.
	if value.Kind == yaml.MappingNode {
		for i := 0; i < len(value.Content); i += 2 {
			switch key := value.Content[i].Value; key {
			case "description", "mask":
			default:
				return fmt.Errorf("line %d: unknown column field %q", value.Content[i].Line, key)
			}
		}
	}
	type alias ColumnFile
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	*cf = ColumnFile(a)
	return nil
}

// VolumesFile is the static size model used by the budget estimate.
type VolumesFile struct {
	Default domain.TableVolume            `yaml:"default"`
	Tables  map[string]domain.TableVolume `yaml:"tables"`
}

// LoadFromFile reads a YAML catalog file and returns a validated snapshot.
func LoadFromFile(path string) (*domain.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a YAML catalog. Unknown keys are rejected so a typo never
// silently drops a restriction.
func Parse(data []byte) (*domain.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: catalog file is empty", domain.ErrInvalidCatalog)
		}
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	cat, err := domain.NewCatalog(f.Config())
	if err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}
	return cat, nil
}

// Config converts the file into the domain's catalog configuration.
func (f File) Config() domain.CatalogConfig {
	cfg := domain.CatalogConfig{
		Schemas:                 f.Schemas,
		ForbiddenStatementKinds: f.ForbiddenStatementKinds,
		AllowedFunctions:        f.AllowedFunctions,
		MaxLimit:                f.MaxLimit,
		MaxSubqueryDepth:        f.MaxSubqueryDepth,
		MaxJoinCount:            f.MaxJoinCount,
		TenantColumn:            f.TenantColumn,
		DenyStar:                f.DenyStar,
		Roles:                   f.Roles,
		TraceRoles:              f.TraceRoles,
		UnmaskedRoles:           f.UnmaskedRoles,
		Volumes:                 f.Volumes.Tables,
		DefaultVolume:           f.Volumes.Default,
	}

	if len(f.RoleIntentRestrictions) > 0 {
		cfg.RoleIntentRestrictions = make(map[string]domain.IntentRestriction, len(f.RoleIntentRestrictions))
		for role, r := range f.RoleIntentRestrictions {
			cfg.RoleIntentRestrictions[role] = domain.IntentRestriction{
				Allowed: r.AllowedIntents,
				Blocked: r.BlockedIntents,
			}
		}
	}

	names := make([]string, 0, len(f.Tables))
	for name := range f.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tf := f.Tables[name]
		spec := domain.TableSpec{
			Name:        name,
			Description: tf.Description,
			Masks:       make(map[string]domain.MaskType),
			ColumnDocs:  make(map[string]string),
		}
		for col, cf := range tf.Columns {
			spec.Columns = append(spec.Columns, col)
			if cf.Mask != "" {
				spec.Masks[col] = cf.Mask
			}
			if cf.Description != "" {
				spec.ColumnDocs[col] = cf.Description
			}
		}
		sort.Strings(spec.Columns)
		cfg.Tables = append(cfg.Tables, spec)
	}
	return cfg
}
