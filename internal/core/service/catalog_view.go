package service

import (
	"errors"

	"github.com/guillermoBallester/querygate/internal/core/domain"
)

// ErrNoCatalog is returned when no catalog snapshot is active.
var ErrNoCatalog = errors.New("no policy catalog is loaded")

// CatalogView is what a planner sees of the active catalog: the allowlisted
// tables with their business descriptions and the query limits.
type CatalogView struct {
	Version          string      `json:"version"`
	TenantColumn     string      `json:"tenant_column"`
	MaxLimit         int64       `json:"max_limit"`
	MaxJoinCount     int         `json:"max_join_count"`
	MaxSubqueryDepth int         `json:"max_subquery_depth"`
	DenyStar         bool        `json:"deny_star"`
	Tables           []TableView `json:"tables"`
}

type TableView struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	TenantScoped bool         `json:"tenant_scoped"`
	Columns      []ColumnView `json:"columns"`
}

type ColumnView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Mask        domain.MaskType `json:"mask,omitempty"`
}

// DescribeCatalog renders the active snapshot.
func (s *QueryService) DescribeCatalog() (*CatalogView, error) {
	cat := s.validator.Catalog()
	if cat == nil {
		return nil, ErrNoCatalog
	}

	view := &CatalogView{
		Version:          cat.Version(),
		TenantColumn:     cat.TenantColumn(),
		MaxLimit:         cat.MaxLimit(),
		MaxJoinCount:     cat.MaxJoinCount(),
		MaxSubqueryDepth: cat.MaxSubqueryDepth(),
		DenyStar:         cat.DenyStar(),
	}
	for _, t := range cat.Tables() {
		tv := TableView{
			Name:         t.Name,
			Description:  t.Description,
			TenantScoped: cat.IsTenantScoped(t.Name),
			Columns:      make([]ColumnView, 0, len(t.Columns)),
		}
		for _, col := range t.Columns {
			tv.Columns = append(tv.Columns, ColumnView{
				Name:        col,
				Description: t.ColumnDocs[col],
				Mask:        t.Masks[col],
			})
		}
		view.Tables = append(view.Tables, tv)
	}
	return view, nil
}
