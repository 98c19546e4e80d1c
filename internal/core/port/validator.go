package port

import "github.com/guillermoBallester/querygate/internal/core/domain"

// DecisionValidator certifies or rejects a request. It never executes SQL.
type DecisionValidator interface {
	Validate(req domain.Request) domain.Decision
	Catalog() *domain.Catalog
}

// CatalogSource hands out the active policy catalog snapshot.
type CatalogSource = domain.CatalogSource
