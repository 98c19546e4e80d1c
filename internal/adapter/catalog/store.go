package catalog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/guillermoBallester/querygate/internal/core/domain"
)

var ErrNoPath = errors.New("catalog store has no file to reload from")

// Store holds the active catalog snapshot. Readers load the pointer once per
// call; Reload swaps it only after the new file validated.
type Store struct {
	path    string
	current atomic.Pointer[domain.Catalog]
	// reloadMu serialises reloads so two operators cannot interleave them.
	reloadMu sync.Mutex
}

// NewStore loads path and returns a store serving it.
func NewStore(path string) (*Store, error) {
	cat, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cat)
	return s, nil
}

// NewStaticStore serves cat until Swap is called. Reload fails with ErrNoPath.
func NewStaticStore(cat *domain.Catalog) (*Store, error) {
	if cat == nil {
		return nil, fmt.Errorf("%w: nil catalog", domain.ErrInvalidCatalog)
	}
	s := &Store{}
	s.current.Store(cat)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *domain.Catalog {
	return s.current.Load()
}

// Schemas returns the schemas of the active snapshot.
func (s *Store) Schemas() []string {
	return s.Current().Schemas()
}

// Reload re-reads the catalog file. On error the previous snapshot stays
// active and is returned alongside the error.
func (s *Store) Reload() (*domain.Catalog, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.path == "" {
		return s.Current(), ErrNoPath
	}
	cat, err := LoadFromFile(s.path)
	if err != nil {
		return s.Current(), fmt.Errorf("reloading catalog: %w", err)
	}
	s.current.Store(cat)
	return cat, nil
}

// Swap installs cat as the active snapshot and returns the previous one.
func (s *Store) Swap(cat *domain.Catalog) (*domain.Catalog, error) {
	if cat == nil {
		return s.Current(), fmt.Errorf("%w: nil catalog", domain.ErrInvalidCatalog)
	}
	return s.current.Swap(cat), nil
}
