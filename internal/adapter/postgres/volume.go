package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VolumeReader reads table sizes from the planner statistics. It implements
// port.VolumeSource.
type VolumeReader struct {
	pool    *pgxpool.Pool
	schemas func() []string
}

// NewVolumeReader reads tables in the schemas returned by schemas, asked
// again on every read so catalog reloads apply. A nil func or an empty list
// reads every user schema.
func NewVolumeReader(pool *pgxpool.Pool, schemas func() []string) *VolumeReader {
	return &VolumeReader{pool: pool, schemas: schemas}
}

// Volumes returns one entry per analyzed table. Tables in the public schema
// are keyed by bare name, others by schema.table. Tables without statistics
// are left out so the catalog's static model still applies to them.
func (r *VolumeReader) Volumes(ctx context.Context) (domain.VolumeModel, error) {
	var schemas []string
	if r.schemas != nil {
		schemas = r.schemas()
	}
	clause, args := schemaFilter(schemas)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(queryTableVolumes, clause), args...)
	if err != nil {
		return domain.VolumeModel{}, fmt.Errorf("querying table volumes: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]domain.TableVolume)
	for rows.Next() {
		var schema, name string
		var v domain.TableVolume
		if err := rows.Scan(&schema, &name, &v.Rows, &v.RowWidth); err != nil {
			return domain.VolumeModel{}, fmt.Errorf("scanning table volume: %w", err)
		}
		if v.RowWidth == 0 {
			continue
		}
		key := strings.ToLower(name)
		if !strings.EqualFold(schema, "public") {
			key = strings.ToLower(schema) + "." + key
		}
		tables[key] = v
	}
	if err := rows.Err(); err != nil {
		return domain.VolumeModel{}, fmt.Errorf("iterating table volumes: %w", err)
	}

	return domain.NewVolumeModel(tables, domain.TableVolume{})
}

// schemaFilter returns the WHERE fragment on n.nspname. Without explicit
// schemas every user schema qualifies; pg_catalog, pg_toast and temp schemas
// never do.
func schemaFilter(schemas []string) (clause string, args []any) {
	if len(schemas) == 0 {
		return `n.nspname NOT IN ('pg_catalog', 'information_schema') AND n.nspname NOT LIKE 'pg\_%'`, nil
	}
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = strings.ToLower(s)
	}
	return "n.nspname = ANY($1)", []any{names}
}
