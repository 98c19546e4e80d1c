package port

import "context"

// QueryExecutor runs an admitted SQL statement and returns its rows keyed by
// result column name.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string) ([]map[string]any, error)
}
