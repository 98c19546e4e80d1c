package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExplainOnly makes the executor return the planner's EXPLAIN output
// instead of result rows. Nothing admitted is ever run for real.
func WithExplainOnly() ExecutorOption {
	return func(e *Executor) { e.explainOnly = true }
}

// Executor runs admitted SQL in a read-only transaction. It trusts its
// caller: nothing reaches it that the validator has not admitted.
type Executor struct {
	pool         *pgxpool.Pool
	maxRows      int
	queryTimeout time.Duration
	explainOnly  bool
}

func NewExecutor(pool *pgxpool.Pool, maxRows int, queryTimeout time.Duration, opts ...ExecutorOption) *Executor {
	e := &Executor{
		pool:         pool,
		maxRows:      maxRows,
		queryTimeout: queryTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, sql string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET LOCAL lets PostgreSQL cancel server-side even when the Go context
	// fires first, and dies with the transaction.
	timeoutMS := e.queryTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%d'", timeoutMS)); err != nil {
		return nil, fmt.Errorf("setting statement timeout: %w", err)
	}

	rows, err := tx.Query(ctx, e.statement(sql))
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	results, err := rowsToMaps(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return results, nil
}

// statement is the SQL actually sent: either the plan request or the query
// nested under a hard row cap. EXPLAIN output cannot be nested.
func (e *Executor) statement(sql string) string {
	sql = trimStatement(sql)
	if e.explainOnly {
		if isExplain(sql) {
			return sql
		}
		return "EXPLAIN " + sql
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", sql, e.maxRows)
}

// trimStatement cuts everything after the last token that is neither a
// comment nor a semicolon, so a trailing "-- note" cannot swallow the text
// the statement is nested in.
func trimStatement(sql string) string {
	res, err := pg_query.Scan(sql)
	if err != nil {
		sql = strings.TrimSpace(sql)
		for strings.HasSuffix(sql, ";") {
			sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
		}
		return sql
	}
	end := 0
	for _, tok := range res.Tokens {
		switch tok.Token {
		case pg_query.Token_SQL_COMMENT, pg_query.Token_C_COMMENT, pg_query.Token_ASCII_59:
			continue
		}
		end = int(tok.End)
	}
	return strings.TrimSpace(sql[:min(end, len(sql))])
}

func isExplain(sql string) bool {
	return strings.HasPrefix(strings.ToUpper(sql), "EXPLAIN")
}
