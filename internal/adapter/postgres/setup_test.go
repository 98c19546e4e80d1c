package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testSchemaSales mirrors the sales catalog used across the tests.
const testSchemaSales = `
	CREATE TABLE dim_store (
		store_id   INTEGER PRIMARY KEY,
		store_name TEXT NOT NULL,
		region     TEXT NOT NULL,
		city       TEXT
	);

	CREATE TABLE dim_product (
		product_id   INTEGER PRIMARY KEY,
		product_name TEXT NOT NULL,
		category     TEXT NOT NULL,
		price        NUMERIC(10,2) NOT NULL
	);

	CREATE TABLE fct_sales (
		order_id    SERIAL PRIMARY KEY,
		order_date  DATE NOT NULL,
		product_id  INTEGER NOT NULL REFERENCES dim_product(product_id),
		store_id    INTEGER NOT NULL REFERENCES dim_store(store_id),
		quantity    INTEGER NOT NULL,
		gross_sales NUMERIC(12,2) NOT NULL,
		net_sales   NUMERIC(12,2) NOT NULL,
		returns     NUMERIC(12,2) NOT NULL DEFAULT 0,
		tenant_id   TEXT NOT NULL
	);

	CREATE SCHEMA analytics;
	CREATE TABLE analytics.fct_returns (
		order_id  INTEGER NOT NULL,
		tenant_id TEXT NOT NULL
	);

	INSERT INTO dim_store VALUES
		(1, 'Main St', 'US', 'Springfield'),
		(2, 'Airport', 'US', 'Shelbyville'),
		(3, 'Harbour', 'EU', 'Lisbon');

	INSERT INTO dim_product
	SELECT i, 'Product ' || i, CASE WHEN i % 2 = 0 THEN 'Books' ELSE 'Games' END, i * 1.5
	FROM generate_series(1, 20) AS i;

	INSERT INTO fct_sales (order_date, product_id, store_id, quantity, gross_sales, net_sales, tenant_id)
	SELECT
		DATE '2024-01-01' + (i % 90),
		(i % 20) + 1,
		(i % 3) + 1,
		(i % 4) + 1,
		i * 2.0,
		i * 1.8,
		CASE WHEN i % 2 = 0 THEN 't1' ELSE 't2' END
	FROM generate_series(1, 200) AS i;
`

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(ctx, testSchemaSales)
	require.NoError(t, err)

	return pool
}
