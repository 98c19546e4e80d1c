package postgres

// queryTableVolumes has one %s placeholder for the schema filter clause.
// Row width is the sum of per-column average widths from pg_stats, so tables
// that were never analyzed report zero.
const queryTableVolumes = `
	SELECT
		n.nspname,
		c.relname,
		GREATEST(c.reltuples, 0)::bigint AS row_estimate,
		COALESCE((
			SELECT sum(s.avg_width)
			FROM pg_stats s
			WHERE s.schemaname = n.nspname AND s.tablename = c.relname
		), 0)::bigint AS row_width
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind IN ('r', 'p', 'm')
		AND %s
	ORDER BY n.nspname, c.relname`
