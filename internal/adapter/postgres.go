package adapter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresAdapter PostgreSQL 适配器，经 pgx 的 database/sql 驱动访问
type PostgresAdapter struct {
	db     *sql.DB
	schema string
}

// NewPostgresAdapter 创建 PostgreSQL 适配器，schema 默认 public
func NewPostgresAdapter(ctx context.Context, connStr, schema string) (*PostgresAdapter, error) {
	db, err := openDB(ctx, "pgx", connStr)
	if err != nil {
		return nil, err
	}
	if schema == "" {
		schema = "public"
	}
	return &PostgresAdapter{db: db, schema: schema}, nil
}

// Dialect 方言名
func (a *PostgresAdapter) Dialect() string { return "PostgreSQL" }

// IntrospectSchema 获取元数据
func (a *PostgresAdapter) IntrospectSchema(ctx context.Context) (*SchemaMetadata, error) {
	tables, err := a.getTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	columns, err := a.getColumns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for i := range tables {
		tables[i].Columns = columns[tables[i].Name]
	}

	indexes, err := a.getIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	return &SchemaMetadata{Tables: tables, Indexes: indexes}, nil
}

// getTables 表名、注释与 reltuples 行数估算
func (a *PostgresAdapter) getTables(ctx context.Context) ([]Table, error) {
	const query = `
		SELECT
			c.relname,
			COALESCE(obj_description(c.oid, 'pg_class'), ''),
			GREATEST(c.reltuples::bigint, 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'p')
		ORDER BY c.relname
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		t := Table{Schema: a.schema}
		if err := rows.Scan(&t.Name, &t.Comment, &t.RowCount); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// getColumns 主键取自 pg_index.indisprimary
func (a *PostgresAdapter) getColumns(ctx context.Context) (map[string][]Column, error) {
	const query = `
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			COALESCE(c.character_maximum_length, 0),
			c.is_nullable = 'YES',
			COALESCE(pk.is_pk, false),
			COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position), ''),
			c.ordinal_position,
			c.column_default
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT t.relname AS table_name, a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary AND n.nspname = $1
		) pk ON pk.table_name = c.table_name AND pk.column_name = c.column_name
		WHERE c.table_schema = $1
		ORDER BY c.table_name, c.ordinal_position
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]Column)
	for rows.Next() {
		var table string
		var c Column
		if err := rows.Scan(&table, &c.Name, &c.DataType, &c.Length, &c.Nullable, &c.IsPrimaryKey,
			&c.Comment, &c.Ordinal, &c.DefaultValue); err != nil {
			return nil, err
		}
		columns[table] = append(columns[table], c)
	}
	return columns, rows.Err()
}

func (a *PostgresAdapter) getIndexes(ctx context.Context) ([]Index, error) {
	const query = `
		SELECT
			n.nspname,
			t.relname,
			i.relname,
			a.attname,
			ix.indisunique
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND NOT ix.indisprimary
		ORDER BY t.relname, i.relname, k.ord
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	return groupIndexes(rows)
}

// EstimateRowCount 估算行数
func (a *PostgresAdapter) EstimateRowCount(ctx context.Context, table Table) (int64, error) {
	const query = `SELECT GREATEST(reltuples::bigint, 0) FROM pg_class WHERE oid = to_regclass($1)`
	var count sql.NullInt64
	if err := a.db.QueryRowContext(ctx, query, a.qualified(table)).Scan(&count); err != nil {
		return 0, err
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// SampleColumnStats 在前 sampleSize 行上统计空值、基数与高频值
func (a *PostgresAdapter) SampleColumnStats(ctx context.Context, table Table, column string, sampleSize int) (*ColumnStats, error) {
	tbl := a.qualified(table)
	col := pgx.Identifier{column}.Sanitize()
	stats := &ColumnStats{}

	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) - COUNT(%[1]s),
			COUNT(DISTINCT %[1]s::text),
			MIN(%[1]s::text),
			MAX(%[1]s::text)
		FROM (SELECT %[1]s FROM %[2]s LIMIT %[3]d) sample
	`, col, tbl, sampleSize)
	if err := a.db.QueryRowContext(ctx, query).Scan(&stats.TotalRows, &stats.NullCount, &stats.DistinctCount,
		&stats.MinValue, &stats.MaxValue); err != nil {
		return nil, err
	}

	topQuery := fmt.Sprintf(`
		SELECT %[1]s::text AS val, COUNT(*) AS cnt
		FROM (SELECT %[1]s FROM %[2]s LIMIT %[3]d) sample
		WHERE %[1]s IS NOT NULL
		GROUP BY val
		ORDER BY cnt DESC
		LIMIT %[4]d
	`, col, tbl, sampleSize, topValueLimit)
	rows, err := a.db.QueryContext(ctx, topQuery)
	if err != nil {
		return stats, nil
	}
	stats.TopValues, _ = scanValueCounts(rows)
	return stats, nil
}

// GetForeignKeys 获取外键约束
func (a *PostgresAdapter) GetForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	const query = `
		SELECT
			kcu.table_schema,
			kcu.table_name,
			kcu.column_name,
			ccu.table_schema,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
		ORDER BY kcu.table_name, tc.constraint_name, kcu.ordinal_position
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.FromSchema, &fk.FromTable, &fk.FromColumn,
			&fk.ToSchema, &fk.ToTable, &fk.ToColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// Close 关闭连接
func (a *PostgresAdapter) Close() error {
	return a.db.Close()
}

// qualified 带引号的 schema.table
func (a *PostgresAdapter) qualified(t Table) string {
	schema := t.Schema
	if schema == "" {
		schema = a.schema
	}
	return pgx.Identifier{schema, t.Name}.Sanitize()
}
