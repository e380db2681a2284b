package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLAdapter MySQL 适配器
type MySQLAdapter struct {
	db     *sql.DB
	schema string
}

// NewMySQLAdapter 创建 MySQL 适配器，schema 为空时使用连接的当前库
func NewMySQLAdapter(ctx context.Context, connStr, schema string) (*MySQLAdapter, error) {
	db, err := openDB(ctx, "mysql", connStr)
	if err != nil {
		return nil, err
	}
	if schema == "" {
		var current sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err != nil {
			db.Close()
			return nil, fmt.Errorf("resolve current database: %w", err)
		}
		if !current.Valid || current.String == "" {
			db.Close()
			return nil, fmt.Errorf("mysql: no database selected in connection string")
		}
		schema = current.String
	}
	return &MySQLAdapter{db: db, schema: schema}, nil
}

// Dialect 方言名
func (a *MySQLAdapter) Dialect() string { return "MySQL" }

// IntrospectSchema 获取元数据
func (a *MySQLAdapter) IntrospectSchema(ctx context.Context) (*SchemaMetadata, error) {
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

func (a *MySQLAdapter) getTables(ctx context.Context) ([]Table, error) {
	query := `
		SELECT TABLE_NAME, COALESCE(TABLE_COMMENT, ''), COALESCE(TABLE_ROWS, 0)
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
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

// getColumns 一次取回整个库的列，按表名分组
func (a *MySQLAdapter) getColumns(ctx context.Context) (map[string][]Column, error) {
	query := `
		SELECT
			TABLE_NAME,
			COLUMN_NAME,
			COLUMN_TYPE,
			COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
			IS_NULLABLE = 'YES',
			COLUMN_KEY = 'PRI',
			COALESCE(COLUMN_COMMENT, ''),
			ORDINAL_POSITION,
			COLUMN_DEFAULT
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME, ORDINAL_POSITION
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

func (a *MySQLAdapter) getIndexes(ctx context.Context) ([]Index, error) {
	query := `
		SELECT
			TABLE_SCHEMA,
			TABLE_NAME,
			INDEX_NAME,
			COLUMN_NAME,
			NON_UNIQUE = 0
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ? AND INDEX_NAME != 'PRIMARY'
		ORDER BY TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	return groupIndexes(rows)
}

// EstimateRowCount 估算行数，取统计信息而非 COUNT(*)
func (a *MySQLAdapter) EstimateRowCount(ctx context.Context, table Table) (int64, error) {
	query := `
		SELECT TABLE_ROWS
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	`
	var count sql.NullInt64
	if err := a.db.QueryRowContext(ctx, query, a.schemaOf(table), table.Name).Scan(&count); err != nil {
		return 0, err
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// SampleColumnStats 在前 sampleSize 行上统计空值、基数与高频值
func (a *MySQLAdapter) SampleColumnStats(ctx context.Context, table Table, column string, sampleSize int) (*ColumnStats, error) {
	tbl := quoteMySQL(a.schemaOf(table), table.Name)
	col := quoteMySQL(column)
	stats := &ColumnStats{}

	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN %[1]s IS NULL THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT %[1]s),
			CAST(MIN(%[1]s) AS CHAR),
			CAST(MAX(%[1]s) AS CHAR)
		FROM (SELECT %[1]s FROM %[2]s LIMIT %[3]d) sample
	`, col, tbl, sampleSize)
	if err := a.db.QueryRowContext(ctx, query).Scan(&stats.TotalRows, &stats.NullCount, &stats.DistinctCount,
		&stats.MinValue, &stats.MaxValue); err != nil {
		return nil, err
	}

	topQuery := fmt.Sprintf(`
		SELECT CAST(%[1]s AS CHAR), COUNT(*) AS cnt
		FROM (SELECT %[1]s FROM %[2]s LIMIT %[3]d) sample
		WHERE %[1]s IS NOT NULL
		GROUP BY %[1]s
		ORDER BY cnt DESC
		LIMIT %[4]d
	`, col, tbl, sampleSize, topValueLimit)
	rows, err := a.db.QueryContext(ctx, topQuery)
	if err != nil {
		// 高频值缺失不影响主流程
		return stats, nil
	}
	stats.TopValues, _ = scanValueCounts(rows)
	return stats, nil
}

// GetForeignKeys 获取外键约束
func (a *MySQLAdapter) GetForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	query := `
		SELECT
			kcu.TABLE_SCHEMA,
			kcu.TABLE_NAME,
			kcu.COLUMN_NAME,
			kcu.REFERENCED_TABLE_SCHEMA,
			kcu.REFERENCED_TABLE_NAME,
			kcu.REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		WHERE kcu.TABLE_SCHEMA = ?
			AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY kcu.TABLE_NAME, kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION
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
func (a *MySQLAdapter) Close() error {
	return a.db.Close()
}

func (a *MySQLAdapter) schemaOf(t Table) string {
	if t.Schema != "" {
		return t.Schema
	}
	return a.schema
}

// quoteMySQL 反引号包裹标识符
func quoteMySQL(parts ...string) string {
	return quoteWith("`", "`", parts...)
}
