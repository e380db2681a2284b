package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
)

// SQLServerAdapter SQL Server 适配器
type SQLServerAdapter struct {
	db     *sql.DB
	schema string
}

// NewSQLServerAdapter 创建 SQL Server 适配器，schema 为空时扫描全部 schema
func NewSQLServerAdapter(ctx context.Context, connStr, schema string) (*SQLServerAdapter, error) {
	db, err := openDB(ctx, "sqlserver", connStr)
	if err != nil {
		return nil, err
	}
	return &SQLServerAdapter{db: db, schema: schema}, nil
}

// Dialect 方言名
func (a *SQLServerAdapter) Dialect() string { return "SQL Server (T-SQL)" }

// IntrospectSchema 获取元数据
func (a *SQLServerAdapter) IntrospectSchema(ctx context.Context) (*SchemaMetadata, error) {
	tables, err := a.getTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	columns, err := a.getColumns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for i := range tables {
		tables[i].Columns = columns[tables[i].QualifiedName()]
	}

	indexes, err := a.getIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	return &SchemaMetadata{Tables: tables, Indexes: indexes}, nil
}

// getTables 表名、MS_Description 注释与分区行数
func (a *SQLServerAdapter) getTables(ctx context.Context) ([]Table, error) {
	query := `
		SELECT
			s.name,
			t.name,
			COALESCE(CAST(ep.value AS NVARCHAR(4000)), ''),
			COALESCE((SELECT SUM(p.rows) FROM sys.partitions p
				WHERE p.object_id = t.object_id AND p.index_id IN (0, 1)), 0)
		FROM sys.tables t
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = t.object_id AND ep.minor_id = 0 AND ep.name = 'MS_Description'
		WHERE t.is_ms_shipped = 0 AND (@p1 = '' OR s.name = @p1)
		ORDER BY s.name, t.name
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.Comment, &t.RowCount); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// getColumns 按 schema.table 分组返回列
func (a *SQLServerAdapter) getColumns(ctx context.Context) (map[string][]Column, error) {
	query := `
		SELECT
			c.TABLE_SCHEMA,
			c.TABLE_NAME,
			c.COLUMN_NAME,
			c.DATA_TYPE,
			COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0) AS LENGTH,
			CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END AS NULLABLE,
			CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END AS IS_PK,
			COALESCE(CAST(ep.value AS NVARCHAR(4000)), ''),
			c.ORDINAL_POSITION,
			c.COLUMN_DEFAULT
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT ku.TABLE_SCHEMA, ku.TABLE_NAME, ku.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku
				ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
				AND tc.TABLE_SCHEMA = ku.TABLE_SCHEMA
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		) pk ON c.TABLE_SCHEMA = pk.TABLE_SCHEMA
			AND c.TABLE_NAME = pk.TABLE_NAME
			AND c.COLUMN_NAME = pk.COLUMN_NAME
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = OBJECT_ID(QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME))
			AND ep.minor_id = COLUMNPROPERTY(ep.major_id, c.COLUMN_NAME, 'ColumnId')
			AND ep.name = 'MS_Description'
		WHERE @p1 = '' OR c.TABLE_SCHEMA = @p1
		ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]Column)
	for rows.Next() {
		var schema, table string
		var c Column
		var nullable, isPK int
		if err := rows.Scan(&schema, &table, &c.Name, &c.DataType, &c.Length, &nullable, &isPK,
			&c.Comment, &c.Ordinal, &c.DefaultValue); err != nil {
			return nil, err
		}
		c.Nullable = nullable == 1
		c.IsPrimaryKey = isPK == 1
		key := Table{Schema: schema, Name: table}.QualifiedName()
		columns[key] = append(columns[key], c)
	}
	return columns, rows.Err()
}

func (a *SQLServerAdapter) getIndexes(ctx context.Context) ([]Index, error) {
	query := `
		SELECT
			s.name AS SCHEMA_NAME,
			t.name AS TABLE_NAME,
			i.name AS INDEX_NAME,
			c.name AS COLUMN_NAME,
			i.is_unique
		FROM sys.indexes i
		JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		JOIN sys.tables t ON i.object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		WHERE i.is_primary_key = 0 AND i.name IS NOT NULL AND (@p1 = '' OR s.name = @p1)
		ORDER BY s.name, t.name, i.name, ic.key_ordinal
	`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	return groupIndexes(rows)
}

// EstimateRowCount 估算行数
func (a *SQLServerAdapter) EstimateRowCount(ctx context.Context, table Table) (int64, error) {
	query := `
		SELECT SUM(p.rows)
		FROM sys.partitions p
		WHERE p.object_id = OBJECT_ID(@p1) AND p.index_id IN (0, 1)
	`
	var count sql.NullInt64
	if err := a.db.QueryRowContext(ctx, query, quoteSQLServer(table.Schema, table.Name)).Scan(&count); err != nil {
		return 0, err
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// SampleColumnStats 在 TABLESAMPLE 采样上统计空值、基数与高频值
func (a *SQLServerAdapter) SampleColumnStats(ctx context.Context, table Table, column string, sampleSize int) (*ColumnStats, error) {
	tbl := quoteSQLServer(table.Schema, table.Name)
	col := quoteSQLServer(column)
	stats := &ColumnStats{}

	// 总行数和NULL计数
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN %[1]s IS NULL THEN 1 ELSE 0 END), 0) AS nulls,
			COUNT(DISTINCT %[1]s) AS distincts,
			CAST(MIN(%[1]s) AS NVARCHAR(4000)),
			CAST(MAX(%[1]s) AS NVARCHAR(4000))
		FROM %[2]s TABLESAMPLE (%[3]d ROWS)
	`, col, tbl, sampleSize)
	if err := a.db.QueryRowContext(ctx, query).Scan(&stats.TotalRows, &stats.NullCount, &stats.DistinctCount,
		&stats.MinValue, &stats.MaxValue); err != nil {
		return nil, err
	}

	// TopN值
	topQuery := fmt.Sprintf(`
		SELECT TOP %[4]d CAST(%[1]s AS NVARCHAR(4000)), COUNT(*) AS cnt
		FROM %[2]s TABLESAMPLE (%[3]d ROWS)
		WHERE %[1]s IS NOT NULL
		GROUP BY %[1]s
		ORDER BY cnt DESC
	`, col, tbl, sampleSize, topValueLimit)
	rows, err := a.db.QueryContext(ctx, topQuery)
	if err != nil {
		return stats, nil // 不影响主流程
	}
	stats.TopValues, _ = scanValueCounts(rows)
	return stats, nil
}

// GetForeignKeys 获取外键约束
func (a *SQLServerAdapter) GetForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	query := `
		SELECT
			OBJECT_SCHEMA_NAME(fk.parent_object_id) AS from_schema,
			OBJECT_NAME(fk.parent_object_id) AS from_table,
			COL_NAME(fkc.parent_object_id, fkc.parent_column_id) AS from_column,
			OBJECT_SCHEMA_NAME(fk.referenced_object_id) AS to_schema,
			OBJECT_NAME(fk.referenced_object_id) AS to_table,
			COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id) AS to_column
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
		WHERE @p1 = '' OR OBJECT_SCHEMA_NAME(fk.parent_object_id) = @p1
		ORDER BY from_schema, from_table, fk.name, fkc.constraint_column_id
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
func (a *SQLServerAdapter) Close() error {
	return a.db.Close()
}

// quoteSQLServer 方括号包裹标识符
func quoteSQLServer(parts ...string) string {
	return quoteWith("[", "]", parts...)
}
