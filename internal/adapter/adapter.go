package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// topValueLimit 每列保留的高频值个数
const topValueLimit = 10

// DBAdapter 数据库适配器接口，图谱构建阶段使用
type DBAdapter interface {
	// Dialect 目标 SQL 方言，写入提示词
	Dialect() string

	// IntrospectSchema 获取表、列、索引及行数估算
	IntrospectSchema(ctx context.Context) (*SchemaMetadata, error)

	// EstimateRowCount 估算行数
	EstimateRowCount(ctx context.Context, table Table) (int64, error)

	// SampleColumnStats 采样列统计
	SampleColumnStats(ctx context.Context, table Table, column string, sampleSize int) (*ColumnStats, error)

	// GetForeignKeys 获取外键约束
	GetForeignKeys(ctx context.Context) ([]ForeignKey, error)

	// Close 关闭连接
	Close() error
}

// SchemaMetadata 元数据
type SchemaMetadata struct {
	Tables  []Table
	Indexes []Index
}

// Table 表信息，RowCount 为 0 表示未知
type Table struct {
	Schema   string
	Name     string
	Comment  string
	RowCount int64
	Columns  []Column
}

// QualifiedName 带 schema 前缀的表名
func (t Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column 列信息
type Column struct {
	Name         string
	DataType     string
	Length       int
	Nullable     bool
	IsPrimaryKey bool
	Comment      string
	Ordinal      int
	DefaultValue sql.NullString
}

// Index 索引信息
type Index struct {
	Schema  string
	Table   string
	Name    string
	Columns []string
	Unique  bool
}

// ForeignKey 外键
type ForeignKey struct {
	FromSchema string
	FromTable  string
	FromColumn string
	ToSchema   string
	ToTable    string
	ToColumn   string
}

// ColumnStats 列统计
type ColumnStats struct {
	TotalRows     int64
	NullCount     int64
	DistinctCount int64
	TopValues     []ValueCount
	MinValue      sql.NullString
	MaxValue      sql.NullString
}

// ValueCount 值计数
type ValueCount struct {
	Value string
	Count int64
}

// Open 按驱动名创建适配器。schema 为空时 MySQL 取连接的当前库，
// PostgreSQL 取 public，SQL Server 扫描全部 schema。
func Open(ctx context.Context, driver, dsn, schema string) (DBAdapter, error) {
	switch strings.ToLower(driver) {
	case "mysql":
		return NewMySQLAdapter(ctx, dsn, schema)
	case "sqlserver", "mssql":
		return NewSQLServerAdapter(ctx, dsn, schema)
	case "postgres", "postgresql", "pgx":
		return NewPostgresAdapter(ctx, dsn, schema)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// openDB 打开连接并确认可用
func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// quoteWith 用给定的左右界符包裹标识符，界符本身双写转义
func quoteWith(left, right string, parts ...string) string {
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		quoted = append(quoted, left+strings.ReplaceAll(p, right, right+right)+right)
	}
	return strings.Join(quoted, ".")
}

// scanValueCounts 读取 (值, 计数) 结果集，单行扫描失败跳过
func scanValueCounts(rows *sql.Rows) ([]ValueCount, error) {
	defer rows.Close()
	var out []ValueCount
	for rows.Next() {
		var vc ValueCount
		if err := rows.Scan(&vc.Value, &vc.Count); err != nil {
			continue
		}
		out = append(out, vc)
	}
	return out, rows.Err()
}

// groupIndexes 把按序返回的索引列聚合为索引
func groupIndexes(rows *sql.Rows) ([]Index, error) {
	defer rows.Close()
	var (
		indexes []Index
		pos     = make(map[string]int)
	)
	for rows.Next() {
		var schema, table, name, column string
		var unique bool
		if err := rows.Scan(&schema, &table, &name, &column, &unique); err != nil {
			return nil, err
		}
		key := schema + "." + table + "." + name
		if i, ok := pos[key]; ok {
			indexes[i].Columns = append(indexes[i].Columns, column)
			continue
		}
		pos[key] = len(indexes)
		indexes = append(indexes, Index{Schema: schema, Table: table, Name: name, Columns: []string{column}, Unique: unique})
	}
	return indexes, rows.Err()
}
