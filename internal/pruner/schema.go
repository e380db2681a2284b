// Package pruner 对检索子图排序、裁剪，得到满足预算的 schema 视图和连接条件
package pruner

import (
	"fmt"

	"schema-retriever/internal/graph"
)

// PrunedColumn 保留的列
type PrunedColumn struct {
	ID           graph.ColumnID `json:"id"`
	Name         string         `json:"name"`
	DataType     string         `json:"data_type"`
	Nullable     bool           `json:"nullable"`
	IsPrimaryKey bool           `json:"is_primary_key"`
	IsForeignKey bool           `json:"is_foreign_key"`
	Matched      bool           `json:"matched"`
	Score        float64        `json:"score"`
	Comment      string         `json:"comment,omitempty"`
	SampleValues []string       `json:"sample_values,omitempty"`
	Ordinal      int            `json:"ordinal"`
}

// PrunedTable 保留的表，列按定义顺序排列
type PrunedTable struct {
	ID       graph.TableID  `json:"id"`
	Name     string         `json:"name"`
	Schema   string         `json:"schema,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	RowCount int64          `json:"row_count"`
	Score    float64        `json:"score"`
	Seed     bool           `json:"seed"`
	Distance int            `json:"distance"`
	Columns  []PrunedColumn `json:"columns"`
}

// QualifiedName 带 schema 前缀的表名
func (t *PrunedTable) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// JoinPredicate 一条保留关系对应的连接条件
type JoinPredicate struct {
	Relation   graph.RelationID `json:"relation"`
	Type       graph.EdgeType   `json:"type"`
	FromTable  string           `json:"from_table"`
	FromColumn string           `json:"from_column"`
	ToTable    string           `json:"to_table"`
	ToColumn   string           `json:"to_column"`
	Confidence float64          `json:"confidence"`
}

// String 形如 orders.customer_id = customers.customer_id
func (j JoinPredicate) String() string {
	return fmt.Sprintf("%s.%s = %s.%s", j.FromTable, j.FromColumn, j.ToTable, j.ToColumn)
}

// PrunedSchema 剪枝结果。Truncated 表示预算裁剪生效，Disconnected 表示连接森林不连通。
type PrunedSchema struct {
	Version      graph.Version   `json:"version"`
	Tables       []PrunedTable   `json:"tables"`
	Joins        []JoinPredicate `json:"joins"`
	Truncated    bool            `json:"truncated"`
	Disconnected bool            `json:"disconnected"`
}

// Table 按名称查找保留的表
func (s *PrunedSchema) Table(name string) *PrunedTable {
	for i := range s.Tables {
		if s.Tables[i].Name == name || s.Tables[i].QualifiedName() == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableNames 保留表的名称，按排名
func (s *PrunedSchema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i := range s.Tables {
		names[i] = s.Tables[i].QualifiedName()
	}
	return names
}

// ColumnNames 表中保留的列名
func (t *PrunedTable) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i := range t.Columns {
		names[i] = t.Columns[i].Name
	}
	return names
}

// SizeEstimator 估算 schema 序列化后的大小（字节）
type SizeEstimator interface {
	EstimateSize(s *PrunedSchema) int
}

// SizeEstimatorFunc 函数适配器
type SizeEstimatorFunc func(s *PrunedSchema) int

// EstimateSize 实现 SizeEstimator
func (f SizeEstimatorFunc) EstimateSize(s *PrunedSchema) int { return f(s) }
