package graph

import "fmt"

// NodeKind 节点类型
type NodeKind string

const (
	KindTable   NodeKind = "table"
	KindColumn  NodeKind = "column"
	KindConcept NodeKind = "concept"
	KindValue   NodeKind = "value"
)

// Specificity 匹配粒度，列级匹配剪枝最精确
func (k NodeKind) Specificity() int {
	switch k {
	case KindColumn:
		return 4
	case KindTable:
		return 3
	case KindConcept:
		return 2
	case KindValue:
		return 1
	}
	return 0
}

// TableID 表节点在 arena 中的下标
type TableID int32

// ColumnID 列节点在 arena 中的下标
type ColumnID int32

// ConceptID 概念节点在 arena 中的下标
type ConceptID int32

// ValueID 值节点在 arena 中的下标
type ValueID int32

// NodeRef 指向某一代图谱中的节点
type NodeRef struct {
	Kind NodeKind `json:"kind"`
	ID   int32    `json:"id"`
}

func (r NodeRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// TableNode 表节点
type TableNode struct {
	ID       TableID    `json:"id"`
	Name     string     `json:"name"`
	Schema   string     `json:"schema,omitempty"`
	RowCount int64      `json:"row_count"` // -1 表示未知
	Comment  string     `json:"comment,omitempty"`
	Columns  []ColumnID `json:"columns"`
}

// QualifiedName 带 schema 前缀的表名
func (t *TableNode) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnNode 列节点
type ColumnNode struct {
	ID           ColumnID `json:"id"`
	Table        TableID  `json:"table"`
	Name         string   `json:"name"`
	DataType     string   `json:"data_type"`
	Nullable     bool     `json:"nullable"`
	IsPrimaryKey bool     `json:"is_primary_key"`
	IsForeignKey bool     `json:"is_foreign_key"`
	Comment      string   `json:"comment,omitempty"`
	Ordinal      int      `json:"ordinal"`
}

// ConceptTarget 概念指向的列，Weight 即 MEANS 边的映射置信度
type ConceptTarget struct {
	Column ColumnID `json:"column"`
	Weight float64  `json:"weight"`
}

// ConceptNode 业务概念节点
type ConceptNode struct {
	ID          ConceptID       `json:"id"`
	Term        string          `json:"term"`
	Description string          `json:"description,omitempty"`
	Targets     []ConceptTarget `json:"targets"`
	Synonyms    []string        `json:"synonyms,omitempty"`
}

// ValueNode 采样得到的字面值
type ValueNode struct {
	ID        ValueID  `json:"id"`
	Value     string   `json:"value"`
	Column    ColumnID `json:"column"`
	Frequency int64    `json:"frequency"`
}
