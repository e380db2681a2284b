package graph

import (
	"errors"
	"fmt"
	"strings"

	"schema-retriever/internal/apperrors"
)

// ColumnSpec 列定义
type ColumnSpec struct {
	Name         string `json:"name" yaml:"name"`
	DataType     string `json:"data_type" yaml:"data_type"`
	Nullable     bool   `json:"nullable" yaml:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key" yaml:"is_primary_key"`
	IsForeignKey bool   `json:"is_foreign_key,omitempty" yaml:"is_foreign_key,omitempty"`
	Comment      string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// TableSpec 表定义，RowCount 为 0 时视为未知
type TableSpec struct {
	Name     string       `json:"name" yaml:"name"`
	Schema   string       `json:"schema,omitempty" yaml:"schema,omitempty"`
	RowCount int64        `json:"row_count,omitempty" yaml:"row_count,omitempty"`
	Comment  string       `json:"comment,omitempty" yaml:"comment,omitempty"`
	Columns  []ColumnSpec `json:"columns" yaml:"columns"`
}

// RelationSpec 按名称描述的外键关系
type RelationSpec struct {
	FromTable  string   `json:"from_table" yaml:"from_table"`
	FromColumn string   `json:"from_column" yaml:"from_column"`
	ToTable    string   `json:"to_table" yaml:"to_table"`
	ToColumn   string   `json:"to_column" yaml:"to_column"`
	Type       EdgeType `json:"type,omitempty" yaml:"type,omitempty"`
	Weight     float64  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Confidence float64  `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// TargetSpec 概念指向的列，Weight 为 0 时按 1 处理
type TargetSpec struct {
	Table  string  `json:"table" yaml:"table"`
	Column string  `json:"column" yaml:"column"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// ConceptSpec 业务概念定义
type ConceptSpec struct {
	Term        string       `json:"term" yaml:"term"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Targets     []TargetSpec `json:"targets" yaml:"targets"`
	Synonyms    []string     `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// ValueSpec 采样值
type ValueSpec struct {
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
	Value     string `json:"value" yaml:"value"`
	Frequency int64  `json:"frequency" yaml:"frequency"`
}

// Builder 在发布前组装一代图谱，非并发安全
type Builder struct {
	tables    []TableSpec
	relations []RelationSpec
	concepts  []ConceptSpec
	values    []ValueSpec
	synonyms  [][]string
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// AddTable 添加表及其列
func (b *Builder) AddTable(t TableSpec) *Builder {
	b.tables = append(b.tables, t)
	return b
}

// AddRelation 添加外键关系
func (b *Builder) AddRelation(r RelationSpec) *Builder {
	b.relations = append(b.relations, r)
	return b
}

// AddConcept 添加业务概念
func (b *Builder) AddConcept(c ConceptSpec) *Builder {
	b.concepts = append(b.concepts, c)
	return b
}

// AddValue 添加采样值
func (b *Builder) AddValue(v ValueSpec) *Builder {
	b.values = append(b.values, v)
	return b
}

// AddSynonyms 添加一组同义词
func (b *Builder) AddSynonyms(group ...string) *Builder {
	if len(group) > 1 {
		b.synonyms = append(b.synonyms, append([]string(nil), group...))
	}
	return b
}

// Build 校验不变量并生成图谱，违反时返回包装 ErrInvalidGraph 的错误。
// 返回的 Generation 版本为零值，由 Store.Publish 赋值。
func (b *Builder) Build() (*Generation, error) {
	g := &Generation{}
	var errs []error

	seen := make(map[string]bool, len(b.tables))
	for _, spec := range b.tables {
		if strings.TrimSpace(spec.Name) == "" {
			errs = append(errs, errors.New("table with empty name"))
			continue
		}
		t := TableNode{
			ID:       TableID(len(g.tables)),
			Name:     spec.Name,
			Schema:   spec.Schema,
			RowCount: spec.RowCount,
			Comment:  spec.Comment,
		}
		if t.RowCount <= 0 {
			t.RowCount = -1
		}
		key := NormalizeName(t.QualifiedName())
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate table %q", t.QualifiedName()))
			continue
		}
		seen[key] = true

		colSeen := make(map[string]bool, len(spec.Columns))
		for i, cs := range spec.Columns {
			ckey := NormalizeName(cs.Name)
			if ckey == "" || colSeen[ckey] {
				errs = append(errs, fmt.Errorf("table %q: invalid or duplicate column %q", t.Name, cs.Name))
				continue
			}
			colSeen[ckey] = true
			c := ColumnNode{
				ID:           ColumnID(len(g.columns)),
				Table:        t.ID,
				Name:         cs.Name,
				DataType:     cs.DataType,
				Nullable:     cs.Nullable,
				IsPrimaryKey: cs.IsPrimaryKey,
				IsForeignKey: cs.IsForeignKey,
				Comment:      cs.Comment,
				Ordinal:      i + 1,
			}
			g.columns = append(g.columns, c)
			t.Columns = append(t.Columns, c.ID)
		}
		g.tables = append(g.tables, t)
	}

	// 先建表索引，关系、值与概念都按名称解析
	g.indexTables()

	for _, spec := range b.relations {
		edge, err := g.resolveRelation(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		edge.ID = RelationID(len(g.relations))
		g.relations = append(g.relations, edge)
		g.columns[edge.FromColumn].IsForeignKey = true
	}

	for _, spec := range b.values {
		cid, err := g.resolveColumn(spec.Table, spec.Column)
		if err != nil {
			errs = append(errs, fmt.Errorf("value %q: %w", spec.Value, err))
			continue
		}
		if strings.TrimSpace(spec.Value) == "" {
			continue
		}
		g.values = append(g.values, ValueNode{
			ID:        ValueID(len(g.values)),
			Value:     spec.Value,
			Column:    cid,
			Frequency: spec.Frequency,
		})
	}

	for _, spec := range b.concepts {
		c, err := g.resolveConcept(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.ID = ConceptID(len(g.concepts))
		g.concepts = append(g.concepts, c)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidGraph, errors.Join(errs...))
	}

	g.synonymGroups = b.synonyms
	g.indexStructure()
	g.indexSemantics()
	return g, nil
}

// resolveRelation 解析关系两端并校验类型兼容
func (g *Generation) resolveRelation(spec RelationSpec) (RelationEdge, error) {
	from, err := g.resolveColumn(spec.FromTable, spec.FromColumn)
	if err != nil {
		return RelationEdge{}, fmt.Errorf("relation %s.%s -> %s.%s: %w",
			spec.FromTable, spec.FromColumn, spec.ToTable, spec.ToColumn, err)
	}
	to, err := g.resolveColumn(spec.ToTable, spec.ToColumn)
	if err != nil {
		return RelationEdge{}, fmt.Errorf("relation %s.%s -> %s.%s: %w",
			spec.FromTable, spec.FromColumn, spec.ToTable, spec.ToColumn, err)
	}

	fc, tc := &g.columns[from], &g.columns[to]
	if fc.DataType != "" && tc.DataType != "" && !TypesCompatible(fc.DataType, tc.DataType) {
		return RelationEdge{}, fmt.Errorf("relation %s.%s -> %s.%s: incompatible types %s and %s",
			spec.FromTable, spec.FromColumn, spec.ToTable, spec.ToColumn, fc.DataType, tc.DataType)
	}

	edge := RelationEdge{
		Type:       spec.Type,
		From:       fc.Table,
		To:         tc.Table,
		FromColumn: from,
		ToColumn:   to,
		Weight:     spec.Weight,
		Confidence: spec.Confidence,
	}
	if edge.Type == "" {
		edge.Type = EdgeTypeFK
	}
	if edge.Weight <= 0 {
		edge.Weight = 1
	}
	if edge.Confidence <= 0 {
		edge.Confidence = 1
	}
	return edge, nil
}

// resolveConcept 解析概念目标列，至少需要一个有效目标
func (g *Generation) resolveConcept(spec ConceptSpec) (ConceptNode, error) {
	if strings.TrimSpace(spec.Term) == "" {
		return ConceptNode{}, errors.New("concept with empty term")
	}
	if len(spec.Targets) == 0 {
		return ConceptNode{}, fmt.Errorf("concept %q: no target columns", spec.Term)
	}

	c := ConceptNode{
		Term:        spec.Term,
		Description: spec.Description,
		Synonyms:    append([]string(nil), spec.Synonyms...),
	}
	for _, t := range spec.Targets {
		cid, err := g.resolveColumn(t.Table, t.Column)
		if err != nil {
			return ConceptNode{}, fmt.Errorf("concept %q: %w", spec.Term, err)
		}
		w := t.Weight
		if w <= 0 || w > 1 {
			w = 1
		}
		c.Targets = append(c.Targets, ConceptTarget{Column: cid, Weight: w})
	}
	return c, nil
}
