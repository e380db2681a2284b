package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
	"schema-retriever/internal/graph"
)

// Options 图谱构建选项
type Options struct {
	// InferRelations 为未声明外键的列推断关系
	InferRelations bool
	Relations      RelationOptions
	// SampleValues 采样枚举类列的取值作为值节点
	SampleValues bool
	Enums        EnumOptions
}

// DefaultOptions 声明外键 + 值采样，关系推断默认关闭
func DefaultOptions() Options {
	return Options{
		Relations:    RelationOptions{MinConfidence: 0.5, SampleSize: 1000},
		SampleValues: true,
		Enums:        EnumOptions{SampleSize: 1000, MaxDistinct: 50, MaxLength: 100},
	}
}

// Report 构建过程摘要
type Report struct {
	Dialect   string             `json:"dialect"`
	Tables    int                `json:"tables"`
	Columns   int                `json:"columns"`
	Declared  int                `json:"declared_relations"`
	Inferred  []InferredRelation `json:"inferred_relations,omitempty"`
	Enums     []EnumTable        `json:"enum_tables,omitempty"`
	Values    int                `json:"values"`
	Elapsed   time.Duration      `json:"elapsed"`
	Discarded []string           `json:"discarded,omitempty"`
}

// Analyzer 从数据库元数据构建图谱文档
type Analyzer struct {
	adapter adapter.DBAdapter
	opts    Options
	logger  *zap.Logger
}

// New 创建分析器
func New(db adapter.DBAdapter, opts Options, logger *zap.Logger) *Analyzer {
	return &Analyzer{adapter: db, opts: opts, logger: logger.Named("analyzer")}
}

// Analyze 读取元数据、外键与采样值，生成可直接 Build 的图谱文档。
// 类型不兼容或端点缺失的关系不会写入文档，记录在 Report.Discarded。
func (a *Analyzer) Analyze(ctx context.Context) (*graph.Document, *Report, error) {
	start := time.Now()
	report := &Report{Dialect: a.adapter.Dialect()}

	meta, err := a.adapter.IntrospectSchema(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("introspect schema: %w", err)
	}
	a.logger.Info("schema introspected", zap.Int("tables", len(meta.Tables)), zap.Int("indexes", len(meta.Indexes)))

	doc := &graph.Document{}
	columns := make(map[string]adapter.Column)
	for _, t := range meta.Tables {
		spec := graph.TableSpec{
			Name:     t.Name,
			Schema:   t.Schema,
			RowCount: t.RowCount,
			Comment:  t.Comment,
		}
		for _, c := range t.Columns {
			spec.Columns = append(spec.Columns, graph.ColumnSpec{
				Name:         c.Name,
				DataType:     columnType(c),
				Nullable:     c.Nullable,
				IsPrimaryKey: c.IsPrimaryKey,
				Comment:      c.Comment,
			})
			columns[columnKey(t.QualifiedName(), c.Name)] = c
		}
		doc.Tables = append(doc.Tables, spec)
		report.Columns += len(t.Columns)
	}
	report.Tables = len(doc.Tables)

	declared, err := a.adapter.GetForeignKeys(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("foreign keys: %w", err)
	}
	for _, fk := range declared {
		rel := graph.RelationSpec{
			FromTable:  qualify(fk.FromSchema, fk.FromTable),
			FromColumn: fk.FromColumn,
			ToTable:    qualify(fk.ToSchema, fk.ToTable),
			ToColumn:   fk.ToColumn,
			Type:       graph.EdgeTypeFK,
		}
		if reason := checkRelation(columns, rel); reason != "" {
			report.Discarded = append(report.Discarded, reason)
			continue
		}
		doc.Relations = append(doc.Relations, rel)
	}
	report.Declared = len(doc.Relations)

	if a.opts.InferRelations {
		inferer := NewRelationshipInferer(a.adapter, a.opts.Relations, a.logger)
		inferred, err := inferer.InferRelationships(ctx, meta, declared)
		if err != nil {
			return nil, nil, fmt.Errorf("infer relations: %w", err)
		}
		for _, rel := range inferred {
			doc.Relations = append(doc.Relations, rel.RelationSpec)
		}
		report.Inferred = inferred
	}

	if a.opts.SampleValues {
		detector := NewEnumDetector(a.adapter, a.opts.Enums, a.logger)
		report.Enums = detector.DetectEnumTables(ctx, meta)
		values, err := detector.SampleValues(ctx, meta, report.Enums)
		if err != nil {
			return nil, nil, fmt.Errorf("sample values: %w", err)
		}
		doc.Values = values
		report.Values = len(values)
	}

	report.Elapsed = time.Since(start)
	a.logger.Info("graph document built",
		zap.Int("tables", report.Tables),
		zap.Int("columns", report.Columns),
		zap.Int("declared", report.Declared),
		zap.Int("inferred", len(report.Inferred)),
		zap.Int("values", report.Values),
		zap.Int("discarded", len(report.Discarded)),
		zap.Duration("elapsed", report.Elapsed))
	return doc, report, nil
}

// checkRelation 端点存在且类型兼容时返回空串，否则返回丢弃原因
func checkRelation(columns map[string]adapter.Column, rel graph.RelationSpec) string {
	from, ok := columns[columnKey(rel.FromTable, rel.FromColumn)]
	if !ok {
		return fmt.Sprintf("%s.%s: source column not scanned", rel.FromTable, rel.FromColumn)
	}
	to, ok := columns[columnKey(rel.ToTable, rel.ToColumn)]
	if !ok {
		return fmt.Sprintf("%s.%s -> %s.%s: target outside scanned schema", rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn)
	}
	if !graph.TypesCompatible(from.DataType, to.DataType) {
		return fmt.Sprintf("%s.%s -> %s.%s: incompatible types %s and %s",
			rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn, from.DataType, to.DataType)
	}
	return ""
}

// columnType 带长度的类型名，已含长度的（如 MySQL COLUMN_TYPE）原样返回
func columnType(c adapter.Column) string {
	if c.Length <= 0 || strings.ContainsRune(c.DataType, '(') || !isStringType(c.DataType) {
		return c.DataType
	}
	return fmt.Sprintf("%s(%d)", c.DataType, c.Length)
}

