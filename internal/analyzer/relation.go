package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
	"schema-retriever/internal/graph"
)

// Evidence 关系推断证据
type Evidence struct {
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
	Details string  `json:"details"`
}

// InferredRelation 推断出的外键及其证据
type InferredRelation struct {
	graph.RelationSpec
	Evidence []Evidence `json:"evidence"`
}

// String 形如 orders.customer_id -> customers.id (0.72)
func (r InferredRelation) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s (%.2f)", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, r.Confidence)
}

// RelationOptions 推断参数
type RelationOptions struct {
	// MinConfidence 低于该置信度的候选丢弃
	MinConfidence float64
	// VerifyContainment 是否采样比对值集合，需要访问数据库
	VerifyContainment bool
	// SampleSize 值包含度采样行数
	SampleSize int
}

// RelationshipInferer 关系推断器
type RelationshipInferer struct {
	adapter adapter.DBAdapter
	opts    RelationOptions
	logger  *zap.Logger

	stats map[string]*adapter.ColumnStats
}

// NewRelationshipInferer 创建推断器，adapter 为 nil 时只按命名与类型推断
func NewRelationshipInferer(db adapter.DBAdapter, opts RelationOptions, logger *zap.Logger) *RelationshipInferer {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.3
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 1000
	}
	if db == nil {
		opts.VerifyContainment = false
	}
	return &RelationshipInferer{
		adapter: db,
		opts:    opts,
		logger:  logger.Named("relations"),
		stats:   make(map[string]*adapter.ColumnStats),
	}
}

// InferRelationships 为没有声明外键的列寻找最可能引用的主键。
// 每个来源列只保留置信度最高的候选，已声明的外键列跳过。
func (r *RelationshipInferer) InferRelationships(ctx context.Context, meta *adapter.SchemaMetadata, declared []adapter.ForeignKey) ([]InferredRelation, error) {
	skip := make(map[string]bool, len(declared))
	for _, fk := range declared {
		skip[columnKey(qualify(fk.FromSchema, fk.FromTable), fk.FromColumn)] = true
	}

	type target struct {
		table  adapter.Table
		column adapter.Column
	}
	var keys []target
	for _, t := range meta.Tables {
		for _, c := range t.Columns {
			if c.IsPrimaryKey {
				keys = append(keys, target{t, c})
			}
		}
	}

	r.logger.Info("inferring relationships",
		zap.Int("tables", len(meta.Tables)),
		zap.Int("key_columns", len(keys)),
		zap.Bool("containment", r.opts.VerifyContainment))

	var (
		out         []InferredRelation
		comparisons int
	)
	for _, from := range meta.Tables {
		for _, fromCol := range from.Columns {
			// 跳过主键列与已声明外键
			if fromCol.IsPrimaryKey || skip[columnKey(from.QualifiedName(), fromCol.Name)] {
				continue
			}

			var best []InferredRelation
			for _, to := range keys {
				if to.table.QualifiedName() == from.QualifiedName() {
					continue
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				comparisons++

				rel := r.calculateRelationship(ctx, from, fromCol, to.table, to.column)
				if rel == nil || rel.Confidence < r.opts.MinConfidence {
					continue
				}
				switch {
				case len(best) == 0 || rel.Confidence > best[0].Confidence:
					best = []InferredRelation{*rel}
				case rel.Confidence == best[0].Confidence:
					best = append(best, *rel)
				}
			}
			out = append(out, best...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	r.logger.Info("relationships inferred", zap.Int("comparisons", comparisons), zap.Int("found", len(out)))
	return out, nil
}

// calculateRelationship 计算两列之间的关系
func (r *RelationshipInferer) calculateRelationship(
	ctx context.Context,
	fromTable adapter.Table, fromCol adapter.Column,
	toTable adapter.Table, toCol adapter.Column,
) *InferredRelation {
	// 类型不兼容的列无法连接
	typeScore := r.calculateTypeMatch(fromCol, toCol)
	if typeScore == 0 {
		return nil
	}

	// 1. 命名相似度 (权重 0.3)
	nameScore := r.calculateNameSimilarity(fromCol.Name, toTable.Name, toCol.Name)
	if nameScore == 0 {
		return nil
	}
	evidences := []Evidence{{
		Type:    "naming_similarity",
		Score:   nameScore,
		Details: fmt.Sprintf("%s ↔ %s.%s (%.2f)", fromCol.Name, toTable.Name, toCol.Name, nameScore),
	}}
	totalScore := nameScore * 0.3

	// 2. 类型匹配 (权重 0.2)
	evidences = append(evidences, Evidence{
		Type:    "type_match",
		Score:   typeScore,
		Details: fmt.Sprintf("%s(%d) ↔ %s(%d)", fromCol.DataType, fromCol.Length, toCol.DataType, toCol.Length),
	})
	totalScore += typeScore * 0.2

	// 3. 值集合包含 (权重 0.5)
	if r.opts.VerifyContainment {
		containment, err := r.calculateValueContainment(ctx, fromTable, fromCol.Name, toTable, toCol.Name)
		if err != nil {
			r.logger.Debug("containment check failed",
				zap.String("from", columnKey(fromTable.QualifiedName(), fromCol.Name)),
				zap.Error(err))
		} else if containment > 0.3 {
			evidences = append(evidences, Evidence{
				Type:    "value_containment",
				Score:   containment,
				Details: fmt.Sprintf("%.1f%% 的值存在于目标表", containment*100),
			})
			totalScore += containment * 0.5
		}
	}

	return &InferredRelation{
		RelationSpec: graph.RelationSpec{
			FromTable:  fromTable.QualifiedName(),
			FromColumn: fromCol.Name,
			ToTable:    toTable.QualifiedName(),
			ToColumn:   toCol.Name,
			Type:       graph.EdgeTypeInferredFK,
			// 推断边排在声明外键之后遍历
			Weight:     2 - totalScore,
			Confidence: totalScore,
		},
		Evidence: evidences,
	}
}

// calculateNameSimilarity 计算命名相似度。
// 目标列是泛化的 id 时，按 <表名单数>_id 的约定比较。
func (r *RelationshipInferer) calculateNameSimilarity(fromCol, toTable, toCol string) float64 {
	n1 := graph.NormalizeName(fromCol)
	n2 := graph.NormalizeName(toCol)

	if n2 == "id" {
		for _, stem := range tableStems(toTable) {
			if n1 == stem+"_id" || n1 == stem+"id" {
				return 1.0
			}
		}
		return 0
	}

	// 完全匹配
	if n1 == n2 {
		return 1.0
	}

	// 去掉匈牙利前缀后匹配，如 cDepCode 与 DepCode
	if trimHungarian(fromCol) == trimHungarian(toCol) {
		return 0.9
	}

	// 包含关系，过短的名称不计
	if len([]rune(n1)) >= 4 && len([]rune(n2)) >= 4 && (strings.Contains(n1, n2) || strings.Contains(n2, n1)) {
		return 0.8
	}

	// Levenshtein 距离
	if sim := graph.Similarity(n1, n2); sim > 0.7 {
		return sim
	}
	return 0
}

// calculateTypeMatch 计算类型匹配度
func (r *RelationshipInferer) calculateTypeMatch(col1, col2 adapter.Column) float64 {
	// 类型必须兼容
	if !graph.TypesCompatible(col1.DataType, col2.DataType) {
		return 0
	}

	// 长度匹配
	if col1.Length > 0 && col2.Length > 0 {
		if col1.Length == col2.Length {
			return 1.0
		}
		// 长度接近
		ratio := float64(min(col1.Length, col2.Length)) / float64(max(col1.Length, col2.Length))
		if ratio > 0.8 {
			return 0.8
		}
	}

	return 0.6 // 类型兼容但长度不确定
}

// calculateValueContainment 计算来源列高频值落在目标列中的比例
func (r *RelationshipInferer) calculateValueContainment(ctx context.Context, fromTable adapter.Table, fromCol string, toTable adapter.Table, toCol string) (float64, error) {
	fromStats, err := r.columnStats(ctx, fromTable, fromCol, r.opts.SampleSize)
	if err != nil {
		return 0, err
	}
	// 目标是主键，多采一些
	toStats, err := r.columnStats(ctx, toTable, toCol, r.opts.SampleSize*10)
	if err != nil {
		return 0, err
	}

	toValues := make(map[string]bool, len(toStats.TopValues))
	for _, v := range toStats.TopValues {
		toValues[v.Value] = true
	}

	var matchCount, totalCount int64
	for _, v := range fromStats.TopValues {
		totalCount += v.Count
		if toValues[v.Value] {
			matchCount += v.Count
		}
	}
	if totalCount == 0 {
		return 0, nil
	}
	return float64(matchCount) / float64(totalCount), nil
}

// columnStats 同一列在一次推断中只采样一次
func (r *RelationshipInferer) columnStats(ctx context.Context, t adapter.Table, column string, size int) (*adapter.ColumnStats, error) {
	key := fmt.Sprintf("%s#%d", columnKey(t.QualifiedName(), column), size)
	if s, ok := r.stats[key]; ok {
		return s, nil
	}
	s, err := r.adapter.SampleColumnStats(ctx, t, column, size)
	if err != nil {
		return nil, err
	}
	r.stats[key] = s
	return s, nil
}

// tableStems 表名的候选单数形式
func tableStems(table string) []string {
	n := graph.NormalizeName(table)
	stems := []string{n}
	switch {
	case strings.HasSuffix(n, "ies"):
		stems = append(stems, strings.TrimSuffix(n, "ies")+"y")
	case strings.HasSuffix(n, "ses"), strings.HasSuffix(n, "xes"):
		stems = append(stems, strings.TrimSuffix(n, "es"))
	case strings.HasSuffix(n, "s"):
		stems = append(stems, strings.TrimSuffix(n, "s"))
	}
	return stems
}

// trimHungarian 去掉小写单字母类型前缀，如 cName、iCount
func trimHungarian(name string) string {
	if len(name) > 2 && name[0] >= 'a' && name[0] <= 'z' && name[1] >= 'A' && name[1] <= 'Z' {
		name = name[1:]
	}
	return strings.ToLower(name)
}

func qualify(schema, table string) string {
	return adapter.Table{Schema: schema, Name: table}.QualifiedName()
}

func columnKey(table, column string) string {
	return strings.ToLower(table + "." + column)
}
