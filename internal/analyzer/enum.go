package analyzer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
	"schema-retriever/internal/graph"
)

// EnumOptions 采样参数
type EnumOptions struct {
	// SampleSize 每列采样行数
	SampleSize int
	// MaxDistinct 采样中不同值超过该数的列不视为枚举
	MaxDistinct int64
	// MaxLength 超过该长度的字符列（备注、描述）不采样，负数表示不限
	MaxLength int
}

// EnumDetector 枚举/码表检测器
type EnumDetector struct {
	adapter adapter.DBAdapter
	opts    EnumOptions
	logger  *zap.Logger
}

// NewEnumDetector 创建检测器
func NewEnumDetector(db adapter.DBAdapter, opts EnumOptions, logger *zap.Logger) *EnumDetector {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 1000
	}
	if opts.MaxDistinct <= 0 {
		opts.MaxDistinct = 50
	}
	if opts.MaxLength == 0 {
		opts.MaxLength = 100
	}
	return &EnumDetector{adapter: db, opts: opts, logger: logger.Named("enums")}
}

// EnumTable 枚举表
type EnumTable struct {
	Name        string
	RowCount    int64
	KeyColumn   string
	ValueColumn string
	Confidence  float64
}

// DetectEnumTables 检测码表：行数少，带 code/name 这样的列组合
func (e *EnumDetector) DetectEnumTables(ctx context.Context, meta *adapter.SchemaMetadata) []EnumTable {
	var enumTables []EnumTable

	for _, table := range meta.Tables {
		rowCount := table.RowCount
		if rowCount <= 0 {
			n, err := e.adapter.EstimateRowCount(ctx, table)
			if err != nil {
				continue
			}
			rowCount = n
		}

		// 枚举表特征：行数少（< 1000）
		if rowCount <= 0 || rowCount > 1000 {
			continue
		}

		// 检查列结构：需要有 code/id 和 name/label 这样的组合
		keyCol, valueCol := e.findEnumColumns(table.Columns)
		if keyCol == "" {
			continue
		}

		confidence := e.calculateEnumConfidence(table, rowCount, keyCol, valueCol)
		if confidence > 0.6 {
			enumTables = append(enumTables, EnumTable{
				Name:        table.QualifiedName(),
				RowCount:    rowCount,
				KeyColumn:   keyCol,
				ValueColumn: valueCol,
				Confidence:  confidence,
			})
		}
	}

	return enumTables
}

// SampleValues 采样低基数的字符列，返回可写入图谱的值节点。
// 码表的值列总是采样；其他列仅在不同值足够少时保留。
func (e *EnumDetector) SampleValues(ctx context.Context, meta *adapter.SchemaMetadata, enums []EnumTable) ([]graph.ValueSpec, error) {
	force := make(map[string]bool, len(enums))
	for _, et := range enums {
		if et.ValueColumn != "" {
			force[columnKey(et.Name, et.ValueColumn)] = true
		}
	}

	var values []graph.ValueSpec
	for _, table := range meta.Tables {
		for _, col := range table.Columns {
			key := columnKey(table.QualifiedName(), col.Name)
			if !force[key] && !e.isCandidate(col) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			stats, err := e.adapter.SampleColumnStats(ctx, table, col.Name, e.opts.SampleSize)
			if err != nil {
				e.logger.Warn("sample column failed", zap.String("column", key), zap.Error(err))
				continue
			}
			if stats.DistinctCount == 0 || (!force[key] && stats.DistinctCount > e.opts.MaxDistinct) {
				continue
			}
			for _, v := range stats.TopValues {
				if strings.TrimSpace(v.Value) == "" {
					continue
				}
				values = append(values, graph.ValueSpec{
					Table:     table.QualifiedName(),
					Column:    col.Name,
					Value:     v.Value,
					Frequency: v.Count,
				})
			}
		}
	}
	e.logger.Info("values sampled", zap.Int("values", len(values)))
	return values, nil
}

// isCandidate 非主键的短字符列
func (e *EnumDetector) isCandidate(col adapter.Column) bool {
	if col.IsPrimaryKey || !isStringType(col.DataType) {
		return false
	}
	return e.opts.MaxLength < 0 || col.Length <= 0 || col.Length <= e.opts.MaxLength
}

// findEnumColumns 查找枚举列
func (e *EnumDetector) findEnumColumns(columns []adapter.Column) (keyCol, valueCol string) {
	keyPatterns := []string{"code", "id", "key", "type"}
	valuePatterns := []string{"name", "label", "desc", "description", "value"}

	for _, col := range columns {
		colLower := strings.ToLower(col.Name)

		// 查找 key 列
		if keyCol == "" {
			for _, pattern := range keyPatterns {
				if strings.Contains(colLower, pattern) {
					keyCol = col.Name
					break
				}
			}
		}

		// 查找 value 列
		if valueCol == "" && isStringType(col.DataType) {
			for _, pattern := range valuePatterns {
				if strings.Contains(colLower, pattern) {
					valueCol = col.Name
					break
				}
			}
		}
	}

	return
}

// calculateEnumConfidence 计算枚举表置信度
func (e *EnumDetector) calculateEnumConfidence(table adapter.Table, rowCount int64, keyCol, valueCol string) float64 {
	score := 0.0

	// 行数少加分
	switch {
	case rowCount < 100:
		score += 0.4
	case rowCount < 500:
		score += 0.3
	default:
		score += 0.2
	}

	// 有 key 和 value 列加分
	if keyCol != "" && valueCol != "" {
		score += 0.4
	} else if keyCol != "" {
		score += 0.2
	}

	// 列数少加分（典型枚举表列数 2-5）
	if len(table.Columns) <= 5 {
		score += 0.2
	}

	return score
}

func isStringType(t string) bool {
	return graph.TypesCompatible(t, "varchar") || strings.HasPrefix(strings.ToLower(t), "enum(")
}
