package renderer

import (
	"fmt"
	"strings"

	"schema-retriever/internal/graph"
	"schema-retriever/internal/pruner"
)

// DDLRenderer 把剪枝结果渲染成提示词里的建表语句
type DDLRenderer struct{}

// NewDDLRenderer 创建渲染器
func NewDDLRenderer() *DDLRenderer {
	return &DDLRenderer{}
}

// Render 每张表一段 CREATE TABLE，外键以注释形式跟在表后
func (r *DDLRenderer) Render(s *pruner.PrunedSchema) string {
	var sb strings.Builder

	for i := range s.Tables {
		t := &s.Tables[i]
		name := t.QualifiedName()

		if t.Comment != "" {
			sb.WriteString(fmt.Sprintf("-- Table: %s (%s)\n", name, t.Comment))
		} else {
			sb.WriteString(fmt.Sprintf("-- Table: %s\n", name))
		}
		sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", name))

		for j, c := range t.Columns {
			def := fmt.Sprintf("  %s %s", c.Name, strings.ToUpper(c.DataType))
			if c.IsPrimaryKey {
				def += " PRIMARY KEY"
			}
			if !c.Nullable && !c.IsPrimaryKey {
				def += " NOT NULL"
			}
			if j < len(t.Columns)-1 {
				def += ","
			}
			if note := columnNote(c); note != "" {
				def += "  -- " + note
			}
			sb.WriteString(def + "\n")
		}
		sb.WriteString(");\n")

		for _, j := range s.Joins {
			if j.FromTable != name {
				continue
			}
			label := "Foreign Key"
			if j.Type == graph.EdgeTypeInferredFK {
				label = "Foreign Key (inferred)"
			}
			sb.WriteString(fmt.Sprintf("-- %s: %s.%s -> %s.%s\n", label, j.FromTable, j.FromColumn, j.ToTable, j.ToColumn))
		}
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// columnNote 列注释与示例值
func columnNote(c pruner.PrunedColumn) string {
	var parts []string
	if c.Comment != "" {
		parts = append(parts, c.Comment)
	}
	if len(c.SampleValues) > 0 {
		quoted := make([]string, len(c.SampleValues))
		for i, v := range c.SampleValues {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		parts = append(parts, "e.g. "+strings.Join(quoted, ", "))
	}
	return strings.Join(parts, "; ")
}

// DDLSizeEstimator 以渲染后的 DDL 字节数作为 schema 大小
type DDLSizeEstimator struct {
	r *DDLRenderer
}

// NewDDLSizeEstimator 创建估算器
func NewDDLSizeEstimator() *DDLSizeEstimator {
	return &DDLSizeEstimator{r: NewDDLRenderer()}
}

// EstimateSize 实现 pruner.SizeEstimator
func (e *DDLSizeEstimator) EstimateSize(s *pruner.PrunedSchema) int {
	return len(e.r.Render(s))
}
