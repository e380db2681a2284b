package renderer

import (
	"fmt"
	"strings"

	"schema-retriever/internal/graph"
	"schema-retriever/internal/pruner"
)

// MarkdownRenderer 剪枝结果的 Markdown 摘要，供调试与 link 命令输出
type MarkdownRenderer struct{}

// NewMarkdownRenderer 创建渲染器
func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{}
}

// Render 渲染为 Markdown 格式
func (m *MarkdownRenderer) Render(s *pruner.PrunedSchema) string {
	var sb strings.Builder

	sb.WriteString("## 数据库结构摘要\n\n")
	sb.WriteString(fmt.Sprintf("图谱版本: `%s`", s.Version))
	if s.Truncated {
		sb.WriteString(" · 已按预算裁剪")
	}
	if s.Disconnected {
		sb.WriteString(" · 部分表之间没有连接路径")
	}
	sb.WriteString("\n\n")

	sb.WriteString("### 相关表\n\n")
	for i := range s.Tables {
		t := &s.Tables[i]
		line := fmt.Sprintf("- **%s** (得分 %.2f", t.QualifiedName(), t.Score)
		if t.Seed {
			line += ", 命中"
		} else {
			line += fmt.Sprintf(", 距离 %d", t.Distance)
		}
		line += ")"
		if t.Comment != "" {
			line += ": " + t.Comment
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")

	for i := range s.Tables {
		m.renderTable(&sb, &s.Tables[i])
	}

	if hints := JoinHints(s); len(hints) > 0 {
		sb.WriteString("### JOIN 提示\n\n")
		for _, h := range hints {
			sb.WriteString("- " + h + "\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// renderTable 渲染单表的列
func (m *MarkdownRenderer) renderTable(sb *strings.Builder, t *pruner.PrunedTable) {
	sb.WriteString(fmt.Sprintf("#### %s\n\n", t.QualifiedName()))
	sb.WriteString("| 列名 | 类型 | 可空 | 主键 | 外键 | 命中 | 示例值 |\n")
	sb.WriteString("|------|------|------|------|------|------|--------|\n")

	for _, c := range t.Columns {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s | %s |\n",
			c.Name,
			c.DataType,
			yesNo(c.Nullable),
			check(c.IsPrimaryKey),
			check(c.IsForeignKey),
			check(c.Matched),
			strings.Join(c.SampleValues, ", "),
		))
	}
	sb.WriteString("\n")
}

// JoinHints 每条连接条件一句提示，也作为生成请求的附加上下文
func JoinHints(s *pruner.PrunedSchema) []string {
	hints := make([]string, 0, len(s.Joins))
	for _, j := range s.Joins {
		hint := fmt.Sprintf("To join %s with %s: %s", j.FromTable, j.ToTable, j.String())
		if j.Type == graph.EdgeTypeInferredFK {
			hint += fmt.Sprintf(" (inferred, confidence %.2f)", j.Confidence)
		}
		hints = append(hints, hint)
	}
	return hints
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}

func check(b bool) string {
	if b {
		return "✓"
	}
	return ""
}
