package renderer

import (
	"fmt"
	"strings"
	"unicode"

	"schema-retriever/internal/graph"
	"schema-retriever/internal/pruner"
)

// MermaidRenderer Mermaid ER 图渲染器
type MermaidRenderer struct{}

// NewMermaidRenderer 创建渲染器
func NewMermaidRenderer() *MermaidRenderer {
	return &MermaidRenderer{}
}

// Render 渲染为 Mermaid 格式
func (m *MermaidRenderer) Render(s *pruner.PrunedSchema) string {
	var sb strings.Builder

	sb.WriteString("erDiagram\n")

	for i := range s.Tables {
		t := &s.Tables[i]
		sb.WriteString(fmt.Sprintf("    %s {\n", mermaidName(t.QualifiedName())))
		for _, c := range t.Columns {
			var keys []string
			if c.IsPrimaryKey {
				keys = append(keys, "PK")
			}
			if c.IsForeignKey {
				keys = append(keys, "FK")
			}
			def := fmt.Sprintf("        %s %s", mermaidType(c.DataType), mermaidName(c.Name))
			if len(keys) > 0 {
				def += " " + strings.Join(keys, ",")
			}
			sb.WriteString(def + "\n")
		}
		sb.WriteString("    }\n")
	}

	if len(s.Joins) > 0 {
		sb.WriteString("\n")
	}

	// 被引用表在左，虚线表示推断关系
	for _, j := range s.Joins {
		relType := "||--o{"
		if j.Type == graph.EdgeTypeInferredFK {
			relType = "||..o{"
		}
		sb.WriteString(fmt.Sprintf("    %s %s %s : \"%s\"\n",
			mermaidName(j.ToTable), relType, mermaidName(j.FromTable), j.FromColumn))
	}

	return sb.String()
}

// mermaidType 去掉长度与精度，decimal(10,2) 渲染为 decimal
func mermaidType(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	t = strings.Join(strings.Fields(t), "_")
	if t == "" {
		return "unknown"
	}
	return t
}

// mermaidName 实体名只保留字母数字与下划线
func mermaidName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return '_'
	}, name)
}
