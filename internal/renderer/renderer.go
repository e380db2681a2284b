// Package renderer 把剪枝后的 schema 渲染成提示词、数据字典或 ER 图
package renderer

import (
	"fmt"
	"strings"

	"schema-retriever/internal/pruner"
)

// Renderer 剪枝结果的文本形式
type Renderer interface {
	Render(s *pruner.PrunedSchema) string
}

// Formats 支持的输出格式
var Formats = []string{"ddl", "markdown", "mermaid"}

// ByFormat 按名称选择渲染器，大小写不敏感，md 是 markdown 的别名
func ByFormat(format string) (Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "ddl", "sql":
		return NewDDLRenderer(), nil
	case "markdown", "md":
		return NewMarkdownRenderer(), nil
	case "mermaid", "er":
		return NewMermaidRenderer(), nil
	default:
		return nil, fmt.Errorf("unknown format %q, want one of %s", format, strings.Join(Formats, ", "))
	}
}
