package analyzer

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"schema-retriever/internal/graph"
)

// conceptFile concepts.yaml 顶层结构
type conceptFile struct {
	Concepts []conceptEntry `yaml:"concepts"`
}

// conceptEntry 单个业务概念。term 与 name 等价，targets 与 related_columns 等价。
type conceptEntry struct {
	Term           string        `yaml:"term"`
	Name           string        `yaml:"name"`
	Description    string        `yaml:"description"`
	Calculation    string        `yaml:"calculation"`
	Targets        []targetEntry `yaml:"targets"`
	RelatedColumns []targetEntry `yaml:"related_columns"`
	Synonyms       []string      `yaml:"synonyms"`
}

// targetEntry 既可以是 "table.column" 字符串，也可以是 {table, column, weight} 映射
type targetEntry graph.TargetSpec

// UnmarshalYAML 解析两种写法
func (t *targetEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		spec, err := ParseTarget(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*t = targetEntry(spec)
		return nil
	case yaml.MappingNode:
		var raw struct {
			Table  string  `yaml:"table"`
			Column string  `yaml:"column"`
			Weight float64 `yaml:"weight"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Table == "" && strings.Contains(raw.Column, ".") {
			spec, err := ParseTarget(raw.Column)
			if err != nil {
				return fmt.Errorf("line %d: %w", node.Line, err)
			}
			raw.Table, raw.Column = spec.Table, spec.Column
		}
		if raw.Table == "" || raw.Column == "" {
			return fmt.Errorf("line %d: target needs table and column", node.Line)
		}
		*t = targetEntry{Table: raw.Table, Column: raw.Column, Weight: raw.Weight}
		return nil
	default:
		return fmt.Errorf("line %d: unsupported target", node.Line)
	}
}

// ParseTarget 解析 [schema.]table.column[:weight]
func ParseTarget(s string) (graph.TargetSpec, error) {
	s = strings.TrimSpace(s)
	var weight float64
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		w, err := strconv.ParseFloat(strings.TrimSpace(s[i+1:]), 64)
		if err != nil {
			return graph.TargetSpec{}, fmt.Errorf("invalid target weight in %q", s)
		}
		weight, s = w, strings.TrimSpace(s[:i])
	}
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return graph.TargetSpec{}, fmt.Errorf("invalid target %q, want table.column", s)
	}
	return graph.TargetSpec{Table: s[:dot], Column: s[dot+1:], Weight: weight}, nil
}

// ParseConcepts 解析概念文件内容
func ParseConcepts(data []byte) ([]graph.ConceptSpec, error) {
	var f conceptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse concepts: %w", err)
	}

	specs := make([]graph.ConceptSpec, 0, len(f.Concepts))
	for i, c := range f.Concepts {
		term := c.Term
		if term == "" {
			term = c.Name
		}
		if strings.TrimSpace(term) == "" {
			return nil, fmt.Errorf("concept #%d: missing term", i+1)
		}

		spec := graph.ConceptSpec{
			Term:        term,
			Description: c.Description,
			Synonyms:    c.Synonyms,
		}
		if c.Calculation != "" {
			spec.Description = strings.TrimSpace(spec.Description + " 口径: " + c.Calculation)
		}
		for _, t := range append(c.Targets, c.RelatedColumns...) {
			spec.Targets = append(spec.Targets, graph.TargetSpec(t))
		}
		if len(spec.Targets) == 0 {
			return nil, fmt.Errorf("concept %q: no targets", term)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadConcepts 读取 concepts.yaml
func LoadConcepts(path string) ([]graph.ConceptSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConcepts(data)
}

// ParseSynonyms 解析同义词文件。支持两种写法：
//
//	客户: [用户, 买家, customer]   # 主词到同义词
//	- [订单, 交易, order]          # 同义词组列表
func ParseSynonyms(data []byte) ([][]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse synonyms: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]

	var groups [][]string
	switch doc.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(doc.Content); i += 2 {
			var rest []string
			if err := doc.Content[i+1].Decode(&rest); err != nil {
				return nil, fmt.Errorf("synonyms for %q: %w", doc.Content[i].Value, err)
			}
			groups = appendGroup(groups, append([]string{doc.Content[i].Value}, rest...))
		}
	case yaml.SequenceNode:
		for _, item := range doc.Content {
			var group []string
			if err := item.Decode(&group); err != nil {
				return nil, fmt.Errorf("line %d: %w", item.Line, err)
			}
			groups = appendGroup(groups, group)
		}
	default:
		return nil, fmt.Errorf("parse synonyms: expected mapping or list")
	}
	return groups, nil
}

// LoadSynonyms 读取 synonyms.yaml
func LoadSynonyms(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSynonyms(data)
}

// appendGroup 去掉空词，少于两个词的组丢弃
func appendGroup(groups [][]string, group []string) [][]string {
	out := group[:0]
	for _, w := range group {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	if len(out) < 2 {
		return groups
	}
	return append(groups, out)
}
