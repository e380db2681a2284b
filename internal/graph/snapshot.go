package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document 图谱的可序列化形式，scan 命令输出、服务启动时加载
type Document struct {
	Tables    []TableSpec    `json:"tables" yaml:"tables"`
	Relations []RelationSpec `json:"relations,omitempty" yaml:"relations,omitempty"`
	Concepts  []ConceptSpec  `json:"concepts,omitempty" yaml:"concepts,omitempty"`
	Values    []ValueSpec    `json:"values,omitempty" yaml:"values,omitempty"`
	Synonyms  [][]string     `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// Builder 把文档装入构建器，便于在构建前继续追加概念
func (d *Document) Builder() *Builder {
	b := NewBuilder()
	for _, t := range d.Tables {
		b.AddTable(t)
	}
	for _, r := range d.Relations {
		b.AddRelation(r)
	}
	for _, v := range d.Values {
		b.AddValue(v)
	}
	for _, c := range d.Concepts {
		b.AddConcept(c)
	}
	for _, s := range d.Synonyms {
		b.AddSynonyms(s...)
	}
	return b
}

// Build 构建图谱
func (d *Document) Build() (*Generation, error) {
	return d.Builder().Build()
}

// Document 导出当前快照，包括运行期追加的概念与同义词
func (g *Generation) Document() *Document {
	doc := &Document{}

	for i := range g.tables {
		t := &g.tables[i]
		spec := TableSpec{Name: t.Name, Schema: t.Schema, Comment: t.Comment}
		if t.RowCount > 0 {
			spec.RowCount = t.RowCount
		}
		for _, cid := range t.Columns {
			c := &g.columns[cid]
			spec.Columns = append(spec.Columns, ColumnSpec{
				Name:         c.Name,
				DataType:     c.DataType,
				Nullable:     c.Nullable,
				IsPrimaryKey: c.IsPrimaryKey,
				IsForeignKey: c.IsForeignKey,
				Comment:      c.Comment,
			})
		}
		doc.Tables = append(doc.Tables, spec)
	}

	for i := range g.relations {
		e := &g.relations[i]
		doc.Relations = append(doc.Relations, RelationSpec{
			FromTable:  g.tables[e.From].QualifiedName(),
			FromColumn: g.columns[e.FromColumn].Name,
			ToTable:    g.tables[e.To].QualifiedName(),
			ToColumn:   g.columns[e.ToColumn].Name,
			Type:       e.Type,
			Weight:     e.Weight,
			Confidence: e.Confidence,
		})
	}

	for i := range g.values {
		v := &g.values[i]
		c := &g.columns[v.Column]
		doc.Values = append(doc.Values, ValueSpec{
			Table:     g.tables[c.Table].QualifiedName(),
			Column:    c.Name,
			Value:     v.Value,
			Frequency: v.Frequency,
		})
	}

	for i := range g.concepts {
		c := &g.concepts[i]
		spec := ConceptSpec{Term: c.Term, Description: c.Description, Synonyms: c.Synonyms}
		for _, t := range c.Targets {
			col := &g.columns[t.Column]
			spec.Targets = append(spec.Targets, TargetSpec{
				Table:  g.tables[col.Table].QualifiedName(),
				Column: col.Name,
				Weight: t.Weight,
			})
		}
		doc.Concepts = append(doc.Concepts, spec)
	}

	doc.Synonyms = g.synonymGroups
	return doc
}

// WriteJSON 以缩进 JSON 输出
func (d *Document) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// ReadDocument 读取图谱文件，.yaml/.yml 按 YAML 解析，其余按 JSON
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}

	doc := &Document{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse graph file %s: %w", path, err)
	}
	return doc, nil
}

// WriteDocument 把文档写入文件，格式同 ReadDocument
func WriteDocument(path string, doc *Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode graph file: %w", err)
		}
		return enc.Close()
	default:
		return doc.WriteJSON(f)
	}
}
