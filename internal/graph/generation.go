package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Version 标识一个图谱快照：Generation 随全量重建递增，Revision 随概念/同义词追加递增
type Version struct {
	Generation uint64 `json:"generation"`
	Revision   uint64 `json:"revision"`
}

// Less 按 (Generation, Revision) 字典序比较
func (v Version) Less(o Version) bool {
	if v.Generation != o.Generation {
		return v.Generation < o.Generation
	}
	return v.Revision < o.Revision
}

func (v Version) String() string {
	return fmt.Sprintf("g%d.r%d", v.Generation, v.Revision)
}

// Reader 检索核心对图谱的只读访问
type Reader interface {
	Version() Version

	NodesByExactName(kind NodeKind, name string) []NodeRef
	SynonymClass(term string) []string
	FuzzyMatch(term string, kind NodeKind, threshold float64) []ScoredNode
	Neighbors(id TableID) []Neighbor
	ValueLookup(literal string) []ValueHit

	Table(id TableID) *TableNode
	Column(id ColumnID) *ColumnNode
	Concept(id ConceptID) *ConceptNode
	Value(id ValueID) *ValueNode
	Relation(id RelationID) *RelationEdge
	TableIDs() []TableID
	ColumnValues(id ColumnID) []ValueNode
	ConceptWeight(id ColumnID) float64
}

// Generation 一代不可变的图谱快照。
// 所有节点与边存放在以整数下标寻址的 arena 中，发布后只读，可被任意多个 goroutine 并发访问。
// 返回的指针指向 arena 内部，调用方不得修改。
type Generation struct {
	version Version

	tables    []TableNode
	columns   []ColumnNode
	relations []RelationEdge
	values    []ValueNode
	concepts  []ConceptNode

	// 结构索引，概念追加时在新旧快照间共享
	tableIndex     map[string][]TableID
	columnIndex    map[string][]ColumnID
	valueIndex     map[string][]ValueID
	valuesByColumn map[ColumnID][]ValueID
	adjacency      [][]RelationID

	// 语义索引，概念/同义词追加时重建
	conceptIndex  map[string][]ConceptID
	conceptWeight map[ColumnID]float64
	synonymGroups [][]string
	synonyms      *synonymIndex

	vocabOnce  sync.Once
	vocabulary []string
}

var _ Reader = (*Generation)(nil)

// Version 快照版本
func (g *Generation) Version() Version { return g.version }

// Table 按 id 取表，越界返回 nil
func (g *Generation) Table(id TableID) *TableNode {
	if id < 0 || int(id) >= len(g.tables) {
		return nil
	}
	return &g.tables[id]
}

// Column 按 id 取列
func (g *Generation) Column(id ColumnID) *ColumnNode {
	if id < 0 || int(id) >= len(g.columns) {
		return nil
	}
	return &g.columns[id]
}

// Concept 按 id 取概念
func (g *Generation) Concept(id ConceptID) *ConceptNode {
	if id < 0 || int(id) >= len(g.concepts) {
		return nil
	}
	return &g.concepts[id]
}

// Value 按 id 取值节点
func (g *Generation) Value(id ValueID) *ValueNode {
	if id < 0 || int(id) >= len(g.values) {
		return nil
	}
	return &g.values[id]
}

// Relation 按 id 取关系边
func (g *Generation) Relation(id RelationID) *RelationEdge {
	if id < 0 || int(id) >= len(g.relations) {
		return nil
	}
	return &g.relations[id]
}

// TableIDs 全部表 id，升序
func (g *Generation) TableIDs() []TableID {
	ids := make([]TableID, len(g.tables))
	for i := range g.tables {
		ids[i] = TableID(i)
	}
	return ids
}

// Stats 节点与边数量
func (g *Generation) Stats() map[string]int {
	return map[string]int{
		"tables":    len(g.tables),
		"columns":   len(g.columns),
		"relations": len(g.relations),
		"concepts":  len(g.concepts),
		"values":    len(g.values),
	}
}

// NodesByExactName 大小写不敏感的精确名称匹配
func (g *Generation) NodesByExactName(kind NodeKind, name string) []NodeRef {
	key := NormalizeName(name)
	if key == "" {
		return nil
	}

	var refs []NodeRef
	switch kind {
	case KindTable:
		for _, id := range g.tableIndex[key] {
			refs = append(refs, NodeRef{Kind: KindTable, ID: int32(id)})
		}
	case KindColumn:
		for _, id := range g.columnIndex[key] {
			refs = append(refs, NodeRef{Kind: KindColumn, ID: int32(id)})
		}
	case KindConcept:
		for _, id := range g.conceptIndex[key] {
			refs = append(refs, NodeRef{Kind: KindConcept, ID: int32(id)})
		}
	}
	return refs
}

// SynonymClass 返回 term 所在同义词类的全部成员（含 term 本身的归一形式），无类时返回 nil
func (g *Generation) SynonymClass(term string) []string {
	return g.synonyms.class(NormalizeName(term))
}

// FuzzyMatch 对指定类型的节点名做相似度匹配，只返回不低于 threshold 的结果
func (g *Generation) FuzzyMatch(term string, kind NodeKind, threshold float64) []ScoredNode {
	needle := []rune(NormalizeName(term))
	if len(needle) == 0 {
		return nil
	}

	var out []ScoredNode
	consider := func(ref NodeRef, name string) {
		score := similarityRunes(needle, []rune(NormalizeName(name)))
		if score >= threshold {
			out = append(out, ScoredNode{Node: ref, Name: name, Score: score})
		}
	}

	switch kind {
	case KindTable:
		for i := range g.tables {
			consider(NodeRef{Kind: KindTable, ID: int32(i)}, g.tables[i].Name)
		}
	case KindColumn:
		for i := range g.columns {
			consider(NodeRef{Kind: KindColumn, ID: int32(i)}, g.columns[i].Name)
		}
	case KindConcept:
		for i := range g.concepts {
			// 同一概念只保留得分最高的名称
			best := ScoredNode{Score: -1}
			for _, name := range append([]string{g.concepts[i].Term}, g.concepts[i].Synonyms...) {
				score := similarityRunes(needle, []rune(NormalizeName(name)))
				if score > best.Score {
					best = ScoredNode{Node: NodeRef{Kind: KindConcept, ID: int32(i)}, Name: name, Score: score}
				}
			}
			if best.Score >= threshold {
				out = append(out, best)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// Neighbors 与表相连的全部关系（无向），按静态权重、边 id 升序
func (g *Generation) Neighbors(id TableID) []Neighbor {
	if id < 0 || int(id) >= len(g.adjacency) {
		return nil
	}
	rels := g.adjacency[id]
	out := make([]Neighbor, 0, len(rels))
	for _, rid := range rels {
		edge := &g.relations[rid]
		other := edge.Other(id)
		if other < 0 {
			continue
		}
		out = append(out, Neighbor{Edge: edge, Table: &g.tables[other]})
	}
	return out
}

// ValueLookup 按字面值查找采样值，按频次降序
func (g *Generation) ValueLookup(literal string) []ValueHit {
	ids := g.valueIndex[normalizeLiteral(literal)]
	if len(ids) == 0 {
		return nil
	}
	hits := make([]ValueHit, 0, len(ids))
	for _, id := range ids {
		v := &g.values[id]
		hits = append(hits, ValueHit{
			Value:     v.ID,
			Column:    v.Column,
			Table:     g.columns[v.Column].Table,
			Frequency: v.Frequency,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Frequency != hits[j].Frequency {
			return hits[i].Frequency > hits[j].Frequency
		}
		return hits[i].Value < hits[j].Value
	})
	return hits
}

// ColumnValues 列上的采样值，按频次降序
func (g *Generation) ColumnValues(id ColumnID) []ValueNode {
	ids := g.valuesByColumn[id]
	out := make([]ValueNode, 0, len(ids))
	for _, vid := range ids {
		out = append(out, g.values[vid])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ConceptWeight 映射到该列的概念中最大的语义权重，没有概念时为 0
func (g *Generation) ConceptWeight(id ColumnID) float64 {
	return g.conceptWeight[id]
}

// Vocabulary 分词用词表：表名、列名、概念词、同义词与采样值，去重排序
func (g *Generation) Vocabulary() []string {
	g.vocabOnce.Do(func() {
		seen := make(map[string]bool)
		add := func(s string) {
			if s != "" && !seen[s] {
				seen[s] = true
			}
		}
		for i := range g.tables {
			add(g.tables[i].Name)
		}
		for i := range g.columns {
			add(g.columns[i].Name)
		}
		for i := range g.concepts {
			add(g.concepts[i].Term)
			for _, s := range g.concepts[i].Synonyms {
				add(s)
			}
		}
		for _, group := range g.synonymGroups {
			for _, s := range group {
				add(s)
			}
		}
		for i := range g.values {
			add(g.values[i].Value)
		}
		words := make([]string, 0, len(seen))
		for w := range seen {
			words = append(words, w)
		}
		sort.Strings(words)
		g.vocabulary = words
	})
	return g.vocabulary
}

// resolveTable 按名称（可带 schema 前缀）定位表；不带前缀的表名在多个 schema 中出现时报歧义
func (g *Generation) resolveTable(name string) (TableID, error) {
	ids := g.tableIndex[NormalizeName(name)]
	switch len(ids) {
	case 0:
		return -1, fmt.Errorf("table %q not found", name)
	case 1:
		return ids[0], nil
	}
	// 没有 schema 的表独占不带前缀的名称
	var bare []TableID
	for _, id := range ids {
		if g.tables[id].Schema == "" {
			bare = append(bare, id)
		}
	}
	if len(bare) == 1 {
		return bare[0], nil
	}
	qualified := make([]string, len(ids))
	for i, id := range ids {
		qualified[i] = g.tables[id].QualifiedName()
	}
	return -1, fmt.Errorf("table %q is ambiguous (%s), qualify it with a schema", name, strings.Join(qualified, ", "))
}

// resolveColumn 按表名与列名定位列
func (g *Generation) resolveColumn(table, column string) (ColumnID, error) {
	tid, err := g.resolveTable(table)
	if err != nil {
		return -1, err
	}
	key := NormalizeName(column)
	for _, cid := range g.tables[tid].Columns {
		if NormalizeName(g.columns[cid].Name) == key {
			return cid, nil
		}
	}
	return -1, fmt.Errorf("column %q not found in table %q", column, table)
}

// indexTables 建立表名索引，表名与 schema 限定名各一项
func (g *Generation) indexTables() {
	g.tableIndex = make(map[string][]TableID, len(g.tables)*2)
	for i := range g.tables {
		t := &g.tables[i]
		g.tableIndex[NormalizeName(t.Name)] = append(g.tableIndex[NormalizeName(t.Name)], t.ID)
		if t.Schema != "" {
			q := NormalizeName(t.QualifiedName())
			g.tableIndex[q] = append(g.tableIndex[q], t.ID)
		}
	}
}

// indexStructure 建立列、值与邻接索引，需在关系与值解析完成后调用
func (g *Generation) indexStructure() {
	g.columnIndex = make(map[string][]ColumnID, len(g.columns))
	for i := range g.columns {
		key := NormalizeName(g.columns[i].Name)
		g.columnIndex[key] = append(g.columnIndex[key], g.columns[i].ID)
	}

	g.valueIndex = make(map[string][]ValueID, len(g.values))
	g.valuesByColumn = make(map[ColumnID][]ValueID)
	for i := range g.values {
		v := &g.values[i]
		key := normalizeLiteral(v.Value)
		g.valueIndex[key] = append(g.valueIndex[key], v.ID)
		g.valuesByColumn[v.Column] = append(g.valuesByColumn[v.Column], v.ID)
	}

	g.adjacency = make([][]RelationID, len(g.tables))
	for i := range g.relations {
		e := &g.relations[i]
		g.adjacency[e.From] = append(g.adjacency[e.From], e.ID)
		if e.To != e.From {
			g.adjacency[e.To] = append(g.adjacency[e.To], e.ID)
		}
	}
	for _, rels := range g.adjacency {
		sort.SliceStable(rels, func(i, j int) bool {
			a, b := &g.relations[rels[i]], &g.relations[rels[j]]
			if a.Weight != b.Weight {
				return a.Weight < b.Weight
			}
			return a.ID < b.ID
		})
	}
}

// indexSemantics 建立概念与同义词索引；概念词与其同义词并入同一同义词类
func (g *Generation) indexSemantics() {
	g.conceptIndex = make(map[string][]ConceptID, len(g.concepts))
	g.conceptWeight = make(map[ColumnID]float64)
	groups := make([][]string, 0, len(g.synonymGroups)+len(g.concepts))
	groups = append(groups, g.synonymGroups...)
	for i := range g.concepts {
		c := &g.concepts[i]
		key := NormalizeName(c.Term)
		g.conceptIndex[key] = append(g.conceptIndex[key], c.ID)
		for _, t := range c.Targets {
			if t.Weight > g.conceptWeight[t.Column] {
				g.conceptWeight[t.Column] = t.Weight
			}
		}
		if len(c.Synonyms) > 0 {
			groups = append(groups, append([]string{c.Term}, c.Synonyms...))
		}
	}
	g.synonyms = newSynonymIndex(groups)
}

// derive 以写时复制方式派生新快照：结构 arena 与索引共享，语义部分重建
func (g *Generation) derive(concepts []ConceptNode, synonymGroups [][]string) *Generation {
	next := &Generation{
		version:        Version{Generation: g.version.Generation, Revision: g.version.Revision + 1},
		tables:         g.tables,
		columns:        g.columns,
		relations:      g.relations,
		values:         g.values,
		concepts:       concepts,
		tableIndex:     g.tableIndex,
		columnIndex:    g.columnIndex,
		valueIndex:     g.valueIndex,
		valuesByColumn: g.valuesByColumn,
		adjacency:      g.adjacency,
		synonymGroups:  synonymGroups,
	}
	next.indexSemantics()
	return next
}
