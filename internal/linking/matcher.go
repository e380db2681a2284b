// Package linking 把问题中的词条链接到图谱节点
package linking

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/graph"
)

// Method 匹配方式
type Method string

const (
	MethodExact   Method = "exact"
	MethodSynonym Method = "synonym"
	MethodFuzzy   Method = "fuzzy"
	MethodValue   Method = "value"
)

// Term 候选词条
type Term struct {
	Text   string `json:"text"`
	Quoted bool   `json:"quoted,omitempty"`
	POS    string `json:"pos,omitempty"`
}

// CandidateMatch 词条与节点的一次匹配。
// Table 为节点所属表（概念为 -1），Column 为节点对应列（表与概念为 -1）。
type CandidateMatch struct {
	Term       string         `json:"term"`
	TermIndex  int            `json:"term_index"`
	Node       graph.NodeRef  `json:"node"`
	Name       string         `json:"name"`
	Method     Method         `json:"method"`
	Confidence float64        `json:"confidence"`
	Table      graph.TableID  `json:"table"`
	Column     graph.ColumnID `json:"column"`
}

// Config 匹配参数
type Config struct {
	FuzzyThreshold    float64 // 必填，没有内置默认值
	SynonymConfidence float64
	ValueDiscount     float64
	MinConfidence     float64
	MinFuzzyLength    int
}

// DefaultConfig 除模糊阈值外的默认参数
func DefaultConfig(fuzzyThreshold float64) Config {
	return Config{
		FuzzyThreshold:    fuzzyThreshold,
		SynonymConfidence: 0.95,
		ValueDiscount:     0.7,
		MinConfidence:     0.5,
		MinFuzzyLength:    3,
	}
}

// Validate 检查参数范围
func (c Config) Validate() error {
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be in (0,1], got %v", c.FuzzyThreshold)
	}
	if c.SynonymConfidence <= 0 || c.SynonymConfidence > 1 {
		return fmt.Errorf("synonym confidence must be in (0,1], got %v", c.SynonymConfidence)
	}
	if c.ValueDiscount <= 0 || c.ValueDiscount > 1 {
		return fmt.Errorf("value discount must be in (0,1], got %v", c.ValueDiscount)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1], got %v", c.MinConfidence)
	}
	return nil
}

// Matcher 实体匹配器，无状态，可并发使用
type Matcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewMatcher 创建匹配器
func NewMatcher(cfg Config, logger *zap.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{cfg: cfg, logger: logger.Named("linking")}, nil
}

// 精确、同义词、模糊阶段参与匹配的节点类型
var schemaKinds = []graph.NodeKind{graph.KindTable, graph.KindColumn, graph.KindConcept}

// Match 对每个词条按 精确 → 同义词 → 模糊 → 值 的顺序取第一个有不低于 MinConfidence 结果的阶段；
// 引号词条先尝试值匹配。没有任何匹配时返回 ErrNoEntityMatched。
func (m *Matcher) Match(g graph.Reader, terms []Term) ([]CandidateMatch, error) {
	best := make(map[matchKey]CandidateMatch)

	for i, term := range terms {
		key := graph.NormalizeName(term.Text)
		if key == "" {
			continue
		}

		stages := []func(graph.Reader, Term, int) []CandidateMatch{
			m.exact, m.synonym, m.fuzzy, m.value,
		}
		if term.Quoted {
			stages = []func(graph.Reader, Term, int) []CandidateMatch{
				m.value, m.exact, m.synonym, m.fuzzy,
			}
		}

		for _, stage := range stages {
			kept := 0
			for _, c := range stage(g, term, i) {
				// 低于置信度下限的候选不算命中，继续下一阶段
				if c.Confidence < m.cfg.MinConfidence {
					continue
				}
				kept++
				k := matchKey{term: key, node: c.Node}
				if prev, ok := best[k]; !ok || c.Confidence > prev.Confidence {
					best[k] = c
				}
			}
			if kept > 0 {
				break
			}
		}
	}

	out := make([]CandidateMatch, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sortMatches(out)

	if len(out) == 0 {
		m.logger.Debug("no entity matched", zap.Int("terms", len(terms)))
		return nil, apperrors.ErrNoEntityMatched
	}

	m.logger.Debug("entities matched",
		zap.Int("terms", len(terms)),
		zap.Int("matches", len(out)))
	return out, nil
}

type matchKey struct {
	term string
	node graph.NodeRef
}

// sortMatches 置信度降序，同分按粒度（列 > 表 > 概念 > 值），再按词条顺序与节点 id
func sortMatches(ms []CandidateMatch) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if sa, sb := a.Node.Kind.Specificity(), b.Node.Kind.Specificity(); sa != sb {
			return sa > sb
		}
		if a.TermIndex != b.TermIndex {
			return a.TermIndex < b.TermIndex
		}
		if a.Node.Kind != b.Node.Kind {
			return a.Node.Kind < b.Node.Kind
		}
		return a.Node.ID < b.Node.ID
	})
}

func (m *Matcher) exact(g graph.Reader, term Term, idx int) []CandidateMatch {
	var out []CandidateMatch
	for _, kind := range schemaKinds {
		for _, ref := range g.NodesByExactName(kind, term.Text) {
			out = append(out, candidate(g, term, idx, ref, MethodExact, 1.0))
		}
	}
	return out
}

func (m *Matcher) synonym(g graph.Reader, term Term, idx int) []CandidateMatch {
	class := g.SynonymClass(term.Text)
	if len(class) == 0 {
		return nil
	}
	self := graph.NormalizeName(term.Text)

	var out []CandidateMatch
	for _, member := range class {
		if member == self {
			continue
		}
		for _, kind := range schemaKinds {
			for _, ref := range g.NodesByExactName(kind, member) {
				out = append(out, candidate(g, term, idx, ref, MethodSynonym, m.cfg.SynonymConfidence))
			}
		}
	}
	return out
}

func (m *Matcher) fuzzy(g graph.Reader, term Term, idx int) []CandidateMatch {
	if utf8.RuneCountInString(graph.NormalizeName(term.Text)) < m.cfg.MinFuzzyLength {
		return nil
	}

	var out []CandidateMatch
	for _, kind := range schemaKinds {
		for _, hit := range g.FuzzyMatch(term.Text, kind, m.cfg.FuzzyThreshold) {
			c := candidate(g, term, idx, hit.Node, MethodFuzzy, hit.Score)
			out = append(out, c)
		}
	}
	return out
}

func (m *Matcher) value(g graph.Reader, term Term, idx int) []CandidateMatch {
	hits := g.ValueLookup(term.Text)
	out := make([]CandidateMatch, 0, len(hits))
	for _, hit := range hits {
		v := g.Value(hit.Value)
		out = append(out, CandidateMatch{
			Term:       term.Text,
			TermIndex:  idx,
			Node:       graph.NodeRef{Kind: graph.KindValue, ID: int32(hit.Value)},
			Name:       v.Value,
			Method:     MethodValue,
			Confidence: m.cfg.ValueDiscount,
			Table:      hit.Table,
			Column:     hit.Column,
		})
	}
	return out
}

// candidate 补全节点名称以及所属表、列
func candidate(g graph.Reader, term Term, idx int, ref graph.NodeRef, method Method, conf float64) CandidateMatch {
	c := CandidateMatch{
		Term:       term.Text,
		TermIndex:  idx,
		Node:       ref,
		Method:     method,
		Confidence: conf,
		Table:      -1,
		Column:     -1,
	}
	switch ref.Kind {
	case graph.KindTable:
		t := g.Table(graph.TableID(ref.ID))
		c.Name = t.QualifiedName()
		c.Table = t.ID
	case graph.KindColumn:
		col := g.Column(graph.ColumnID(ref.ID))
		t := g.Table(col.Table)
		c.Name = t.Name + "." + col.Name
		c.Table = t.ID
		c.Column = col.ID
	case graph.KindConcept:
		c.Name = g.Concept(graph.ConceptID(ref.ID)).Term
	}
	return c
}
