// Package retrieval 把匹配到的实体扩展为连通的、与连接相关的子图
package retrieval

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/linking"
)

// Config 检索参数
type Config struct {
	MaxHops   int
	MaxTables int
}

// DefaultConfig 两跳、十张表
func DefaultConfig() Config {
	return Config{
		MaxHops:   2,
		MaxTables: 10,
	}
}

// Validate 范围校验
func (c Config) Validate() error {
	if c.MaxHops < 0 {
		return fmt.Errorf("max hops must be >= 0, got %d", c.MaxHops)
	}
	if c.MaxTables < 1 {
		return fmt.Errorf("max tables must be >= 1, got %d", c.MaxTables)
	}
	return nil
}

// Provenance 表进入子图的来源
type Provenance struct {
	Seed       bool          `json:"seed"`
	Distance   int           `json:"distance"`
	Origin     graph.TableID `json:"origin"`     // 发现该表的种子
	Confidence float64       `json:"confidence"` // 种子置信度，非种子取所属种子的
	Terms      []string      `json:"terms,omitempty"`
}

// Result 检索结果
type Result struct {
	Tables     []graph.TableID               `json:"tables"` // 按 (距离, 置信度降序, id) 排列
	Columns    []graph.ColumnID              `json:"columns"`
	Edges      []graph.RelationID            `json:"edges"`
	Provenance map[graph.TableID]*Provenance `json:"provenance"`
	Seeds      []graph.TableID               `json:"seeds"`
	Connected  bool                          `json:"connected"`
	Truncated  bool                          `json:"truncated"`
}

// Contains 表是否在子图中
func (r *Result) Contains(id graph.TableID) bool {
	_, ok := r.Provenance[id]
	return ok
}

// Retriever 子图检索器，无状态，可并发使用
type Retriever struct {
	cfg    Config
	logger *zap.Logger
}

// NewRetriever 创建检索器
func NewRetriever(cfg Config, logger *zap.Logger) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{cfg: cfg, logger: logger.Named("retrieval")}, nil
}

// Retrieve 从匹配结果出发做多源有界广度优先搜索。
// 各种子的前沿每轮同时推进一跳，关系按无向处理；两棵搜索树相遇时记录相遇边并合并。
// 结果只包含种子以及连接种子的路径上的表，无法连通的种子各自成岛并标记 Connected=false。
func (r *Retriever) Retrieve(g graph.Reader, matches []linking.CandidateMatch) (*Result, error) {
	seeds := Seeds(g, matches)
	if len(seeds) == 0 {
		return nil, apperrors.ErrNoEntityMatched
	}

	res := &Result{
		Provenance: make(map[graph.TableID]*Provenance, len(seeds)),
		Connected:  true,
	}
	for _, s := range seeds {
		res.Seeds = append(res.Seeds, s.Table)
		res.Provenance[s.Table] = &Provenance{
			Seed:       true,
			Origin:     s.Table,
			Confidence: s.Confidence,
			Terms:      s.Terms,
		}
	}

	if len(seeds) > 1 {
		r.expand(g, seeds, res)
	}

	r.truncate(res)
	res.Columns = relevantColumns(g, matches, res)
	if res.Truncated {
		res.Connected = seedsConnected(g, res)
	}

	r.logger.Debug("subgraph retrieved",
		zap.Int("seeds", len(seeds)),
		zap.Int("tables", len(res.Tables)),
		zap.Int("edges", len(res.Edges)),
		zap.Bool("connected", res.Connected),
		zap.Bool("truncated", res.Truncated))
	return res, nil
}

// expand 逐轮推进所有前沿，然后沿父边回溯相遇点重建连接森林
func (r *Retriever) expand(g graph.Reader, seeds []Seed, res *Result) {
	dist := make(map[graph.TableID]int, len(seeds)*4)
	origin := make(map[graph.TableID]graph.TableID, len(seeds)*4)
	parent := make(map[graph.TableID]graph.RelationID)
	uf := newUnionFind()

	frontier := make([]graph.TableID, 0, len(seeds))
	for _, s := range seeds {
		dist[s.Table] = 0
		origin[s.Table] = s.Table
		uf.add(s.Table)
		frontier = append(frontier, s.Table)
	}

	var meetings []graph.RelationID
	for round := 1; round <= r.cfg.MaxHops && len(frontier) > 0 && uf.sets > 1; round++ {
		var next []graph.TableID
		for _, t := range frontier {
			for _, n := range g.Neighbors(t) {
				u := n.Table.ID
				if _, seen := dist[u]; !seen {
					dist[u] = round
					origin[u] = origin[t]
					parent[u] = n.Edge.ID
					next = append(next, u)
					continue
				}
				if uf.union(origin[t], origin[u]) {
					meetings = append(meetings, n.Edge.ID)
				}
			}
		}
		frontier = next
	}

	// 回溯：相遇边两端各自沿父边走回种子
	kept := make(map[graph.RelationID]bool)
	var walk func(t graph.TableID)
	walk = func(t graph.TableID) {
		for {
			if _, ok := res.Provenance[t]; !ok {
				o := res.Provenance[origin[t]]
				res.Provenance[t] = &Provenance{
					Distance:   dist[t],
					Origin:     origin[t],
					Confidence: o.Confidence,
					Terms:      o.Terms,
				}
			}
			eid, ok := parent[t]
			if !ok || kept[eid] {
				return
			}
			kept[eid] = true
			res.Edges = append(res.Edges, eid)
			t = g.Relation(eid).Other(t)
		}
	}
	for _, eid := range meetings {
		e := g.Relation(eid)
		kept[eid] = true
		res.Edges = append(res.Edges, eid)
		walk(e.From)
		walk(e.To)
	}

	res.Connected = uf.sets == 1
}

// seedsConnected 裁剪后保留下来的种子是否仍在同一连通分量
func seedsConnected(g graph.Reader, res *Result) bool {
	comp := Components(g, res.Tables, res.Edges)
	root := graph.TableID(-1)
	for _, s := range res.Seeds {
		c, ok := comp[s]
		if !ok {
			continue
		}
		if root < 0 {
			root = c
		} else if c != root {
			return false
		}
	}
	return true
}

// truncate 超出表预算时按 (距离, 种子置信度降序, id) 保留，删掉端点被裁掉的边
func (r *Retriever) truncate(res *Result) {
	tables := make([]graph.TableID, 0, len(res.Provenance))
	for id := range res.Provenance {
		tables = append(tables, id)
	}
	sort.Slice(tables, func(i, j int) bool {
		a, b := res.Provenance[tables[i]], res.Provenance[tables[j]]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return tables[i] < tables[j]
	})

	if len(tables) > r.cfg.MaxTables {
		for _, id := range tables[r.cfg.MaxTables:] {
			delete(res.Provenance, id)
		}
		tables = tables[:r.cfg.MaxTables]
		res.Truncated = true
	}
	res.Tables = tables
}

// Seeds 把匹配投影到所属表；概念投影到其目标列所在表，置信度乘以映射权重
func Seeds(g graph.Reader, matches []linking.CandidateMatch) []Seed {
	byTable := make(map[graph.TableID]*Seed)
	add := func(t graph.TableID, conf float64, term string) {
		s, ok := byTable[t]
		if !ok {
			s = &Seed{Table: t}
			byTable[t] = s
		}
		if conf > s.Confidence {
			s.Confidence = conf
		}
		for _, existing := range s.Terms {
			if existing == term {
				return
			}
		}
		s.Terms = append(s.Terms, term)
	}

	for _, m := range matches {
		switch m.Node.Kind {
		case graph.KindConcept:
			c := g.Concept(graph.ConceptID(m.Node.ID))
			if c == nil {
				continue
			}
			for _, target := range c.Targets {
				add(g.Column(target.Column).Table, m.Confidence*target.Weight, m.Term)
			}
		default:
			if m.Table >= 0 {
				add(m.Table, m.Confidence, m.Term)
			}
		}
	}

	seeds := make([]Seed, 0, len(byTable))
	for _, s := range byTable {
		seeds = append(seeds, *s)
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].Confidence != seeds[j].Confidence {
			return seeds[i].Confidence > seeds[j].Confidence
		}
		return seeds[i].Table < seeds[j].Table
	})
	return seeds
}

// Seed 检索起点
type Seed struct {
	Table      graph.TableID
	Confidence float64
	Terms      []string
}

// relevantColumns 子图内直接匹配的列、概念目标列，以及保留边上的连接列
func relevantColumns(g graph.Reader, matches []linking.CandidateMatch, res *Result) []graph.ColumnID {
	seen := make(map[graph.ColumnID]bool)
	add := func(id graph.ColumnID) {
		if c := g.Column(id); c != nil && res.Contains(c.Table) {
			seen[id] = true
		}
	}

	for _, m := range matches {
		switch {
		case m.Node.Kind == graph.KindConcept:
			for _, t := range g.Concept(graph.ConceptID(m.Node.ID)).Targets {
				add(t.Column)
			}
		case m.Column >= 0:
			add(m.Column)
		}
	}

	edges := res.Edges[:0]
	for _, eid := range res.Edges {
		e := g.Relation(eid)
		if !res.Contains(e.From) || !res.Contains(e.To) {
			continue
		}
		edges = append(edges, eid)
		add(e.FromColumn)
		add(e.ToColumn)
	}
	res.Edges = edges

	cols := make([]graph.ColumnID, 0, len(seen))
	for id := range seen {
		cols = append(cols, id)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })
	return cols
}
