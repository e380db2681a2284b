package pruner

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/linking"
	"schema-retriever/internal/retrieval"
)

// Config 剪枝参数
type Config struct {
	MaxTables             int
	MaxColumnsPerTable    int
	HopDecay              float64 // 必填，没有内置默认值
	UnmatchedColumnWeight float64
	ConceptBoost          float64
	ReSearchHops          int // 重搜路径的最大边数
	MaxSchemaBytes        int // 0 表示不限
	IncludeSampleValues   bool
	MaxSampleValues       int
}

// DefaultConfig 除跳数衰减外的默认参数
func DefaultConfig(hopDecay float64) Config {
	return Config{
		MaxTables:             10,
		MaxColumnsPerTable:    15,
		HopDecay:              hopDecay,
		UnmatchedColumnWeight: 0.5,
		ConceptBoost:          0.5,
		ReSearchHops:          3,
		IncludeSampleValues:   true,
		MaxSampleValues:       3,
	}
}

// Validate 检查参数范围
func (c Config) Validate() error {
	if c.MaxTables < 1 {
		return fmt.Errorf("max tables must be >= 1, got %d", c.MaxTables)
	}
	if c.MaxColumnsPerTable < 1 {
		return fmt.Errorf("max columns per table must be >= 1, got %d", c.MaxColumnsPerTable)
	}
	if c.HopDecay <= 0 || c.HopDecay > 1 {
		return fmt.Errorf("hop decay must be in (0,1], got %v", c.HopDecay)
	}
	if c.UnmatchedColumnWeight < 0 || c.ConceptBoost < 0 {
		return fmt.Errorf("column weights must be >= 0")
	}
	if c.ReSearchHops < 0 || c.MaxSchemaBytes < 0 || c.MaxSampleValues < 0 {
		return fmt.Errorf("re-search hops, schema bytes and sample values must be >= 0")
	}
	return nil
}

// Option 剪枝器选项
type Option func(*Pruner)

// WithSizeEstimator 设置 MaxSchemaBytes 使用的大小估算器
func WithSizeEstimator(e SizeEstimator) Option {
	return func(p *Pruner) {
		p.estimator = e
	}
}

// Pruner 剪枝器，无状态，可并发使用
type Pruner struct {
	cfg       Config
	estimator SizeEstimator
	logger    *zap.Logger
}

// NewPruner 创建剪枝器
func NewPruner(cfg Config, logger *zap.Logger, opts ...Option) (*Pruner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pruner{cfg: cfg, logger: logger.Named("pruner")}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// columnSignal 直接来自匹配的列信号
type columnSignal struct {
	score       float64
	valueLinked bool
	literals    []string
}

type columnWork struct {
	node     *graph.ColumnNode
	score    float64
	matched  bool
	required bool
	keep     bool
}

type tableWork struct {
	node     *graph.TableNode
	seed     bool
	distance int
	signal   float64
	score    float64
	columns  []*columnWork
}

// Prune 对子图打分并按预算裁剪。没有任何表保留时返回 ErrSchemaEmpty；预算裁剪只置 Truncated 标记。
func (p *Pruner) Prune(g graph.Reader, sub *retrieval.Result, matches []linking.CandidateMatch) (*PrunedSchema, error) {
	if sub == nil || len(sub.Tables) == 0 {
		return nil, apperrors.ErrSchemaEmpty
	}

	signals := p.columnSignals(g, matches)

	ranked := make([]*tableWork, 0, len(sub.Tables))
	for _, id := range sub.Tables {
		ranked = append(ranked, p.scoreTable(g, id, sub.Provenance[id], signals))
	}
	rankTables(ranked)

	truncated := sub.Truncated
	retained := ranked
	if len(retained) > p.cfg.MaxTables {
		retained = retained[:p.cfg.MaxTables]
		truncated = true
	}

	edges := retainedEdges(g, retained, sub.Edges)
	retained, edges = p.reconnect(g, sub, retained, edges)
	if len(retained) == 0 {
		return nil, apperrors.ErrSchemaEmpty
	}

	for _, tw := range retained {
		if p.selectColumns(tw, g, edges) {
			truncated = true
		}
	}

	schema := p.assemble(g, retained, edges, signals)
	if p.cfg.MaxSchemaBytes > 0 && p.estimator != nil {
		if p.fitSize(g, &retained, &edges, signals, &schema) {
			truncated = true
		}
	}
	schema.Truncated = truncated

	p.logger.Debug("schema pruned",
		zap.Int("subgraph_tables", len(sub.Tables)),
		zap.Int("tables", len(schema.Tables)),
		zap.Int("joins", len(schema.Joins)),
		zap.Bool("truncated", schema.Truncated),
		zap.Bool("disconnected", schema.Disconnected))
	return schema, nil
}

// Full 整个图谱不做预算裁剪的 schema，用于数据字典以及剪枝前后的规模对比
func (p *Pruner) Full(g graph.Reader) (*PrunedSchema, error) {
	ids := g.TableIDs()
	cfg := p.cfg
	cfg.MaxTables = max(len(ids), 1)
	cfg.MaxColumnsPerTable = 1
	for _, id := range ids {
		cfg.MaxColumnsPerTable = max(cfg.MaxColumnsPerTable, len(g.Table(id).Columns))
	}
	cfg.MaxSchemaBytes = 0

	full := &Pruner{cfg: cfg, logger: p.logger}
	return full.Prune(g, retrieval.FullSchema(g, 0), nil)
}

// columnSignals 匹配列取匹配置信度，概念目标列取 置信度×映射权重，值匹配记录字面值
func (p *Pruner) columnSignals(g graph.Reader, matches []linking.CandidateMatch) map[graph.ColumnID]*columnSignal {
	out := make(map[graph.ColumnID]*columnSignal)
	get := func(id graph.ColumnID) *columnSignal {
		s, ok := out[id]
		if !ok {
			s = &columnSignal{}
			out[id] = s
		}
		return s
	}

	for _, m := range matches {
		switch m.Node.Kind {
		case graph.KindColumn:
			s := get(m.Column)
			s.score = math.Max(s.score, m.Confidence)
		case graph.KindValue:
			s := get(m.Column)
			s.score = math.Max(s.score, m.Confidence)
			s.valueLinked = true
			if v := g.Value(graph.ValueID(m.Node.ID)); v != nil {
				s.literals = append(s.literals, v.Value)
			}
		case graph.KindConcept:
			c := g.Concept(graph.ConceptID(m.Node.ID))
			if c == nil {
				continue
			}
			for _, t := range c.Targets {
				s := get(t.Column)
				s.score = math.Max(s.score, m.Confidence*t.Weight)
			}
		}
	}
	return out
}

// scoreTable 表信号：种子取种子置信度，其余取 所属种子置信度×衰减^距离；表得分取表信号与最佳列得分的较大者
func (p *Pruner) scoreTable(g graph.Reader, id graph.TableID, prov *retrieval.Provenance, signals map[graph.ColumnID]*columnSignal) *tableWork {
	tw := &tableWork{node: g.Table(id), distance: -1}
	if prov != nil {
		tw.seed = prov.Seed
		tw.distance = prov.Distance
		tw.signal = prov.Confidence
		if !prov.Seed {
			tw.signal *= math.Pow(p.cfg.HopDecay, float64(prov.Distance))
		}
	}
	p.scoreColumns(g, tw, signals)
	return tw
}

func (p *Pruner) scoreColumns(g graph.Reader, tw *tableWork, signals map[graph.ColumnID]*columnSignal) {
	tw.score = tw.signal
	tw.columns = tw.columns[:0]
	for _, cid := range tw.node.Columns {
		c := g.Column(cid)
		cw := &columnWork{
			node:  c,
			score: tw.signal*p.cfg.UnmatchedColumnWeight + g.ConceptWeight(cid)*p.cfg.ConceptBoost,
		}
		if s, ok := signals[cid]; ok && s.score > 0 {
			cw.matched = true
			cw.score = math.Max(cw.score, s.score)
		}
		tw.score = math.Max(tw.score, cw.score)
		tw.columns = append(tw.columns, cw)
	}
}

// rankTables 得分降序，同分按名称
func rankTables(ts []*tableWork) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].score != ts[j].score {
			return ts[i].score > ts[j].score
		}
		return ts[i].node.QualifiedName() < ts[j].node.QualifiedName()
	})
}

// retainedEdges 两端都保留的关系
func retainedEdges(g graph.Reader, tables []*tableWork, edges []graph.RelationID) []graph.RelationID {
	kept := make(map[graph.TableID]bool, len(tables))
	for _, tw := range tables {
		kept[tw.node.ID] = true
	}
	var out []graph.RelationID
	for _, eid := range edges {
		e := g.Relation(eid)
		if kept[e.From] && kept[e.To] {
			out = append(out, eid)
		}
	}
	return out
}

// reconnect 丢表把原本连通的分量拆开时，在全图上有界重搜替代路径。
// 中间表先占用剩余表预算；预算不足时，用排名靠后、只挂在一条边上的非种子表腾出位置，
// 被替换的表不会再作为中间表回到结果里。
func (p *Pruner) reconnect(g graph.Reader, sub *retrieval.Result, retained []*tableWork, edges []graph.RelationID) ([]*tableWork, []graph.RelationID) {
	if len(retained) == len(sub.Tables) || len(retained) < 2 {
		return retained, edges
	}

	before := retrieval.Components(g, sub.Tables, sub.Edges)
	index := make(map[graph.TableID]*tableWork, len(retained))
	ids := make([]graph.TableID, 0, len(retained))
	for _, tw := range retained {
		index[tw.node.ID] = tw
		ids = append(ids, tw.node.ID)
	}
	dropped := make(map[graph.TableID]bool)
	allow := func(t graph.TableID) bool { return !dropped[t] }

	for {
		after := retrieval.Components(g, ids, edges)

		// 按原分量分组，组内再按当前分量划分；retained 已按排名有序
		var anchor, island []graph.TableID
		for _, tw := range retained {
			for _, other := range retained {
				if before[tw.node.ID] == before[other.node.ID] && after[tw.node.ID] != after[other.node.ID] {
					anchor = membersOf(retained, after, after[tw.node.ID])
					island = membersOf(retained, after, after[other.node.ID])
					break
				}
			}
			if anchor != nil {
				break
			}
		}
		if anchor == nil {
			return retained, edges
		}

		path, via := retrieval.ShortestPath(g, anchor, island, p.cfg.ReSearchHops, allow)
		var added []graph.TableID
		for _, t := range via {
			if index[t] == nil {
				added = append(added, t)
			}
		}
		budget := p.cfg.MaxTables - len(retained)
		var evict []*tableWork
		if path != nil && len(added) > budget {
			evict = evictable(g, retained, edges, path, len(added)-budget)
		}
		if path == nil || len(added) > budget+len(evict) {
			p.logger.Debug("join forest split, no replacement path",
				zap.Int("anchor_tables", len(anchor)),
				zap.Int("island_tables", len(island)),
				zap.Int("budget", budget))
			return retained, edges
		}

		for _, tw := range evict {
			dropped[tw.node.ID] = true
			delete(index, tw.node.ID)
		}
		if len(evict) > 0 {
			retained, ids = withoutDropped(retained, dropped)
			edges = edgesWithout(g, edges, dropped)
		}

		floor := retained[len(retained)-1].score * p.cfg.HopDecay
		for _, t := range added {
			tw := &tableWork{node: g.Table(t), distance: -1, signal: floor}
			if prov := sub.Provenance[t]; prov != nil {
				tw.distance = prov.Distance
			}
			tw.score = floor
			for _, cid := range tw.node.Columns {
				tw.columns = append(tw.columns, &columnWork{node: g.Column(cid), score: floor * p.cfg.UnmatchedColumnWeight})
			}
			index[t] = tw
			ids = append(ids, t)
			retained = append(retained, tw)
			// 新表与原分量视为一体，避免再次被当作断裂
			before[t] = before[anchor[0]]
		}
		edges = appendUnique(edges, path...)
		p.logger.Debug("join forest reconnected",
			zap.Int("path_edges", len(path)),
			zap.Int("added_tables", len(added)),
			zap.Int("replaced_tables", len(evict)))
	}
}

// evictable 从排名末尾挑出最多 n 张可替换的表：非种子、不在新路径上、在当前边集中度数不超过 1。
// 这类表移走不会拆开其他分量。
func evictable(g graph.Reader, retained []*tableWork, edges, path []graph.RelationID, n int) []*tableWork {
	onPath := make(map[graph.TableID]bool)
	for _, eid := range path {
		e := g.Relation(eid)
		onPath[e.From] = true
		onPath[e.To] = true
	}
	degree := make(map[graph.TableID]int)
	for _, eid := range edges {
		e := g.Relation(eid)
		degree[e.From]++
		degree[e.To]++
	}

	var out []*tableWork
	for i := len(retained) - 1; i >= 0 && len(out) < n; i-- {
		tw := retained[i]
		if tw.seed || onPath[tw.node.ID] || degree[tw.node.ID] > 1 {
			continue
		}
		out = append(out, tw)
	}
	return out
}

func withoutDropped(retained []*tableWork, dropped map[graph.TableID]bool) ([]*tableWork, []graph.TableID) {
	kept := retained[:0:0]
	ids := make([]graph.TableID, 0, len(retained))
	for _, tw := range retained {
		if dropped[tw.node.ID] {
			continue
		}
		kept = append(kept, tw)
		ids = append(ids, tw.node.ID)
	}
	return kept, ids
}

func edgesWithout(g graph.Reader, edges []graph.RelationID, dropped map[graph.TableID]bool) []graph.RelationID {
	var out []graph.RelationID
	for _, eid := range edges {
		e := g.Relation(eid)
		if dropped[e.From] || dropped[e.To] {
			continue
		}
		out = append(out, eid)
	}
	return out
}

func membersOf(ts []*tableWork, comp map[graph.TableID]graph.TableID, root graph.TableID) []graph.TableID {
	var out []graph.TableID
	for _, tw := range ts {
		if comp[tw.node.ID] == root {
			out = append(out, tw.node.ID)
		}
	}
	return out
}

func appendUnique(edges []graph.RelationID, more ...graph.RelationID) []graph.RelationID {
	seen := make(map[graph.RelationID]bool, len(edges))
	for _, e := range edges {
		seen[e] = true
	}
	for _, e := range more {
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	return edges
}

// selectColumns 主键、保留关系的连接列、直接匹配列必留，其余按得分补满单表列预算；有列被裁掉时返回 true
func (p *Pruner) selectColumns(tw *tableWork, g graph.Reader, edges []graph.RelationID) bool {
	joinCols := make(map[graph.ColumnID]bool)
	for _, eid := range edges {
		e := g.Relation(eid)
		if e.From == tw.node.ID {
			joinCols[e.FromColumn] = true
		}
		if e.To == tw.node.ID {
			joinCols[e.ToColumn] = true
		}
	}

	slots := p.cfg.MaxColumnsPerTable
	var optional []*columnWork
	for _, cw := range tw.columns {
		cw.required = cw.node.IsPrimaryKey || joinCols[cw.node.ID] || cw.matched
		cw.keep = cw.required
		if cw.required {
			slots--
		} else {
			optional = append(optional, cw)
		}
	}

	sort.SliceStable(optional, func(i, j int) bool {
		if optional[i].score != optional[j].score {
			return optional[i].score > optional[j].score
		}
		return optional[i].node.Ordinal < optional[j].node.Ordinal
	})
	for i, cw := range optional {
		if i >= slots {
			return true
		}
		cw.keep = true
	}
	return false
}

// assemble 生成输出：表按得分排序，列按定义顺序，每条保留关系一个连接条件
func (p *Pruner) assemble(g graph.Reader, retained []*tableWork, edges []graph.RelationID, signals map[graph.ColumnID]*columnSignal) *PrunedSchema {
	ordered := append([]*tableWork(nil), retained...)
	rankTables(ordered)

	schema := &PrunedSchema{Version: g.Version()}
	ids := make([]graph.TableID, 0, len(ordered))
	for _, tw := range ordered {
		ids = append(ids, tw.node.ID)
		pt := PrunedTable{
			ID:       tw.node.ID,
			Name:     tw.node.Name,
			Schema:   tw.node.Schema,
			Comment:  tw.node.Comment,
			RowCount: tw.node.RowCount,
			Score:    tw.score,
			Seed:     tw.seed,
			Distance: tw.distance,
		}
		for _, cw := range tw.columns {
			if !cw.keep {
				continue
			}
			c := cw.node
			pc := PrunedColumn{
				ID:           c.ID,
				Name:         c.Name,
				DataType:     c.DataType,
				Nullable:     c.Nullable,
				IsPrimaryKey: c.IsPrimaryKey,
				IsForeignKey: c.IsForeignKey,
				Matched:      cw.matched,
				Score:        cw.score,
				Comment:      c.Comment,
				Ordinal:      c.Ordinal,
			}
			if s, ok := signals[c.ID]; ok && s.valueLinked && p.cfg.IncludeSampleValues {
				pc.SampleValues = p.sampleValues(g, c.ID, s.literals)
			}
			pt.Columns = append(pt.Columns, pc)
		}
		sort.SliceStable(pt.Columns, func(i, j int) bool { return pt.Columns[i].Ordinal < pt.Columns[j].Ordinal })
		schema.Tables = append(schema.Tables, pt)
	}

	sorted := append([]graph.RelationID(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, eid := range sorted {
		e := g.Relation(eid)
		schema.Joins = append(schema.Joins, JoinPredicate{
			Relation:   e.ID,
			Type:       e.Type,
			FromTable:  g.Table(e.From).QualifiedName(),
			FromColumn: g.Column(e.FromColumn).Name,
			ToTable:    g.Table(e.To).QualifiedName(),
			ToColumn:   g.Column(e.ToColumn).Name,
			Confidence: e.Confidence,
		})
	}

	comps := retrieval.Components(g, ids, edges)
	roots := make(map[graph.TableID]bool)
	for _, r := range comps {
		roots[r] = true
	}
	schema.Disconnected = len(roots) > 1
	return schema
}

// sampleValues 命中的字面值在前，其余按频次补足
func (p *Pruner) sampleValues(g graph.Reader, col graph.ColumnID, literals []string) []string {
	limit := p.cfg.MaxSampleValues
	if limit == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, l := range literals {
		if !seen[l] && len(out) < limit {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, v := range g.ColumnValues(col) {
		if len(out) >= limit {
			break
		}
		if !seen[v.Value] {
			seen[v.Value] = true
			out = append(out, v.Value)
		}
	}
	return out
}

// fitSize 超出大小预算时先丢排名最低表的可选列，再丢排名最低的非种子表，始终保留最后一张表
func (p *Pruner) fitSize(g graph.Reader, retained *[]*tableWork, edges *[]graph.RelationID, signals map[graph.ColumnID]*columnSignal, schema **PrunedSchema) bool {
	trimmed := false
	for p.estimator.EstimateSize(*schema) > p.cfg.MaxSchemaBytes {
		if !p.dropOptionalColumn(*retained) && !p.dropTable(g, retained, edges) {
			p.logger.Warn("schema exceeds size budget after trimming",
				zap.Int("size", p.estimator.EstimateSize(*schema)),
				zap.Int("budget", p.cfg.MaxSchemaBytes))
			break
		}
		trimmed = true
		*schema = p.assemble(g, *retained, *edges, signals)
	}
	return trimmed
}

func (p *Pruner) dropOptionalColumn(retained []*tableWork) bool {
	ordered := append([]*tableWork(nil), retained...)
	rankTables(ordered)
	for i := len(ordered) - 1; i >= 0; i-- {
		var victim *columnWork
		for _, cw := range ordered[i].columns {
			if !cw.keep || cw.required {
				continue
			}
			if victim == nil || cw.score < victim.score ||
				(cw.score == victim.score && cw.node.Ordinal > victim.node.Ordinal) {
				victim = cw
			}
		}
		if victim != nil {
			victim.keep = false
			return true
		}
	}
	return false
}

func (p *Pruner) dropTable(g graph.Reader, retained *[]*tableWork, edges *[]graph.RelationID) bool {
	if len(*retained) <= 1 {
		return false
	}
	ordered := append([]*tableWork(nil), (*retained)...)
	rankTables(ordered)

	var victim *tableWork
	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].seed {
			victim = ordered[i]
			break
		}
	}
	if victim == nil {
		return false
	}

	kept := (*retained)[:0]
	for _, tw := range *retained {
		if tw != victim {
			kept = append(kept, tw)
		}
	}
	*retained = kept
	*edges = retainedEdges(g, kept, *edges)
	return true
}
