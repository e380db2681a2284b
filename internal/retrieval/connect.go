package retrieval

import (
	"sort"

	"schema-retriever/internal/graph"
)

// Components 给定表集合与边集合，返回每张表所在连通分量的代表
func Components(g graph.Reader, tables []graph.TableID, edges []graph.RelationID) map[graph.TableID]graph.TableID {
	uf := newUnionFind()
	for _, t := range tables {
		uf.add(t)
	}
	for _, eid := range edges {
		e := g.Relation(eid)
		if e == nil {
			continue
		}
		if _, ok := uf.parent[e.From]; !ok {
			continue
		}
		if _, ok := uf.parent[e.To]; !ok {
			continue
		}
		uf.union(e.From, e.To)
	}

	out := make(map[graph.TableID]graph.TableID, len(tables))
	for _, t := range tables {
		out[t] = uf.find(t)
	}
	return out
}

// ShortestPath 在全图上从 from 集合出发做有界广度优先搜索，直到碰到 to 集合中的表。
// allow 为 nil 时所有中间表都可经过。返回路径上的边（从 from 端到 to 端）以及新引入的中间表；
// maxHops 内不可达时返回 nil。
func ShortestPath(g graph.Reader, from, to []graph.TableID, maxHops int, allow func(graph.TableID) bool) ([]graph.RelationID, []graph.TableID) {
	target := make(map[graph.TableID]bool, len(to))
	for _, t := range to {
		target[t] = true
	}

	parent := make(map[graph.TableID]graph.RelationID)
	visited := make(map[graph.TableID]bool, len(from))
	frontier := append([]graph.TableID(nil), from...)
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
	for _, t := range frontier {
		visited[t] = true
	}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []graph.TableID
		for _, t := range frontier {
			for _, n := range g.Neighbors(t) {
				u := n.Table.ID
				if visited[u] {
					continue
				}
				if target[u] {
					parent[u] = n.Edge.ID
					return tracePath(g, parent, u)
				}
				if allow != nil && !allow(u) {
					continue
				}
				visited[u] = true
				parent[u] = n.Edge.ID
				next = append(next, u)
			}
		}
		frontier = next
	}
	return nil, nil
}

// tracePath 从终点沿父边回溯到起点集合
func tracePath(g graph.Reader, parent map[graph.TableID]graph.RelationID, end graph.TableID) ([]graph.RelationID, []graph.TableID) {
	var edges []graph.RelationID
	var via []graph.TableID
	t := end
	for {
		eid, ok := parent[t]
		if !ok {
			break
		}
		edges = append(edges, eid)
		t = g.Relation(eid).Other(t)
		if _, more := parent[t]; more {
			via = append(via, t)
		}
	}
	// 反转为从起点到终点
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	for i, j := 0, len(via)-1; i < j; i, j = i+1, j-1 {
		via[i], via[j] = via[j], via[i]
	}
	return edges, via
}

// FullSchema 未匹配到实体时的降级结果：按名称取前 maxTables 张表及其之间的关系
func FullSchema(g graph.Reader, maxTables int) *Result {
	ids := g.TableIDs()
	sort.Slice(ids, func(i, j int) bool {
		return g.Table(ids[i]).QualifiedName() < g.Table(ids[j]).QualifiedName()
	})
	if maxTables > 0 && len(ids) > maxTables {
		ids = ids[:maxTables]
	}

	res := &Result{
		Tables:     ids,
		Provenance: make(map[graph.TableID]*Provenance, len(ids)),
		Truncated:  len(ids) < len(g.TableIDs()),
	}
	for _, id := range ids {
		res.Provenance[id] = &Provenance{Seed: true, Origin: id, Confidence: 1}
		res.Seeds = append(res.Seeds, id)
	}

	seen := make(map[graph.RelationID]bool)
	for _, id := range ids {
		for _, n := range g.Neighbors(id) {
			if seen[n.Edge.ID] || !res.Contains(n.Table.ID) {
				continue
			}
			seen[n.Edge.ID] = true
			res.Edges = append(res.Edges, n.Edge.ID)
			res.Columns = append(res.Columns, n.Edge.FromColumn, n.Edge.ToColumn)
		}
	}
	sort.Slice(res.Edges, func(i, j int) bool { return res.Edges[i] < res.Edges[j] })
	res.Connected = seedsConnected(g, res)
	return res
}
