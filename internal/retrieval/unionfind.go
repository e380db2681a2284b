package retrieval

import "schema-retriever/internal/graph"

// unionFind 记录哪些种子的搜索树已经连通
type unionFind struct {
	parent map[graph.TableID]graph.TableID
	sets   int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[graph.TableID]graph.TableID)}
}

func (u *unionFind) add(x graph.TableID) {
	if _, ok := u.parent[x]; ok {
		return
	}
	u.parent[x] = x
	u.sets++
}

func (u *unionFind) find(x graph.TableID) graph.TableID {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union 合并两个集合，原本不相连时返回 true
func (u *unionFind) union(a, b graph.TableID) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.sets--
	return true
}
