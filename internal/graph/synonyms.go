package graph

import "sort"

// synonymIndex 同义词等价类，构建时用并查集求传递闭包
type synonymIndex struct {
	classOf map[string]int
	classes [][]string
}

func newSynonymIndex(groups [][]string) *synonymIndex {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p == x {
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// 字典序较小者为根，保证结果与输入顺序无关
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for _, group := range groups {
		var first string
		for _, term := range group {
			key := NormalizeName(term)
			if key == "" {
				continue
			}
			if first == "" {
				first = key
				find(key)
				continue
			}
			union(first, key)
		}
	}

	members := make(map[string][]string)
	for term := range parent {
		root := find(term)
		members[root] = append(members[root], term)
	}

	idx := &synonymIndex{classOf: make(map[string]int, len(parent))}
	roots := make([]string, 0, len(members))
	for root := range members {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		class := members[root]
		if len(class) < 2 {
			continue
		}
		sort.Strings(class)
		id := len(idx.classes)
		idx.classes = append(idx.classes, class)
		for _, term := range class {
			idx.classOf[term] = id
		}
	}
	return idx
}

// class 返回归一后 term 所在的类，调用方不得修改返回值
func (s *synonymIndex) class(term string) []string {
	if s == nil {
		return nil
	}
	id, ok := s.classOf[term]
	if !ok {
		return nil
	}
	return s.classes[id]
}
