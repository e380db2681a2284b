package graph_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/graph/graphtest"
)

func tableByName(t *testing.T, g *graph.Generation, name string) *graph.TableNode {
	t.Helper()
	refs := g.NodesByExactName(graph.KindTable, name)
	require.Len(t, refs, 1, "table %s", name)
	return g.Table(graph.TableID(refs[0].ID))
}

func TestBuild_RetailGraph(t *testing.T) {
	g := graphtest.Retail()

	stats := g.Stats()
	assert.Equal(t, 7, stats["tables"])
	assert.Equal(t, 4, stats["relations"])
	assert.Equal(t, 2, stats["concepts"])
	assert.Equal(t, 3, stats["values"])

	orders := tableByName(t, g, "ORDERS")
	assert.Equal(t, "orders", orders.Name)
	assert.Len(t, orders.Columns, 5)

	// 外键列由关系标记
	for _, cid := range orders.Columns {
		c := g.Column(cid)
		assert.Equal(t, orders.ID, c.Table)
		if c.Name == "customer_id" {
			assert.True(t, c.IsForeignKey)
		}
	}

	// 未提供行数时为 -1
	assert.Equal(t, int64(-1), tableByName(t, g, "categories").RowCount)
}

func TestBuild_InvariantViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  *graph.Document
	}{
		{
			name: "relation to missing table",
			doc: &graph.Document{
				Tables:    []graph.TableSpec{{Name: "a", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}}},
				Relations: []graph.RelationSpec{{FromTable: "a", FromColumn: "id", ToTable: "b", ToColumn: "id"}},
			},
		},
		{
			name: "incompatible relation types",
			doc: &graph.Document{
				Tables: []graph.TableSpec{
					{Name: "a", Columns: []graph.ColumnSpec{{Name: "b_id", DataType: "varchar(10)"}}},
					{Name: "b", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}},
				},
				Relations: []graph.RelationSpec{{FromTable: "a", FromColumn: "b_id", ToTable: "b", ToColumn: "id"}},
			},
		},
		{
			name: "concept without targets",
			doc: &graph.Document{
				Tables:   []graph.TableSpec{{Name: "a", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}}},
				Concepts: []graph.ConceptSpec{{Term: "something"}},
			},
		},
		{
			name: "concept with unknown column",
			doc: &graph.Document{
				Tables:   []graph.TableSpec{{Name: "a", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}}},
				Concepts: []graph.ConceptSpec{{Term: "x", Targets: []graph.TargetSpec{{Table: "a", Column: "nope"}}}},
			},
		},
		{
			name: "duplicate table",
			doc: &graph.Document{
				Tables: []graph.TableSpec{{Name: "a"}, {Name: "A"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.doc.Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidGraph))
		})
	}
}

func TestSynonymClass_TransitiveClosure(t *testing.T) {
	doc := graphtest.RetailDocument()
	doc.Synonyms = append(doc.Synonyms, []string{"client", "buyer"})
	g, err := doc.Build()
	require.NoError(t, err)

	class := g.SynonymClass("Buyer")
	assert.ElementsMatch(t, []string{"客户", "customers", "client", "buyer"}, class)

	// 概念词与其同义词归入同一类
	assert.ElementsMatch(t, []string{"高价值客户", "vip客户", "大客户"}, g.SynonymClass("大客户"))

	assert.Nil(t, g.SynonymClass("orders"))
}

func TestFuzzyMatch(t *testing.T) {
	g := graphtest.Retail()

	hits := g.FuzzyMatch("customer", graph.KindTable, 0.8)
	require.NotEmpty(t, hits)
	assert.Equal(t, "customers", hits[0].Name)
	assert.InDelta(t, 1-1.0/9, hits[0].Score, 1e-9)

	assert.Empty(t, g.FuzzyMatch("customer", graph.KindTable, 0.95))

	// 概念按同义词也能模糊命中
	concepts := g.FuzzyMatch("VIP客", graph.KindConcept, 0.7)
	require.Len(t, concepts, 1)
	assert.Equal(t, "VIP客户", concepts[0].Name)
}

func TestNeighbors_Undirected(t *testing.T) {
	g := graphtest.Retail()
	orders := tableByName(t, g, "orders")

	var names []string
	for _, n := range g.Neighbors(orders.ID) {
		names = append(names, n.Table.Name)
	}
	assert.ElementsMatch(t, []string{"customers", "order_items"}, names)

	assert.Empty(t, g.Neighbors(tableByName(t, g, "suppliers").ID))
	assert.Nil(t, g.Neighbors(graph.TableID(99)))
}

func TestValueLookup(t *testing.T) {
	g := graphtest.Retail()

	hits := g.ValueLookup("  beijing ")
	require.Len(t, hits, 1)
	col := g.Column(hits[0].Column)
	assert.Equal(t, "city", col.Name)
	assert.Equal(t, "customers", g.Table(hits[0].Table).Name)
	assert.Equal(t, int64(120), hits[0].Frequency)

	assert.Empty(t, g.ValueLookup("tokyo"))

	values := g.ColumnValues(col.ID)
	require.Len(t, values, 2)
	assert.Equal(t, "Beijing", values[0].Value)
}

func TestVocabulary(t *testing.T) {
	vocab := graphtest.Retail().Vocabulary()
	assert.Contains(t, vocab, "高价值客户")
	assert.Contains(t, vocab, "order_items")
	assert.Contains(t, vocab, "上海")
	assert.IsIncreasing(t, vocab)
}

func TestStore_PublishAndSnapshot(t *testing.T) {
	s := graph.NewStore(nil)

	_, err := s.Snapshot()
	assert.ErrorIs(t, err, apperrors.ErrGraphUnavailable)

	v1 := s.Publish(graphtest.Retail())
	assert.Equal(t, graph.Version{Generation: 1}, v1)

	first, err := s.Snapshot()
	require.NoError(t, err)

	v2 := s.Publish(graphtest.Retail())
	assert.Equal(t, graph.Version{Generation: 2}, v2)
	assert.True(t, v1.Less(v2))

	// 旧快照不受新发布影响
	assert.Equal(t, v1, first.Version())
	assert.Equal(t, v2, s.Version())
}

func TestStore_AddConceptBumpsRevision(t *testing.T) {
	s := graphtest.RetailStore()
	before, err := s.Snapshot()
	require.NoError(t, err)

	v, err := s.AddConcept(graph.ConceptSpec{
		Term:     "复购率",
		Targets:  []graph.TargetSpec{{Table: "orders", Column: "customer_id", Weight: 0.6}},
		Synonyms: []string{"回购率"},
	})
	require.NoError(t, err)
	assert.Equal(t, graph.Version{Generation: 1, Revision: 1}, v)

	after, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, after.NodesByExactName(graph.KindConcept, "复购率"), 1)
	assert.Len(t, after.SynonymClass("回购率"), 2)

	// 追加是写时复制，旧快照不可见
	assert.Empty(t, before.NodesByExactName(graph.KindConcept, "复购率"))

	_, err = s.AddConcept(graph.ConceptSpec{Term: "bad", Targets: []graph.TargetSpec{{Table: "nope", Column: "x"}}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidGraph)
	assert.Equal(t, v, s.Version())
}

func TestStore_AddConceptsIsAllOrNothing(t *testing.T) {
	s := graphtest.RetailStore()
	before := s.Version()
	vocab := len(s.Vocabulary())

	_, err := s.AddConcepts(
		graph.ConceptSpec{Term: "大单", Targets: []graph.TargetSpec{{Table: "orders", Column: "total_amount"}}},
		graph.ConceptSpec{Term: "坏概念", Targets: []graph.TargetSpec{{Table: "no_such_table", Column: "col"}}},
	)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGraph)
	assert.Equal(t, before, s.Version())
	assert.Len(t, s.Vocabulary(), vocab)

	g, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, g.Stats()["concepts"])
	assert.Empty(t, g.NodesByExactName(graph.KindConcept, "大单"))

	v, err := s.AddConcepts(
		graph.ConceptSpec{Term: "大单", Targets: []graph.TargetSpec{{Table: "orders", Column: "total_amount"}}},
		graph.ConceptSpec{Term: "热销商品", Targets: []graph.TargetSpec{{Table: "products", Column: "product_name"}}},
	)
	require.NoError(t, err)
	assert.Equal(t, before.Revision+1, v.Revision)

	g, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4, g.Stats()["concepts"])

	_, err = s.AddConcepts()
	assert.ErrorIs(t, err, apperrors.ErrInvalidGraph)
}

func TestBuild_AmbiguousTableName(t *testing.T) {
	tables := []graph.TableSpec{
		{Name: "orders", Schema: "sales", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}},
		{Name: "orders", Schema: "archive", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}},
	}

	_, err := (&graph.Document{
		Tables:   tables,
		Concepts: []graph.ConceptSpec{{Term: "订单", Targets: []graph.TargetSpec{{Table: "orders", Column: "id"}}}},
	}).Build()
	assert.ErrorIs(t, err, apperrors.ErrInvalidGraph)
	assert.ErrorContains(t, err, "ambiguous")

	g, err := (&graph.Document{
		Tables:   tables,
		Concepts: []graph.ConceptSpec{{Term: "订单", Targets: []graph.TargetSpec{{Table: "archive.orders", Column: "id"}}}},
	}).Build()
	require.NoError(t, err)
	refs := g.NodesByExactName(graph.KindConcept, "订单")
	require.Len(t, refs, 1)
	target := g.Concept(graph.ConceptID(refs[0].ID)).Targets[0]
	assert.Equal(t, "archive", g.Table(g.Column(target.Column).Table).Schema)

	// 没有 schema 的同名表独占不带前缀的名称
	g, err = (&graph.Document{
		Tables: append([]graph.TableSpec{{Name: "orders", Columns: []graph.ColumnSpec{{Name: "id", DataType: "int"}}}}, tables...),
		Values: []graph.ValueSpec{{Table: "orders", Column: "id", Value: "1"}},
	}).Build()
	require.NoError(t, err)
	hits := g.ValueLookup("1")
	require.Len(t, hits, 1)
	assert.Equal(t, "", g.Table(hits[0].Table).Schema)
}

func TestStore_AddSynonyms(t *testing.T) {
	s := graphtest.RetailStore()

	v, err := s.AddSynonyms("单", "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Revision)

	g, err := s.Snapshot()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"单", "orders"}, g.SynonymClass("单"))

	_, err = s.AddSynonyms("lonely")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGraph)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := graphtest.RetailStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g, err := s.Snapshot()
				if assert.NoError(t, err) {
					g.NodesByExactName(graph.KindTable, "orders")
					g.SynonymClass("client")
				}
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		_, err := s.AddSynonyms("term", "alias")
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(5), s.Version().Revision)
}

func TestDocument_RoundTrip(t *testing.T) {
	g := graphtest.Retail()

	var buf bytes.Buffer
	require.NoError(t, g.Document().WriteJSON(&buf))
	assert.Contains(t, buf.String(), "高价值客户")

	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, graph.WriteDocument(path, g.Document()))

	doc, err := graph.ReadDocument(path)
	require.NoError(t, err)
	rebuilt, err := doc.Build()
	require.NoError(t, err)
	assert.Equal(t, g.Stats(), rebuilt.Stats())
	assert.ElementsMatch(t, g.SynonymClass("client"), rebuilt.SynonymClass("client"))
}

func TestTypesCompatible(t *testing.T) {
	tests := []struct {
		type1, type2 string
		expected     bool
	}{
		{"int", "int", true},
		{"int", "bigint", true},
		{"varchar(50)", "nvarchar(100)", true},
		{"varchar", "int", false},
		{"int unsigned", "decimal(10,0)", true},
		{"date", "datetime", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, graph.TypesCompatible(tt.type1, tt.type2), "%s vs %s", tt.type1, tt.type2)
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "order_items", graph.NormalizeName(" Order-Items "))
	assert.Equal(t, "high_value_customer", graph.NormalizeName("High  value__customer"))
	assert.Equal(t, 1.0, graph.Similarity("Order Items", "order_items"))
}
