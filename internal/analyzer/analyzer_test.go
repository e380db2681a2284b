package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
)

// fakeAdapter 内存中的数据库元数据
type fakeAdapter struct {
	meta    *adapter.SchemaMetadata
	fks     []adapter.ForeignKey
	stats   map[string]*adapter.ColumnStats
	sampled []string
}

func (f *fakeAdapter) Dialect() string { return "MySQL" }

func (f *fakeAdapter) IntrospectSchema(context.Context) (*adapter.SchemaMetadata, error) {
	return f.meta, nil
}

func (f *fakeAdapter) EstimateRowCount(_ context.Context, t adapter.Table) (int64, error) {
	return t.RowCount, nil
}

func (f *fakeAdapter) SampleColumnStats(_ context.Context, t adapter.Table, column string, _ int) (*adapter.ColumnStats, error) {
	key := t.Name + "." + column
	f.sampled = append(f.sampled, key)
	if s, ok := f.stats[key]; ok {
		return s, nil
	}
	return nil, errors.New("no sample for " + key)
}

func (f *fakeAdapter) GetForeignKeys(context.Context) ([]adapter.ForeignKey, error) {
	return f.fks, nil
}

func (f *fakeAdapter) Close() error { return nil }

func shopAdapter() *fakeAdapter {
	pk := func(name, typ string) adapter.Column {
		return adapter.Column{Name: name, DataType: typ, IsPrimaryKey: true}
	}
	col := func(name, typ string, length int) adapter.Column {
		return adapter.Column{Name: name, DataType: typ, Length: length, Nullable: true}
	}
	return &fakeAdapter{
		meta: &adapter.SchemaMetadata{Tables: []adapter.Table{
			{Schema: "shop", Name: "customers", Comment: "客户", RowCount: 5000, Columns: []adapter.Column{
				pk("customer_id", "int"),
				col("name", "varchar", 100),
				col("city", "varchar", 50),
				col("vip_level", "int", 0),
			}},
			{Schema: "shop", Name: "orders", RowCount: 50000, Columns: []adapter.Column{
				pk("order_id", "bigint"),
				col("customer_id", "int", 0),
				col("status", "varchar", 20),
				col("total_amount", "decimal(12,2)", 0),
			}},
			{Schema: "shop", Name: "order_items", RowCount: 100000, Columns: []adapter.Column{
				pk("item_id", "bigint"),
				col("order_id", "bigint", 0),
				col("product_id", "int", 0),
				col("quantity", "int", 0),
			}},
			{Schema: "shop", Name: "products", RowCount: 20000, Columns: []adapter.Column{
				pk("id", "int"),
				col("product_name", "varchar", 200),
				col("category_code", "varchar", 20),
			}},
			{Schema: "shop", Name: "order_status", RowCount: 5, Columns: []adapter.Column{
				pk("status_code", "varchar(20)"),
				col("status_name", "varchar", 50),
			}},
		}},
		fks: []adapter.ForeignKey{
			{FromSchema: "shop", FromTable: "orders", FromColumn: "customer_id", ToSchema: "shop", ToTable: "customers", ToColumn: "customer_id"},
			{FromSchema: "shop", FromTable: "orders", FromColumn: "status", ToSchema: "archive", ToTable: "status_codes", ToColumn: "code"},
		},
		stats: map[string]*adapter.ColumnStats{
			"customers.name": {DistinctCount: 4800, TopValues: []adapter.ValueCount{{Value: "张三", Count: 2}}},
			"customers.city": {DistinctCount: 3, TopValues: []adapter.ValueCount{
				{Value: "上海", Count: 2000}, {Value: "北京", Count: 1800}, {Value: "深圳", Count: 1200},
			}},
			"orders.status": {DistinctCount: 3, TopValues: []adapter.ValueCount{
				{Value: "shipped", Count: 600}, {Value: "pending", Count: 300}, {Value: " ", Count: 1}, {Value: "cancelled", Count: 99},
			}},
			"order_status.status_name": {DistinctCount: 5, TopValues: []adapter.ValueCount{
				{Value: "已发货", Count: 1}, {Value: "待支付", Count: 1}, {Value: "已取消", Count: 1},
				{Value: "已完成", Count: 1}, {Value: "退款中", Count: 1},
			}},
		},
	}
}

func TestAnalyzer_Analyze(t *testing.T) {
	db := shopAdapter()
	opts := DefaultOptions()
	opts.InferRelations = true
	opts.Relations.MinConfidence = 0.4

	doc, report, err := New(db, opts, zap.NewNop()).Analyze(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "MySQL", report.Dialect)
	assert.Equal(t, 5, report.Tables)
	assert.Equal(t, 17, report.Columns)
	assert.Equal(t, 1, report.Declared)
	require.Len(t, report.Discarded, 1)
	assert.Contains(t, report.Discarded[0], "target outside scanned schema")

	var inferred []string
	for _, r := range report.Inferred {
		inferred = append(inferred, r.FromTable+"."+r.FromColumn+"->"+r.ToTable+"."+r.ToColumn)
	}
	assert.ElementsMatch(t, []string{
		"shop.order_items.order_id->shop.orders.order_id",
		"shop.order_items.product_id->shop.products.id",
	}, inferred)

	require.Len(t, report.Enums, 1)
	assert.Equal(t, "shop.order_status", report.Enums[0].Name)
	assert.Equal(t, "status_name", report.Enums[0].ValueColumn)

	// 空白值丢弃，高基数列不写入
	assert.Equal(t, 11, report.Values)
	assert.NotContains(t, db.sampled, "products.product_name")
	assert.Contains(t, db.sampled, "customers.name")

	assert.Equal(t, "varchar(50)", doc.Tables[0].Columns[2].DataType)
	assert.Equal(t, "decimal(12,2)", doc.Tables[1].Columns[3].DataType)

	g, err := doc.Build()
	require.NoError(t, err)
	stats := g.Stats()
	assert.Equal(t, 5, stats["tables"])
	assert.Equal(t, 3, stats["relations"])
	assert.Equal(t, 11, stats["values"])

	hits := g.ValueLookup("上海")
	require.Len(t, hits, 1)
	assert.Equal(t, "city", g.Column(hits[0].Column).Name)
}

func TestAnalyzer_DeclaredOnly(t *testing.T) {
	db := shopAdapter()
	opts := DefaultOptions()
	opts.SampleValues = false

	doc, report, err := New(db, opts, zap.NewNop()).Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Inferred)
	assert.Empty(t, db.sampled)
	require.Len(t, doc.Relations, 1)
	assert.Equal(t, "shop.customers", doc.Relations[0].ToTable)
}

func TestRelationshipInferer_Containment(t *testing.T) {
	db := shopAdapter()
	db.stats["order_items.order_id"] = &adapter.ColumnStats{TopValues: []adapter.ValueCount{
		{Value: "1", Count: 5}, {Value: "2", Count: 3}, {Value: "99", Count: 2},
	}}
	db.stats["orders.order_id"] = &adapter.ColumnStats{TopValues: []adapter.ValueCount{
		{Value: "1", Count: 1}, {Value: "2", Count: 1}, {Value: "3", Count: 1},
	}}

	r := NewRelationshipInferer(db, RelationOptions{MinConfidence: 0.5, VerifyContainment: true}, zap.NewNop())
	rels, err := r.InferRelationships(context.Background(), db.meta, db.fks)
	require.NoError(t, err)

	require.Len(t, rels, 1)
	rel := rels[0]
	assert.Equal(t, "shop.order_items.order_id -> shop.orders.order_id (0.82)", rel.String())
	require.Len(t, rel.Evidence, 3)
	assert.Equal(t, "value_containment", rel.Evidence[2].Type)
	assert.InDelta(t, 0.8, rel.Evidence[2].Score, 1e-9)
	assert.Less(t, rel.Weight, 2.0)

	// 同一列只采样一次
	_, err = r.InferRelationships(context.Background(), db.meta, db.fks)
	require.NoError(t, err)
	count := 0
	for _, s := range db.sampled {
		if s == "orders.order_id" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRelationshipInferer_Canceled(t *testing.T) {
	db := shopAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRelationshipInferer(nil, RelationOptions{}, zap.NewNop()).InferRelationships(ctx, db.meta, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
