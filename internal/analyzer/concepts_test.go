package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema-retriever/internal/graph"
	"schema-retriever/internal/graph/graphtest"
)

const conceptsYAML = `
concepts:
  - term: 高价值客户
    description: VIP等级大于3的客户
    targets:
      - customers.vip_level
      - table: orders
        column: total_amount
        weight: 0.6
    synonyms: [VIP客户, 重要客户]
  - name: 销售额
    description: 订单的总金额
    calculation: SUM(total_amount)
    related_tables: [orders]
    related_columns:
      - {table: orders, column: total_amount}
    synonyms: [营业额]
  - term: 复购率
    targets: ["orders.customer_id:0.5"]
`

func TestParseConcepts(t *testing.T) {
	specs, err := ParseConcepts([]byte(conceptsYAML))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, "高价值客户", specs[0].Term)
	assert.Equal(t, []graph.TargetSpec{
		{Table: "customers", Column: "vip_level"},
		{Table: "orders", Column: "total_amount", Weight: 0.6},
	}, specs[0].Targets)
	assert.Equal(t, []string{"VIP客户", "重要客户"}, specs[0].Synonyms)

	assert.Equal(t, "销售额", specs[1].Term)
	assert.Equal(t, "订单的总金额 口径: SUM(total_amount)", specs[1].Description)
	assert.Equal(t, []graph.TargetSpec{{Table: "orders", Column: "total_amount"}}, specs[1].Targets)

	assert.Equal(t, []graph.TargetSpec{{Table: "orders", Column: "customer_id", Weight: 0.5}}, specs[2].Targets)
}

func TestParseConcepts_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing term", "concepts:\n  - targets: [a.b]\n", "missing term"},
		{"no targets", "concepts:\n  - term: x\n", "no targets"},
		{"bad target", "concepts:\n  - term: x\n    targets: [nodot]\n", "want table.column"},
		{"bad weight", "concepts:\n  - term: x\n    targets: [\"a.b:heavy\"]\n", "invalid target weight"},
		{"incomplete mapping", "concepts:\n  - term: x\n    targets:\n      - {table: a}\n", "needs table and column"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConcepts([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseTarget(t *testing.T) {
	spec, err := ParseTarget("sales.orders.total_amount")
	require.NoError(t, err)
	assert.Equal(t, graph.TargetSpec{Table: "sales.orders", Column: "total_amount"}, spec)

	_, err = ParseTarget("orders.")
	assert.Error(t, err)
}

func TestParseSynonyms(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want [][]string
	}{
		{
			name: "head term mapping",
			yaml: "客户: [用户, 买家, customer]\n订单: [交易, order]\n",
			want: [][]string{{"客户", "用户", "买家", "customer"}, {"订单", "交易", "order"}},
		},
		{
			name: "group list",
			yaml: "- [城市, 地区, city]\n- [状态, status]\n",
			want: [][]string{{"城市", "地区", "city"}, {"状态", "status"}},
		},
		{
			name: "single word groups dropped",
			yaml: "- [孤词]\n- [' ', 金额, amount]\n",
			want: [][]string{{"金额", "amount"}},
		},
		{
			name: "empty document",
			yaml: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSynonyms([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseSynonyms([]byte("just a scalar"))
	assert.Error(t, err)
}

// 概念文件载入后可直接挂到图谱上
func TestLoadConcepts_IntoStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "concepts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concepts:\n  - term: 复购客户\n    targets: [customers.customer_id, orders.customer_id]\n"), 0o644))
	synPath := filepath.Join(dir, "synonyms.yaml")
	require.NoError(t, os.WriteFile(synPath, []byte("回头客: [复购客户]\n"), 0o644))

	specs, err := LoadConcepts(path)
	require.NoError(t, err)
	groups, err := LoadSynonyms(synPath)
	require.NoError(t, err)

	store := graphtest.RetailStore()
	before := store.Version()
	for _, c := range specs {
		_, err := store.AddConcept(c)
		require.NoError(t, err)
	}
	for _, g := range groups {
		_, err := store.AddSynonyms(g...)
		require.NoError(t, err)
	}
	assert.True(t, before.Less(store.Version()))

	g, err := store.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, g.SynonymClass("回头客"), "复购客户")

	_, err = LoadConcepts(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
