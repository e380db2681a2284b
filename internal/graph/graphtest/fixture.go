// Package graphtest 提供测试用的零售示例图谱
package graphtest

import "schema-retriever/internal/graph"

// RetailDocument 零售示例：客户、订单、订单明细、商品、品类成链，供应商与员工为孤岛
func RetailDocument() *graph.Document {
	return &graph.Document{
		Tables: []graph.TableSpec{
			{Name: "customers", RowCount: 5000, Comment: "客户", Columns: []graph.ColumnSpec{
				{Name: "customer_id", DataType: "int", IsPrimaryKey: true},
				{Name: "name", DataType: "varchar(100)"},
				{Name: "city", DataType: "varchar(50)", Nullable: true},
				{Name: "vip_level", DataType: "varchar(20)", Nullable: true, Comment: "会员等级"},
				{Name: "created_at", DataType: "datetime"},
			}},
			{Name: "orders", RowCount: 120000, Comment: "订单", Columns: []graph.ColumnSpec{
				{Name: "order_id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "customer_id", DataType: "int"},
				{Name: "order_date", DataType: "date"},
				{Name: "total_amount", DataType: "decimal(12,2)"},
				{Name: "status", DataType: "varchar(20)"},
			}},
			{Name: "order_items", Columns: []graph.ColumnSpec{
				{Name: "item_id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "order_id", DataType: "bigint"},
				{Name: "product_id", DataType: "int"},
				{Name: "quantity", DataType: "int"},
				{Name: "unit_price", DataType: "decimal(10,2)"},
			}},
			{Name: "products", Columns: []graph.ColumnSpec{
				{Name: "product_id", DataType: "int", IsPrimaryKey: true},
				{Name: "product_name", DataType: "varchar(200)"},
				{Name: "category_id", DataType: "int"},
				{Name: "list_price", DataType: "decimal(10,2)"},
			}},
			{Name: "categories", Columns: []graph.ColumnSpec{
				{Name: "category_id", DataType: "int", IsPrimaryKey: true},
				{Name: "category_name", DataType: "varchar(100)"},
			}},
			{Name: "suppliers", Columns: []graph.ColumnSpec{
				{Name: "supplier_id", DataType: "int", IsPrimaryKey: true},
				{Name: "supplier_name", DataType: "varchar(100)"},
				{Name: "city", DataType: "varchar(50)"},
			}},
			{Name: "employees", Columns: []graph.ColumnSpec{
				{Name: "employee_id", DataType: "int", IsPrimaryKey: true},
				{Name: "full_name", DataType: "varchar(100)"},
			}},
		},
		Relations: []graph.RelationSpec{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id"},
			{FromTable: "order_items", FromColumn: "order_id", ToTable: "orders", ToColumn: "order_id"},
			{FromTable: "order_items", FromColumn: "product_id", ToTable: "products", ToColumn: "product_id"},
			{FromTable: "products", FromColumn: "category_id", ToTable: "categories", ToColumn: "category_id"},
		},
		Concepts: []graph.ConceptSpec{
			{
				Term:        "高价值客户",
				Description: "会员等级为金卡及以上的客户",
				Targets:     []graph.TargetSpec{{Table: "customers", Column: "vip_level", Weight: 0.9}},
				Synonyms:    []string{"VIP客户", "大客户"},
			},
			{
				Term:    "销售额",
				Targets: []graph.TargetSpec{{Table: "orders", Column: "total_amount"}},
			},
		},
		Values: []graph.ValueSpec{
			{Table: "customers", Column: "city", Value: "Beijing", Frequency: 120},
			{Table: "customers", Column: "city", Value: "上海", Frequency: 80},
			{Table: "orders", Column: "status", Value: "shipped", Frequency: 9000},
		},
		Synonyms: [][]string{
			{"客户", "customers", "client"},
		},
	}
}

// Retail 构建零售示例图谱，失败时 panic
func Retail() *graph.Generation {
	g, err := RetailDocument().Build()
	if err != nil {
		panic(err)
	}
	return g
}

// RetailStore 发布了零售示例图谱的存储
func RetailStore() *graph.Store {
	s := graph.NewStore(nil)
	s.Publish(Retail())
	return s
}
