package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
)

func TestCalculateNameSimilarity(t *testing.T) {
	r := NewRelationshipInferer(nil, RelationOptions{}, zap.NewNop())

	tests := []struct {
		fromCol  string
		toTable  string
		toCol    string
		expected float64
		minScore float64
	}{
		{"cDepCode", "Department", "cDepCode", 1.0, 1.0},
		{"cDepCode", "Department", "DepCode", 0.9, 0.9},
		{"DepartmentID", "Department", "DepID", 0, 0},
		{"UserID", "Users", "UserId", 1.0, 1.0},
		{"customer_id", "customers", "id", 1.0, 1.0},
		{"category_id", "categories", "id", 1.0, 1.0},
		{"order_id", "customers", "id", 0, 0},
		{"supplier_code", "suppliers", "supplier_code_no", 0.8, 0.8},
		{"cust_name", "customers", "cust_nane", 0, 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.fromCol+"_"+tt.toCol, func(t *testing.T) {
			score := r.calculateNameSimilarity(tt.fromCol, tt.toTable, tt.toCol)
			if tt.expected > 0 || tt.minScore == 0 {
				assert.InDelta(t, tt.expected, score, 1e-9)
			} else {
				assert.GreaterOrEqual(t, score, tt.minScore)
			}
		})
	}
}

func TestCalculateTypeMatch(t *testing.T) {
	r := NewRelationshipInferer(nil, RelationOptions{}, zap.NewNop())

	tests := []struct {
		name     string
		col1     adapter.Column
		col2     adapter.Column
		expected float64
	}{
		{"same length", adapter.Column{DataType: "varchar", Length: 20}, adapter.Column{DataType: "varchar", Length: 20}, 1.0},
		{"close length", adapter.Column{DataType: "varchar", Length: 20}, adapter.Column{DataType: "nvarchar", Length: 22}, 0.8},
		{"int family", adapter.Column{DataType: "int"}, adapter.Column{DataType: "bigint"}, 0.6},
		{"text and varchar", adapter.Column{DataType: "text"}, adapter.Column{DataType: "varchar", Length: 50}, 0.6},
		{"far length", adapter.Column{DataType: "varchar", Length: 10}, adapter.Column{DataType: "varchar", Length: 200}, 0.6},
		{"incompatible", adapter.Column{DataType: "varchar"}, adapter.Column{DataType: "int"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.calculateTypeMatch(tt.col1, tt.col2))
		})
	}
}

func TestTableStems(t *testing.T) {
	assert.Equal(t, []string{"categories", "category"}, tableStems("Categories"))
	assert.Equal(t, []string{"addresses", "address"}, tableStems("addresses"))
	assert.Equal(t, []string{"orders", "order"}, tableStems("orders"))
	assert.Equal(t, []string{"staff"}, tableStems("staff"))
}
