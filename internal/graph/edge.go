package graph

// EdgeType 关系边类型
type EdgeType string

const (
	EdgeTypeFK         EdgeType = "foreign_key" // 声明的外键
	EdgeTypeInferredFK EdgeType = "inferred_fk" // 推断外键
)

// RelationID 关系边在 arena 中的下标
type RelationID int32

// RelationEdge RELATED_TO 边：From 表的 FromColumn 引用 To 表的 ToColumn
type RelationEdge struct {
	ID         RelationID `json:"id"`
	Type       EdgeType   `json:"type"`
	From       TableID    `json:"from"`
	To         TableID    `json:"to"`
	FromColumn ColumnID   `json:"from_column"`
	ToColumn   ColumnID   `json:"to_column"`
	Weight     float64    `json:"weight"`     // 静态遍历权重
	Confidence float64    `json:"confidence"` // 推断边的置信度，声明外键为 1
}

// Other 返回边的另一端；t 不是端点时返回 -1
func (e *RelationEdge) Other(t TableID) TableID {
	switch t {
	case e.From:
		return e.To
	case e.To:
		return e.From
	}
	return -1
}

// Neighbor 邻接表项，关系按无向处理
type Neighbor struct {
	Edge  *RelationEdge
	Table *TableNode
}

// ScoredNode 模糊匹配结果
type ScoredNode struct {
	Node  NodeRef
	Name  string // 命中的名称（可能是概念的同义词）
	Score float64
}

// ValueHit 值查找结果
type ValueHit struct {
	Value     ValueID
	Column    ColumnID
	Table     TableID
	Frequency int64
}
