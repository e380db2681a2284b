// Package apperrors 定义检索管线对外暴露的错误类别
package apperrors

import "errors"

var (
	// ErrNoEntityMatched 问题中没有任何词条匹配到图谱节点（非致命，由调用方决定降级策略）
	ErrNoEntityMatched = errors.New("no entity matched")
	// ErrSchemaEmpty 剪枝后没有任何表保留，无法进入 SQL 生成
	ErrSchemaEmpty = errors.New("pruned schema is empty")
	// ErrGraphUnavailable 图谱尚未发布或不可用，可退避重试
	ErrGraphUnavailable = errors.New("knowledge graph unavailable")
	// ErrGenerationFailed 外部 SQL 生成失败
	ErrGenerationFailed = errors.New("sql generation failed")
	// ErrGenerationTimeout 外部 SQL 生成超时
	ErrGenerationTimeout = errors.New("sql generation timed out")
	// ErrEmptyQuestion 问题为空
	ErrEmptyQuestion = errors.New("empty question")
	// ErrInvalidGraph 图谱构建时违反不变量
	ErrInvalidGraph = errors.New("invalid graph")
)
