package app

import (
	"fmt"

	"schema-retriever/internal/pruner"
)

// Dictionary 当前图谱的完整 schema，不做预算裁剪，用于导出数据字典与 ER 图
func (a *App) Dictionary() (*pruner.PrunedSchema, error) {
	g, err := a.Store.Snapshot()
	if err != nil {
		return nil, err
	}
	p, err := pruner.NewPruner(a.Config.PrunerConfig(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("create pruner: %w", err)
	}
	return p.Full(g)
}
