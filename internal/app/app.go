// Package app 按配置组装图谱存储与问答服务，命令行与 HTTP 服务共用
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"schema-retriever/internal/ai"
	"schema-retriever/internal/analyzer"
	"schema-retriever/internal/cache"
	"schema-retriever/internal/config"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/linking"
	"schema-retriever/internal/pipeline"
	"schema-retriever/internal/pruner"
	"schema-retriever/internal/renderer"
	"schema-retriever/internal/retrieval"
	"schema-retriever/internal/terms"
)

// App 组装好的运行时
type App struct {
	Config   *config.Config
	Store    *graph.Store
	Service  *pipeline.Service
	Registry *prometheus.Registry
	logger   *zap.Logger
}

// Option 组装选项
type Option func(*options)

type options struct {
	generator ai.Generator
	registry  *prometheus.Registry
}

// WithGenerator 使用给定的生成器，不再按配置创建
func WithGenerator(g ai.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithRegistry 指标注册到给定的 registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New 加载图谱并创建问答服务
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a := &App{
		Config:   cfg,
		Store:    graph.NewStore(logger),
		Registry: reg,
		logger:   logger,
	}
	if _, err := a.Reload(); err != nil {
		return nil, err
	}

	matcher, err := linking.NewMatcher(cfg.MatcherConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create matcher: %w", err)
	}
	retriever, err := retrieval.NewRetriever(cfg.RetrieverConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create retriever: %w", err)
	}
	p, err := pruner.NewPruner(cfg.PrunerConfig(), logger, pruner.WithSizeEstimator(renderer.NewDDLSizeEstimator()))
	if err != nil {
		return nil, fmt.Errorf("create pruner: %w", err)
	}

	gen := o.generator
	if gen == nil {
		if gen, err = newGenerator(cfg, logger); err != nil {
			return nil, err
		}
	}

	svcOpts := []pipeline.Option{pipeline.WithMetrics(reg)}
	if cfg.Cache.Enabled {
		c, err := cache.New[*pipeline.Answer](cfg.CacheConfig(), logger, cache.WithMetrics(reg, "answer"))
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		svcOpts = append(svcOpts, pipeline.WithCache(c))
	}

	a.Service, err = pipeline.NewService(cfg.PipelineConfig(), pipeline.Deps{
		Store:     a.Store,
		Extractor: terms.New(a.Store, logger),
		Matcher:   matcher,
		Retriever: retriever,
		Pruner:    p,
		Generator: gen,
	}, logger, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return a, nil
}

// newGenerator 没有 API Key 时返回 nil，Ask 会报生成失败，Link 不受影响
func newGenerator(cfg *config.Config, logger *zap.Logger) (ai.Generator, error) {
	gc := cfg.GeneratorConfig()
	if gc.APIKey == "" && gc.Provider != ai.ProviderOpenAICompatible {
		logger.Warn("LLM_API_KEY not set, sql generation disabled", zap.String("provider", string(gc.Provider)))
		return nil, nil
	}
	gen, err := ai.NewGenerator(gc, logger)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	return gen, nil
}

// Reload 重新读取图谱文件并发布新一代快照，旧版本的缓存随之失效
func (a *App) Reload() (graph.Version, error) {
	doc, err := LoadDocument(a.Config.Graph)
	if err != nil {
		return graph.Version{}, err
	}
	g, err := doc.Build()
	if err != nil {
		return graph.Version{}, fmt.Errorf("build graph: %w", err)
	}
	return a.Store.Publish(g), nil
}

// LoadDocument 读取图谱文件，并合并配置的概念文件与同义词文件
func LoadDocument(cfg config.GraphConfig) (*graph.Document, error) {
	doc, err := graph.ReadDocument(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := MergeSemantics(doc, cfg); err != nil {
		return nil, err
	}
	return doc, nil
}

// MergeSemantics 把概念文件与同义词文件追加到文档
func MergeSemantics(doc *graph.Document, cfg config.GraphConfig) error {
	if cfg.ConceptsFile != "" {
		specs, err := analyzer.LoadConcepts(cfg.ConceptsFile)
		if err != nil {
			return err
		}
		doc.Concepts = append(doc.Concepts, specs...)
	}
	if cfg.SynonymsFile != "" {
		groups, err := analyzer.LoadSynonyms(cfg.SynonymsFile)
		if err != nil {
			return err
		}
		doc.Synonyms = append(doc.Synonyms, groups...)
	}
	return nil
}
