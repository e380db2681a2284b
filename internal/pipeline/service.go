// Package pipeline 串联词条抽取、实体链接、子图检索、剪枝与 SQL 生成
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"schema-retriever/internal/ai"
	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/cache"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/linking"
	"schema-retriever/internal/pruner"
	"schema-retriever/internal/renderer"
	"schema-retriever/internal/retrieval"
)

// TermExtractor 从问题中切分候选词条
type TermExtractor interface {
	Extract(question string) []linking.Term
}

// Fallback 没有任何实体命中时的处理方式
type Fallback string

const (
	FallbackAbort      Fallback = "abort"       // 直接返回 ErrNoEntityMatched
	FallbackFullSchema Fallback = "full_schema" // 按表名取前 N 张表
)

// Config 编排参数
type Config struct {
	Fallback          Fallback
	FallbackTables    int
	GenerationTimeout time.Duration // 0 表示不限
	Dialect           string
}

// DefaultConfig 默认中止、30 秒生成超时
func DefaultConfig() Config {
	return Config{
		Fallback:          FallbackAbort,
		FallbackTables:    10,
		GenerationTimeout: 30 * time.Second,
	}
}

// Validate 检查参数
func (c Config) Validate() error {
	switch c.Fallback {
	case FallbackAbort:
	case FallbackFullSchema:
		if c.FallbackTables < 1 {
			return fmt.Errorf("fallback tables must be >= 1, got %d", c.FallbackTables)
		}
	default:
		return fmt.Errorf("unknown fallback %q", c.Fallback)
	}
	if c.GenerationTimeout < 0 {
		return fmt.Errorf("generation timeout must be >= 0, got %s", c.GenerationTimeout)
	}
	return nil
}

// Deps 各阶段的协作方
type Deps struct {
	Store     *graph.Store
	Extractor TermExtractor
	Matcher   *linking.Matcher
	Retriever *retrieval.Retriever
	Pruner    *pruner.Pruner
	Generator ai.Generator // Link 不需要，Ask 需要
}

// Linking 不经生成的链接结果
type Linking struct {
	Version  graph.Version            `json:"version"`
	Terms    []linking.Term           `json:"terms"`
	Matches  []linking.CandidateMatch `json:"matches"`
	Subgraph *retrieval.Result        `json:"subgraph"`
	Schema   *pruner.PrunedSchema     `json:"schema"`
	Savings  *Savings                 `json:"savings,omitempty"`
	Fallback bool                     `json:"fallback"`
}

// Savings 剪枝前后的 schema 规模，字节数按提示词中的 DDL 计算
type Savings struct {
	OriginalTables int     `json:"original_tables"`
	PrunedTables   int     `json:"pruned_tables"`
	OriginalBytes  int     `json:"original_bytes"`
	PrunedBytes    int     `json:"pruned_bytes"`
	SavedBytes     int     `json:"saved_bytes"`
	SavedPercent   float64 `json:"saved_percent"`
}

// Answer 一次问答的结果，按问题与图谱版本缓存
type Answer struct {
	SQL       string               `json:"sql"`
	Model     string               `json:"model,omitempty"`
	Version   graph.Version        `json:"version"`
	Schema    *pruner.PrunedSchema `json:"schema"`
	Prompt    string               `json:"prompt"`
	Savings   *Savings             `json:"savings,omitempty"`
	Fallback  bool                 `json:"fallback"`
	Tokens    int                  `json:"tokens"`
	CreatedAt time.Time            `json:"created_at"`
}

// Response Ask 的返回
type Response struct {
	Answer    *Answer       `json:"answer"`
	FromCache bool          `json:"from_cache"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Option 服务选项
type Option func(*Service) error

// WithCache 启用问答缓存，不设置时每次都重新计算
func WithCache(c *cache.Cache[*Answer]) Option {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// WithObserver 注册全局阶段观察者
func WithObserver(o Observer) Option {
	return func(s *Service) error {
		s.observers = append(s.observers, o)
		return nil
	}
}

// WithMetrics 注册 Prometheus 指标
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Service) error {
		m, err := newMetrics(reg)
		if err != nil {
			return err
		}
		s.metrics = m
		return nil
	}
}

// AskOption 单次调用选项
type AskOption func(*askOptions)

type askOptions struct {
	skipCache bool
	observers []Observer
}

// SkipCache 本次调用绕过缓存
func SkipCache() AskOption {
	return func(o *askOptions) { o.skipCache = true }
}

// Observe 本次调用的阶段观察者
func Observe(fn Observer) AskOption {
	return func(o *askOptions) { o.observers = append(o.observers, fn) }
}

// Service 问答编排服务
type Service struct {
	cfg       Config
	deps      Deps
	ddl       *renderer.DDLRenderer
	cache     *cache.Cache[*Answer]
	flights   flightRegistry
	full      fullSizeMemo
	observers []Observer
	metrics   *metrics
	logger    *zap.Logger
}

// NewService 创建编排服务
func NewService(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Extractor == nil || deps.Matcher == nil || deps.Retriever == nil || deps.Pruner == nil {
		return nil, errors.New("pipeline requires store, extractor, matcher, retriever and pruner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		deps:   deps,
		ddl:    renderer.NewDDLRenderer(),
		logger: logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Ask 问题到 SQL。同一问题在同一图谱版本下只生成一次，并发的相同问题共享一次计算。
func (s *Service) Ask(ctx context.Context, question string, opts ...AskOption) (*Response, error) {
	start := time.Now()
	o := askOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	t := s.tracer(question, o.observers)

	resp, err := s.ask(ctx, question, o, t)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = outcomeOf(err)
		s.logger.Warn("ask failed", zap.String("question", question), zap.String("outcome", outcome), zap.Error(err))
	case resp.FromCache:
		outcome = "cache_hit"
	}
	s.metrics.request(outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	resp.Elapsed = time.Since(start)
	t.emit(Event{Stage: StageDone, Elapsed: resp.Elapsed, Cached: resp.FromCache})
	return resp, nil
}

func (s *Service) ask(ctx context.Context, question string, o askOptions, t *tracer) (*Response, error) {
	if strings.TrimSpace(question) == "" {
		return nil, apperrors.ErrEmptyQuestion
	}
	if s.deps.Generator == nil {
		return nil, fmt.Errorf("%w: no generator configured", apperrors.ErrGenerationFailed)
	}
	g, err := s.deps.Store.Snapshot()
	if err != nil {
		return nil, err
	}

	if s.cache == nil || o.skipCache {
		ans, err := s.answer(ctx, g, question, t)
		if err != nil {
			return nil, err
		}
		return &Response{Answer: ans}, nil
	}

	// 缓存键的版本取自本次计算所用的同一快照；
	// 共享同一次计算的调用者都能收到计算中的阶段事件
	key := cache.Key(question, g.Version())
	leave := s.flights.join(key, o.observers)
	defer leave()
	compute := func(cctx context.Context) (*Answer, error) {
		return s.answer(cctx, g, question, s.flightTracer(question, key))
	}
	ans, hit, err := s.cache.GetOrCompute(ctx, question, g.Version(), compute)
	if err != nil {
		return nil, err
	}
	if hit {
		t.emit(Event{Stage: StageCache, Cached: true})
	}
	return &Response{Answer: ans, FromCache: hit}, nil
}

// answer 链接后调用生成器，生成失败不会被缓存
func (s *Service) answer(ctx context.Context, g *graph.Generation, question string, t *tracer) (*Answer, error) {
	l, err := s.link(g, question, t)
	if err != nil {
		return nil, err
	}

	prompt := s.ddl.Render(l.Schema)
	req := &ai.Request{
		Question: question,
		Schema:   prompt,
		Context:  strings.Join(renderer.JoinHints(l.Schema), "\n"),
		Dialect:  s.cfg.Dialect,
	}

	gctx := ctx
	if s.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.cfg.GenerationTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.deps.Generator.Generate(gctx, req)
	elapsed := time.Since(start)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w after %s: %w", apperrors.ErrGenerationTimeout, elapsed.Round(time.Millisecond), err)
		default:
			err = fmt.Errorf("%w: %w", apperrors.ErrGenerationFailed, err)
		}
		t.emit(Event{Stage: StageGenerate, Elapsed: elapsed, Err: err.Error()})
		return nil, err
	}
	t.emit(Event{Stage: StageGenerate, Elapsed: elapsed, Count: res.PromptTokens + res.CompletionTokens})

	s.logger.Info("sql generated",
		zap.Stringer("version", l.Version),
		zap.Strings("tables", l.Schema.TableNames()),
		zap.Int("attempts", res.Attempts),
		zap.Duration("elapsed", elapsed))

	return &Answer{
		SQL:       res.SQL,
		Model:     res.Model,
		Version:   l.Version,
		Schema:    l.Schema,
		Prompt:    prompt,
		Savings:   l.Savings,
		Fallback:  l.Fallback,
		Tokens:    res.PromptTokens + res.CompletionTokens,
		CreatedAt: time.Now(),
	}, nil
}

// Link 只做链接、检索与剪枝，不生成也不缓存
func (s *Service) Link(ctx context.Context, question string, opts ...AskOption) (*Linking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, apperrors.ErrEmptyQuestion
	}
	g, err := s.deps.Store.Snapshot()
	if err != nil {
		return nil, err
	}
	o := askOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return s.link(g, question, s.tracer(question, o.observers))
}

func (s *Service) link(g *graph.Generation, question string, t *tracer) (*Linking, error) {
	l := &Linking{Version: g.Version()}

	start := time.Now()
	l.Terms = s.deps.Extractor.Extract(question)
	t.stage(StageExtract, start, len(l.Terms))

	start = time.Now()
	matches, err := s.deps.Matcher.Match(g, l.Terms)
	switch {
	case err == nil:
		l.Matches = matches
		t.stage(StageMatch, start, len(matches))

		start = time.Now()
		if l.Subgraph, err = s.deps.Retriever.Retrieve(g, matches); err != nil {
			return nil, err
		}
		t.stage(StageRetrieve, start, len(l.Subgraph.Tables))
	case errors.Is(err, apperrors.ErrNoEntityMatched) && s.cfg.Fallback == FallbackFullSchema:
		t.stage(StageMatch, start, 0)
		s.logger.Info("no entity matched, falling back to full schema",
			zap.String("question", question),
			zap.Int("tables", s.cfg.FallbackTables))
		l.Fallback = true
		l.Subgraph = retrieval.FullSchema(g, s.cfg.FallbackTables)
	default:
		t.emit(Event{Stage: StageMatch, Elapsed: time.Since(start), Err: err.Error()})
		return nil, err
	}

	start = time.Now()
	if l.Schema, err = s.deps.Pruner.Prune(g, l.Subgraph, l.Matches); err != nil {
		return nil, err
	}
	t.stage(StagePrune, start, len(l.Schema.Tables))
	l.Savings = s.savings(g, l.Schema)
	return l, nil
}

// savings 对比完整 schema 与剪枝结果的规模，完整 schema 的大小按图谱版本只算一次
func (s *Service) savings(g *graph.Generation, schema *pruner.PrunedSchema) *Savings {
	full, ok := s.full.get(g.Version())
	if !ok {
		fs, err := s.deps.Pruner.Full(g)
		if err != nil {
			s.logger.Warn("full schema size unavailable", zap.Error(err))
			return nil
		}
		full = schemaSize{tables: len(fs.Tables), bytes: len(s.ddl.Render(fs))}
		s.full.set(g.Version(), full)
	}

	sv := &Savings{
		OriginalTables: full.tables,
		PrunedTables:   len(schema.Tables),
		OriginalBytes:  full.bytes,
		PrunedBytes:    len(s.ddl.Render(schema)),
	}
	sv.SavedBytes = sv.OriginalBytes - sv.PrunedBytes
	if sv.OriginalBytes > 0 {
		sv.SavedPercent = math.Round(float64(sv.SavedBytes)/float64(sv.OriginalBytes)*10000) / 100
	}
	return sv
}

type schemaSize struct {
	tables, bytes int
}

// fullSizeMemo 最近一个图谱版本的完整 schema 规模
type fullSizeMemo struct {
	mu      sync.Mutex
	version graph.Version
	size    schemaSize
	ok      bool
}

func (m *fullSizeMemo) get(v graph.Version) (schemaSize, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size, m.ok && m.version == v
}

func (m *fullSizeMemo) set(v graph.Version, size schemaSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ok && v.Less(m.version) {
		return
	}
	m.version, m.size, m.ok = v, size, true
}

// Cache 当前问答缓存，未启用时为 nil
func (s *Service) Cache() *cache.Cache[*Answer] {
	return s.cache
}

// Store 图谱存储
func (s *Service) Store() *graph.Store {
	return s.deps.Store
}

// outcomeOf 错误到指标标签
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrEmptyQuestion):
		return "empty_question"
	case errors.Is(err, apperrors.ErrNoEntityMatched):
		return "no_entity"
	case errors.Is(err, apperrors.ErrSchemaEmpty):
		return "schema_empty"
	case errors.Is(err, apperrors.ErrGraphUnavailable):
		return "graph_unavailable"
	case errors.Is(err, apperrors.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, apperrors.ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
