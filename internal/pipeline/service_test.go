package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-retriever/internal/ai"
	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/cache"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/graph/graphtest"
	"schema-retriever/internal/linking"
	"schema-retriever/internal/pipeline"
	"schema-retriever/internal/pruner"
	"schema-retriever/internal/retrieval"
	"schema-retriever/internal/terms"
)

const customersOrders = "How many orders per customers?"

// fakeGenerator 记录调用次数与最后一次请求
type fakeGenerator struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  *ai.Request
	fn    func(ctx context.Context, req *ai.Request) (*ai.Result, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req *ai.Request) (*ai.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &ai.Result{SQL: "SELECT 1", Model: "fake", PromptTokens: 10, CompletionTokens: 2}, nil
}

func (f *fakeGenerator) lastRequest() *ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fixture struct {
	store *graph.Store
	gen   *fakeGenerator
	svc   *pipeline.Service
}

func newFixture(t *testing.T, cfg pipeline.Config, withCache bool, opts ...pipeline.Option) *fixture {
	t.Helper()
	store := graphtest.RetailStore()

	matcher, err := linking.NewMatcher(linking.DefaultConfig(0.85), zap.NewNop())
	require.NoError(t, err)
	retriever, err := retrieval.NewRetriever(retrieval.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	p, err := pruner.NewPruner(pruner.DefaultConfig(0.8), zap.NewNop())
	require.NoError(t, err)

	if withCache {
		c, err := cache.New[*pipeline.Answer](cache.DefaultConfig(), zap.NewNop())
		require.NoError(t, err)
		opts = append(opts, pipeline.WithCache(c))
	}

	gen := &fakeGenerator{}
	svc, err := pipeline.NewService(cfg, pipeline.Deps{
		Store:     store,
		Extractor: terms.New(store, zap.NewNop()),
		Matcher:   matcher,
		Retriever: retriever,
		Pruner:    p,
		Generator: gen,
	}, zap.NewNop(), opts...)
	require.NoError(t, err)
	return &fixture{store: store, gen: gen, svc: svc}
}

func TestAsk_CustomersOrders(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	resp, err := f.svc.Ask(context.Background(), customersOrders)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "SELECT 1", resp.Answer.SQL)
	assert.Equal(t, 12, resp.Answer.Tokens)
	assert.Equal(t, f.store.Version(), resp.Answer.Version)

	schema := resp.Answer.Schema
	assert.ElementsMatch(t, []string{"customers", "orders"}, schema.TableNames())
	require.Len(t, schema.Joins, 1)
	assert.Equal(t, "orders.customer_id = customers.customer_id", schema.Joins[0].String())

	req := f.gen.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, customersOrders, req.Question)
	assert.Contains(t, req.Schema, "CREATE TABLE orders (")
	assert.Contains(t, req.Schema, "CREATE TABLE customers (")
	assert.Contains(t, req.Context, "To join orders with customers: orders.customer_id = customers.customer_id")
}

func TestAsk_ConceptQuestion(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	resp, err := f.svc.Ask(context.Background(), "高价值客户有哪些")
	require.NoError(t, err)

	customers := resp.Answer.Schema.Table("customers")
	require.NotNil(t, customers)
	var matched []string
	for _, c := range customers.Columns {
		if c.Matched {
			matched = append(matched, c.Name)
		}
	}
	assert.Equal(t, []string{"vip_level"}, matched)
}

func TestAsk_Idempotent(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	ctx := context.Background()

	first, err := f.svc.Ask(ctx, customersOrders)
	require.NoError(t, err)
	second, err := f.svc.Ask(ctx, "how many orders per  CUSTOMERS")
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Same(t, first.Answer, second.Answer)
	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestAsk_InvalidatedByGenerationBump(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, customersOrders)
	require.NoError(t, err)

	f.store.Publish(graphtest.Retail())

	resp, err := f.svc.Ask(ctx, customersOrders)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int32(2), f.gen.calls.Load())
	assert.Equal(t, uint64(2), resp.Answer.Version.Generation)
	assert.Equal(t, 1, f.svc.Cache().Len())
}

func TestAsk_InvalidatedByConceptAddition(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, customersOrders)
	require.NoError(t, err)

	_, err = f.store.AddConcept(graph.ConceptSpec{
		Term:    "复购率",
		Targets: []graph.TargetSpec{{Table: "customers", Column: "vip_level"}},
	})
	require.NoError(t, err)

	resp, err := f.svc.Ask(ctx, customersOrders)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestAsk_SingleFlight(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	release := make(chan struct{})
	f.gen.fn = func(ctx context.Context, req *ai.Request) (*ai.Result, error) {
		<-release
		return &ai.Result{SQL: "SELECT COUNT(*) FROM orders o JOIN customers c ON o.customer_id = c.customer_id"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	answers := make([]*pipeline.Answer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Ask(context.Background(), customersOrders)
			if assert.NoError(t, err) {
				answers[i] = resp.Answer
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.gen.calls.Load())
	for _, a := range answers {
		assert.Same(t, answers[0], a)
	}
}

func TestAsk_SharedFlightStreamsStagesToEveryCaller(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	started := make(chan struct{})
	release := make(chan struct{})
	f.gen.fn = func(ctx context.Context, req *ai.Request) (*ai.Result, error) {
		close(started)
		<-release
		return &ai.Result{SQL: "SELECT 1"}, nil
	}

	type recorder struct {
		mu     sync.Mutex
		stages []pipeline.Stage
	}
	observe := func(r *recorder) pipeline.AskOption {
		return pipeline.Observe(func(e pipeline.Event) {
			r.mu.Lock()
			r.stages = append(r.stages, e.Stage)
			r.mu.Unlock()
		})
	}
	first, second := &recorder{}, &recorder{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.Ask(context.Background(), customersOrders, observe(first))
		assert.NoError(t, err)
	}()
	<-started
	go func() {
		defer wg.Done()
		_, err := f.svc.Ask(context.Background(), customersOrders, observe(second))
		assert.NoError(t, err)
	}()

	// 第二个调用者进入单飞等待后才放行生成
	require.Eventually(t, func() bool {
		return f.svc.Cache().Stats().Misses == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.gen.calls.Load())
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageExtract, pipeline.StageMatch, pipeline.StageRetrieve,
		pipeline.StagePrune, pipeline.StageGenerate, pipeline.StageDone,
	}, first.stages)
	// 中途加入的调用者收到加入之后的阶段
	assert.Equal(t, []pipeline.Stage{pipeline.StageGenerate, pipeline.StageDone}, second.stages)
}

func TestAsk_CacheDisabled(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), false)

	for i := 0; i < 2; i++ {
		resp, err := f.svc.Ask(context.Background(), customersOrders)
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, int32(2), f.gen.calls.Load())
	assert.Nil(t, f.svc.Cache())
}

func TestAsk_SkipCache(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	_, err := f.svc.Ask(context.Background(), customersOrders)
	require.NoError(t, err)
	resp, err := f.svc.Ask(context.Background(), customersOrders, pipeline.SkipCache())
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestAsk_NoEntityMatched(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	_, err := f.svc.Ask(context.Background(), "天气怎么样")
	assert.ErrorIs(t, err, apperrors.ErrNoEntityMatched)
	assert.Equal(t, int32(0), f.gen.calls.Load())
	assert.Equal(t, 0, f.svc.Cache().Len())
}

func TestAsk_FullSchemaFallback(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.Fallback = pipeline.FallbackFullSchema
	cfg.FallbackTables = 3
	f := newFixture(t, cfg, true)

	resp, err := f.svc.Ask(context.Background(), "天气怎么样")
	require.NoError(t, err)
	assert.True(t, resp.Answer.Fallback)
	assert.Equal(t, []string{"categories", "customers", "employees"}, resp.Answer.Schema.TableNames())
	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestAsk_GenerationTimeout(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, true)
	f.gen.fn = func(ctx context.Context, req *ai.Request) (*ai.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.svc.Ask(context.Background(), customersOrders)
	assert.ErrorIs(t, err, apperrors.ErrGenerationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.svc.Cache().Len())
}

func TestAsk_GenerationFailureNotCached(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	boom := ai.NewError(ai.ErrorTypeAuth, "authentication failed", false, errors.New("401"))
	f.gen.fn = func(ctx context.Context, req *ai.Request) (*ai.Result, error) {
		return nil, boom
	}

	_, err := f.svc.Ask(context.Background(), customersOrders)
	assert.ErrorIs(t, err, apperrors.ErrGenerationFailed)
	assert.ErrorIs(t, err, boom)

	f.gen.fn = nil
	resp, err := f.svc.Ask(context.Background(), customersOrders)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestAsk_InputErrors(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)
	_, err := f.svc.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, apperrors.ErrEmptyQuestion)

	matcher, _ := linking.NewMatcher(linking.DefaultConfig(0.85), nil)
	retriever, _ := retrieval.NewRetriever(retrieval.DefaultConfig(), nil)
	p, _ := pruner.NewPruner(pruner.DefaultConfig(0.8), nil)
	empty := graph.NewStore(nil)
	svc, err := pipeline.NewService(pipeline.DefaultConfig(), pipeline.Deps{
		Store: empty, Extractor: terms.New(empty, nil), Matcher: matcher, Retriever: retriever, Pruner: p, Generator: &fakeGenerator{},
	}, nil)
	require.NoError(t, err)
	_, err = svc.Ask(context.Background(), customersOrders)
	assert.ErrorIs(t, err, apperrors.ErrGraphUnavailable)
}

func TestAsk_Observer(t *testing.T) {
	var mu sync.Mutex
	var stages []pipeline.Stage
	record := func(e pipeline.Event) {
		mu.Lock()
		stages = append(stages, e.Stage)
		mu.Unlock()
		assert.Equal(t, customersOrders, e.Question)
	}
	f := newFixture(t, pipeline.DefaultConfig(), true)

	_, err := f.svc.Ask(context.Background(), customersOrders, pipeline.Observe(record))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageExtract, pipeline.StageMatch, pipeline.StageRetrieve,
		pipeline.StagePrune, pipeline.StageGenerate, pipeline.StageDone,
	}, stages)

	stages = nil
	_, err = f.svc.Ask(context.Background(), customersOrders, pipeline.Observe(record))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Stage{pipeline.StageCache, pipeline.StageDone}, stages)
}

func TestAsk_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, pipeline.DefaultConfig(), true, pipeline.WithMetrics(reg))

	_, _ = f.svc.Ask(context.Background(), customersOrders)
	_, _ = f.svc.Ask(context.Background(), customersOrders)
	_, _ = f.svc.Ask(context.Background(), "")

	count, err := testutil.GatherAndCount(reg, "schema_retriever_pipeline_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "ok, cache_hit and empty_question series")
}

func TestLink(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	l, err := f.svc.Link(context.Background(), customersOrders)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "customers"}, []string{l.Terms[0].Text, l.Terms[1].Text})
	assert.NotEmpty(t, l.Matches)
	assert.True(t, l.Subgraph.Connected)
	assert.ElementsMatch(t, []string{"customers", "orders"}, l.Schema.TableNames())
	assert.False(t, l.Fallback)

	assert.Equal(t, int32(0), f.gen.calls.Load())
	assert.Equal(t, 0, f.svc.Cache().Len())

	_, err = f.svc.Link(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrEmptyQuestion)
}

func TestLink_ReportsSavings(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), true)

	l, err := f.svc.Link(context.Background(), customersOrders)
	require.NoError(t, err)
	sv := l.Savings
	require.NotNil(t, sv)
	assert.Equal(t, 7, sv.OriginalTables)
	assert.Equal(t, 2, sv.PrunedTables)
	assert.Greater(t, sv.OriginalBytes, sv.PrunedBytes)
	assert.Equal(t, sv.OriginalBytes-sv.PrunedBytes, sv.SavedBytes)
	assert.Greater(t, sv.SavedPercent, 0.0)
	assert.Less(t, sv.SavedPercent, 100.0)

	// 新 revision 重新计算完整规模，结构没变结果相同
	_, err = f.store.AddSynonyms("买家", "customers")
	require.NoError(t, err)
	l2, err := f.svc.Link(context.Background(), customersOrders)
	require.NoError(t, err)
	assert.Equal(t, sv, l2.Savings)

	resp, err := f.svc.Ask(context.Background(), customersOrders)
	require.NoError(t, err)
	assert.Equal(t, sv, resp.Answer.Savings)
}

func TestConfig_Validate(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Fallback = "guess"
	assert.Error(t, cfg.Validate())

	cfg = pipeline.DefaultConfig()
	cfg.Fallback = pipeline.FallbackFullSchema
	cfg.FallbackTables = 0
	assert.Error(t, cfg.Validate())
}
