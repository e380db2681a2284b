package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage 编排阶段
type Stage string

const (
	StageExtract  Stage = "extract"
	StageMatch    Stage = "match"
	StageRetrieve Stage = "retrieve"
	StagePrune    Stage = "prune"
	StageGenerate Stage = "generate"
	StageCache    Stage = "cache_hit"
	StageDone     Stage = "done"
)

// Event 阶段事件。Count 的含义随阶段而定：词条数、匹配数、表数或 token 数。
type Event struct {
	Stage    Stage         `json:"stage"`
	Question string        `json:"question"`
	Elapsed  time.Duration `json:"elapsed"`
	Count    int           `json:"count,omitempty"`
	Cached   bool          `json:"cached,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Observer 接收阶段事件，需要自行保证并发安全
type Observer func(Event)

// tracer 把事件分发给全局与单次观察者，并记录阶段耗时指标。
// waiters 非空时，事件还会分发给当时加入同一单飞计算的所有调用者。
type tracer struct {
	question  string
	observers []Observer
	waiters   func() []Observer
	metrics   *metrics
	logger    *zap.Logger
}

func (s *Service) tracer(question string, extra []Observer) *tracer {
	obs := make([]Observer, 0, len(s.observers)+len(extra))
	obs = append(obs, s.observers...)
	obs = append(obs, extra...)
	return &tracer{question: question, observers: obs, metrics: s.metrics, logger: s.logger}
}

// flightTracer 单飞计算使用的 tracer：全局观察者只收到一次，等待者各收到一次
func (s *Service) flightTracer(question, key string) *tracer {
	return &tracer{
		question:  question,
		observers: s.observers,
		waiters:   func() []Observer { return s.flights.observers(key) },
		metrics:   s.metrics,
		logger:    s.logger,
	}
}

func (t *tracer) stage(st Stage, start time.Time, count int) {
	t.emit(Event{Stage: st, Elapsed: time.Since(start), Count: count})
}

func (t *tracer) emit(e Event) {
	e.Question = t.question
	t.metrics.stage(e.Stage, e.Elapsed)
	t.logger.Debug("stage finished",
		zap.String("stage", string(e.Stage)),
		zap.Duration("elapsed", e.Elapsed),
		zap.Int("count", e.Count))
	for _, o := range t.observers {
		o(e)
	}
	if t.waiters != nil {
		for _, o := range t.waiters() {
			o(e)
		}
	}
}

// flightRegistry 按缓存键登记正在等待同一计算的调用者的观察者。
// 中途加入的调用者只收到加入之后的阶段事件。
type flightRegistry struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int][]Observer
}

// join 登记观察者，返回的函数用于退出
func (r *flightRegistry) join(key string, obs []Observer) func() {
	if len(obs) == 0 {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]map[int][]Observer)
	}
	if r.subs[key] == nil {
		r.subs[key] = make(map[int][]Observer)
	}
	id := r.next
	r.next++
	r.subs[key][id] = obs

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[key], id)
		if len(r.subs[key]) == 0 {
			delete(r.subs, key)
		}
	}
}

func (r *flightRegistry) observers(key string) []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Observer
	for _, obs := range r.subs[key] {
		out = append(out, obs...)
	}
	return out
}
