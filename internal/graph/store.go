package graph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"schema-retriever/internal/apperrors"
)

// Store 持有当前发布的图谱快照。
// 读者通过 Snapshot 拿到不可变的 Generation，无需加锁；写者（重建发布、概念追加）之间互斥。
type Store struct {
	current atomic.Pointer[Generation]
	nextGen atomic.Uint64

	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewStore 创建空的图谱存储
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger.Named("graph")}
}

// Snapshot 返回当前快照，尚未发布时返回 ErrGraphUnavailable
func (s *Store) Snapshot() (*Generation, error) {
	g := s.current.Load()
	if g == nil {
		return nil, apperrors.ErrGraphUnavailable
	}
	return g, nil
}

// Version 当前快照版本，未发布时为零值
func (s *Store) Version() Version {
	if g := s.current.Load(); g != nil {
		return g.version
	}
	return Version{}
}

// Vocabulary 当前快照的词表，未发布时为空
func (s *Store) Vocabulary() []string {
	if g := s.current.Load(); g != nil {
		return g.Vocabulary()
	}
	return nil
}

// Publish 发布一代新构建的图谱，分配下一个 generation id。
// 指针切换完成后版本才对读者可见，缓存以快照自身的版本作为键，不会把旧图的结果记到新版本下。
// g 必须是 Builder.Build 新返回且未发布过的快照。
func (s *Store) Publish(g *Generation) Version {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g.version = Version{Generation: s.nextGen.Add(1)}
	s.current.Store(g)

	s.logger.Info("graph generation published",
		zap.Stringer("version", g.version),
		zap.Int("tables", len(g.tables)),
		zap.Int("relations", len(g.relations)),
		zap.Int("concepts", len(g.concepts)),
		zap.Int("values", len(g.values)))
	return g.version
}

// AddConcept 追加单个业务概念，派生新的 revision 并发布
func (s *Store) AddConcept(spec ConceptSpec) (Version, error) {
	return s.AddConcepts(spec)
}

// AddConcepts 追加一批业务概念。全部解析成功才发布，且只派生一个 revision；任一失败则快照不变
func (s *Store) AddConcepts(specs ...ConceptSpec) (Version, error) {
	if len(specs) == 0 {
		return Version{}, fmt.Errorf("%w: no concepts to add", apperrors.ErrInvalidGraph)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return Version{}, apperrors.ErrGraphUnavailable
	}

	concepts := make([]ConceptNode, len(cur.concepts), len(cur.concepts)+len(specs))
	copy(concepts, cur.concepts)
	terms := make([]string, 0, len(specs))
	for _, spec := range specs {
		c, err := cur.resolveConcept(spec)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidGraph, err)
		}
		c.ID = ConceptID(len(concepts))
		concepts = append(concepts, c)
		terms = append(terms, c.Term)
	}

	next := cur.derive(concepts, cur.synonymGroups)
	s.current.Store(next)

	s.logger.Info("concepts added",
		zap.Strings("terms", terms),
		zap.Stringer("version", next.version))
	return next.version, nil
}

// AddSynonyms 追加一组同义词，派生新的 revision 并发布
func (s *Store) AddSynonyms(group ...string) (Version, error) {
	if len(group) < 2 {
		return Version{}, fmt.Errorf("%w: synonym group needs at least two terms", apperrors.ErrInvalidGraph)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return Version{}, apperrors.ErrGraphUnavailable
	}

	groups := make([][]string, len(cur.synonymGroups), len(cur.synonymGroups)+1)
	copy(groups, cur.synonymGroups)
	groups = append(groups, append([]string(nil), group...))

	next := cur.derive(cur.concepts, groups)
	s.current.Store(next)

	s.logger.Info("synonyms added",
		zap.Strings("group", group),
		zap.Stringer("version", next.version))
	return next.version, nil
}
