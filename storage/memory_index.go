package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"videoSearch/core"
)

// MemoryVectorIndex 进程内向量索引，线性扫描
type MemoryVectorIndex struct {
	mu     sync.RWMutex
	name   string
	dim    int
	metric Metric
	points map[string]core.IndexPoint
	order  []string // 插入顺序，保证同分结果稳定
}

// NewMemoryVectorIndex 创建内存索引
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{points: map[string]core.IndexPoint{}}
}

func (s *MemoryVectorIndex) Backend() string { return "memory" }

func (s *MemoryVectorIndex) EnsureCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if err := validateCollection(name, dim, metric); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim != 0 {
		if s.dim != dim {
			return fmt.Errorf("%w: collection %s has %d dims, requested %d", core.ErrDimensionMismatch, s.name, s.dim, dim)
		}
		return nil
	}
	s.name, s.dim, s.metric = name, dim, metric
	return nil
}

func (s *MemoryVectorIndex) Upsert(ctx context.Context, points []core.IndexPoint) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		return fmt.Errorf("%w: collection not initialised", core.ErrIndexWriteFailure)
	}
	if err := checkDimensions(points, s.dim); err != nil {
		return err
	}
	for _, p := range points {
		if _, exists := s.points[p.ID]; !exists {
			s.order = append(s.order, p.ID)
		}
		vec := make(core.Vector, len(p.Vector))
		copy(vec, p.Vector)
		s.points[p.ID] = core.IndexPoint{ID: p.ID, Vector: vec, Payload: p.Payload}
	}
	return nil
}

func (s *MemoryVectorIndex) Query(ctx context.Context, vector core.Vector, limit int, filter Filter) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dim == 0 || len(s.points) == 0 {
		return []ScoredPoint{}, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, collection has %d", core.ErrDimensionMismatch, len(vector), s.dim)
	}
	if limit <= 0 {
		limit = 5
	}

	hits := make([]ScoredPoint, 0, len(s.points))
	for _, id := range s.order {
		p := s.points[id]
		if !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: score(s.metric, vector, p.Vector), Payload: p.Payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func score(metric Metric, q, v core.Vector) float64 {
	switch metric {
	case MetricDot:
		return q.Dot(v)
	case MetricL2:
		var sum float64
		for i := range q {
			d := float64(q[i]) - float64(v[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	default:
		nq, nv := q.Norm(), v.Norm()
		if nq == 0 || nv == 0 {
			return 0
		}
		return q.Dot(v) / (nq * nv)
	}
}

func (s *MemoryVectorIndex) DeleteByVideo(ctx context.Context, videoID string, keep ...string) (int, error) {
	retain := make(map[string]bool, len(keep))
	for _, id := range keep {
		retain[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if !retain[id] && s.points[id].Payload.Video() == videoID {
			delete(s.points, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

func (s *MemoryVectorIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points), nil
}

func (s *MemoryVectorIndex) Close() error { return nil }
