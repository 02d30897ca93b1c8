package storage

import (
	"context"
	"fmt"
	"regexp"

	"videoSearch/core"
)

// Metric 相似度度量
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
	// MetricL2 的得分为负的欧氏距离，保证得分越高越相似
	MetricL2 Metric = "l2"
)

// ParseMetric 解析度量名称
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricDot, MetricL2:
		return Metric(s), nil
	case "":
		return MetricCosine, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Filter 查询时的 payload 过滤条件，零值表示不过滤
type Filter struct {
	VideoID  string
	Modality core.Modality
}

// Matches 判断 payload 是否满足过滤条件
func (f Filter) Matches(p core.Payload) bool {
	if f.VideoID != "" && p.Video() != f.VideoID {
		return false
	}
	if f.Modality != "" && p.Modality() != f.Modality {
		return false
	}
	return true
}

// ScoredPoint 查询命中
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload core.Payload
}

// VectorIndex 向量索引接口
type VectorIndex interface {
	// EnsureCollection 幂等创建集合；已存在但维度不同返回 core.ErrDimensionMismatch
	EnsureCollection(ctx context.Context, name string, dim int, metric Metric) error
	// Upsert 按 ID 覆盖写入；任何失败都会返回，不会静默丢弃
	Upsert(ctx context.Context, points []core.IndexPoint) error
	// Query 返回至多 limit 个命中，按得分降序
	Query(ctx context.Context, vector core.Vector, limit int, filter Filter) ([]ScoredPoint, error)
	// DeleteByVideo 删除视频的所有点，keep 中的 ID 保留；返回删除数量
	DeleteByVideo(ctx context.Context, videoID string, keep ...string) (int, error)
	Count(ctx context.Context) (int, error)
	Backend() string
	Close() error
}

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateCollection(name string, dim int, metric Metric) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	if dim <= 0 {
		return fmt.Errorf("collection dimension must be positive, got %d", dim)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return err
	}
	return nil
}

// checkDimensions 写入前检查所有点的维度，避免部分写入
func checkDimensions(points []core.IndexPoint, dim int) error {
	for _, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("%w: point %s has %d dims, collection has %d", core.ErrDimensionMismatch, p.ID, len(p.Vector), dim)
		}
		if p.Payload == nil {
			return fmt.Errorf("%w: point %s has no payload", core.ErrIndexWriteFailure, p.ID)
		}
	}
	return nil
}
