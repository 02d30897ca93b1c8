package processors

import (
	"context"
	"fmt"
	"log"
	"os"

	"videoSearch/core"
	"videoSearch/storage"
)

// ReindexPolicy 同一视频重复摄取时的处理方式
type ReindexPolicy string

const (
	// ReindexAppend 直接追加，重复摄取会产生重复点
	ReindexAppend ReindexPolicy = "append"
	// ReindexReplace 写入前删除该视频已有的点
	ReindexReplace ReindexPolicy = "replace"
)

// EmbeddedFrame 已嵌入的画面帧，Vector 为 nil 表示该帧嵌入失败
type EmbeddedFrame struct {
	Timestamp float64
	Vector    core.Vector
}

// EmbeddedSegment 已嵌入的语音片段
type EmbeddedSegment struct {
	Segment core.AudioSegment
	Vector  core.Vector
}

// IndexReport 单个视频的写入结果
type IndexReport struct {
	VideoID       string `json:"video_id"`
	VisualPoints  int    `json:"visual_points"`
	AudioPoints   int    `json:"audio_points"`
	ReplacedCount int    `json:"replaced_points,omitempty"`
	// Empty 没有任何点可写，未调用 Upsert
	Empty bool `json:"empty"`
}

// Total 写入的点数
func (r IndexReport) Total() int { return r.VisualPoints + r.AudioPoints }

// Indexer 把嵌入结果组装成索引点并写入向量索引
type Indexer struct {
	index  storage.VectorIndex
	policy ReindexPolicy
	logger *log.Logger
}

// NewIndexer 创建索引编排器
func NewIndexer(index storage.VectorIndex, policy ReindexPolicy) *Indexer {
	if policy != ReindexReplace {
		policy = ReindexAppend
	}
	return &Indexer{index: index, policy: policy, logger: log.New(os.Stdout, "[INDEXER] ", log.LstdFlags)}
}

// BuildPoints 组装索引点，跳过向量为空的帧和片段
func BuildPoints(videoID string, frames []EmbeddedFrame, segments []EmbeddedSegment, metadata map[string]any) (points []core.IndexPoint, visual, audio int) {
	points = make([]core.IndexPoint, 0, len(frames)+len(segments))
	for _, f := range frames {
		if f.Vector == nil {
			continue
		}
		points = append(points, core.IndexPoint{
			ID:      core.NewPointID(),
			Vector:  f.Vector,
			Payload: &core.VisualPayload{VideoID: videoID, Timestamp: f.Timestamp, Metadata: userMetadata(metadata)},
		})
		visual++
	}
	for _, s := range segments {
		if s.Vector == nil {
			continue
		}
		end := s.Segment.End
		if end < s.Segment.Start {
			end = s.Segment.Start
		}
		points = append(points, core.IndexPoint{
			ID:     core.NewPointID(),
			Vector: s.Vector,
			Payload: &core.AudioPayload{
				VideoID:  videoID,
				Start:    s.Segment.Start,
				End:      end,
				Text:     s.Segment.Text,
				Metadata: userMetadata(metadata),
			},
		})
		audio++
	}
	return points, visual, audio
}

// userMetadata 去掉与保留字段同名的键
func userMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if !core.IsReservedField(k) {
			out[k] = v
		}
	}
	return out
}

// IndexVideo 一次性写入视频的所有画面点和语音点
func (ix *Indexer) IndexVideo(ctx context.Context, videoID string, frames []EmbeddedFrame, segments []EmbeddedSegment, metadata map[string]any) (IndexReport, error) {
	report := IndexReport{VideoID: videoID}
	points, visual, audio := BuildPoints(videoID, frames, segments, metadata)
	if len(points) == 0 {
		ix.logger.Printf("no points for video %s (frames=%d segments=%d), skip upsert", videoID, len(frames), len(segments))
		report.Empty = true
		return report, nil
	}

	// 先写新点再删旧点，写入失败时旧数据保持不变
	if err := ix.index.Upsert(ctx, points); err != nil {
		return report, fmt.Errorf("index video %s: %w", videoID, err)
	}
	report.VisualPoints, report.AudioPoints = visual, audio

	if ix.policy == ReindexReplace {
		fresh := make([]string, len(points))
		for i, p := range points {
			fresh[i] = p.ID
		}
		n, err := ix.index.DeleteByVideo(ctx, videoID, fresh...)
		if err != nil {
			return report, fmt.Errorf("%w: replace %s: %v", core.ErrIndexWriteFailure, videoID, err)
		}
		report.ReplacedCount = n
		if n > 0 {
			ix.logger.Printf("removed %d existing points of %s", n, videoID)
		}
	}
	ix.logger.Printf("indexed %s: %d visual + %d audio points", videoID, visual, audio)
	return report, nil
}
