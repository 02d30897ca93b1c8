package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoSearch/core"
)

const (
	milvusTextMaxLen    = 8192
	milvusVideoIDMaxLen = 256
	milvusVectorField   = "vector"
)

var milvusOutputFields = []string{"video_id", "modality", "timestamp", "start", "end", "text", "metadata"}

// MilvusConfig Milvus 连接配置
type MilvusConfig struct {
	Address  string
	Username string
	Password string
	APIKey   string // Zilliz Cloud
}

// MilvusVectorIndex 基于 Milvus 的向量索引（HNSW）
type MilvusVectorIndex struct {
	mc     client.Client
	coll   string
	dim    int
	metric Metric
	logger *log.Logger
}

// NewMilvusVectorIndex 连接 Milvus
func NewMilvusVectorIndex(ctx context.Context, cfg MilvusConfig) (*MilvusVectorIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: cfg.Address, Username: cfg.Username, Password: cfg.Password, APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &MilvusVectorIndex{mc: mc, logger: log.New(os.Stdout, "[MILVUS] ", log.LstdFlags)}, nil
}

func (s *MilvusVectorIndex) Backend() string { return "milvus" }

func milvusMetric(m Metric) entity.MetricType {
	switch m {
	case MetricDot:
		return entity.IP
	case MetricL2:
		return entity.L2
	default:
		return entity.COSINE
	}
}

func (s *MilvusVectorIndex) EnsureCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if err := validateCollection(name, dim, metric); err != nil {
		return err
	}
	has, err := s.mc.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("has collection: %w", err)
	}
	if has {
		existing, err := s.existingDim(ctx, name)
		if err != nil {
			return err
		}
		if existing != dim {
			return fmt.Errorf("%w: milvus collection %s has %d dims, requested %d", core.ErrDimensionMismatch, name, existing, dim)
		}
	} else {
		schema := entity.NewSchema().WithName(name).WithDescription("video moments: sampled frames and transcript segments")
		schema.WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusVideoIDMaxLen))
		schema.WithField(entity.NewField().WithName("modality").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
		schema.WithField(entity.NewField().WithName("timestamp").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("start").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusTextMaxLen))
		schema.WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeJSON))
		schema.WithField(entity.NewField().WithName(milvusVectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		s.logger.Printf("created collection %s (dim=%d, metric=%s)", name, dim, metric)
	}

	indexes, err := s.mc.DescribeIndex(ctx, name, milvusVectorField)
	if err != nil || len(indexes) == 0 {
		idx, err := entity.NewIndexHNSW(milvusMetric(metric), 8, 200)
		if err != nil {
			return fmt.Errorf("new hnsw index: %w", err)
		}
		if err := s.mc.CreateIndex(ctx, name, milvusVectorField, idx, false, client.WithIndexName("idx_vector")); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := s.mc.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	s.coll, s.dim, s.metric = name, dim, metric
	return nil
}

func (s *MilvusVectorIndex) existingDim(ctx context.Context, name string) (int, error) {
	coll, err := s.mc.DescribeCollection(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("describe collection: %w", err)
	}
	for _, f := range coll.Schema.Fields {
		if f.DataType == entity.FieldTypeFloatVector {
			d, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
			if err != nil {
				return 0, fmt.Errorf("parse dim of %s.%s: %w", name, f.Name, err)
			}
			return d, nil
		}
	}
	return 0, fmt.Errorf("collection %s has no float vector field", name)
}

func (s *MilvusVectorIndex) Upsert(ctx context.Context, points []core.IndexPoint) error {
	if len(points) == 0 {
		return nil
	}
	if s.coll == "" {
		return fmt.Errorf("%w: collection not initialised", core.ErrIndexWriteFailure)
	}
	if err := checkDimensions(points, s.dim); err != nil {
		return err
	}

	n := len(points)
	ids := make([]string, 0, n)
	videoIDs := make([]string, 0, n)
	modalities := make([]string, 0, n)
	timestamps := make([]float64, 0, n)
	starts := make([]float64, 0, n)
	ends := make([]float64, 0, n)
	texts := make([]string, 0, n)
	metas := make([][]byte, 0, n)
	vectors := make([][]float32, 0, n)

	for _, p := range points {
		var start, end float64
		var text string
		var md map[string]any
		switch v := p.Payload.(type) {
		case *core.VisualPayload:
			start, end, md = v.Timestamp, v.Timestamp, v.Metadata
		case *core.AudioPayload:
			var truncated bool
			text, md, truncated = splitLongText(v.Text, v.Metadata)
			start, end = v.Start, v.End
			if truncated {
				s.logger.Printf("point %s: transcript of %d bytes exceeds text column, full text kept in metadata", p.ID, len(v.Text))
			}
		}
		meta, err := json.Marshal(nonNil(md))
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %v", core.ErrIndexWriteFailure, err)
		}
		ids = append(ids, p.ID)
		videoIDs = append(videoIDs, p.Payload.Video())
		modalities = append(modalities, string(p.Payload.Modality()))
		timestamps = append(timestamps, p.Payload.Time())
		starts = append(starts, start)
		ends = append(ends, end)
		texts = append(texts, text)
		metas = append(metas, meta)
		vectors = append(vectors, p.Vector)
	}

	_, err := s.mc.Upsert(ctx, s.coll, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("video_id", videoIDs),
		entity.NewColumnVarChar("modality", modalities),
		entity.NewColumnDouble("timestamp", timestamps),
		entity.NewColumnDouble("start", starts),
		entity.NewColumnDouble("end", ends),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnJSONBytes("metadata", metas),
		entity.NewColumnFloatVector(milvusVectorField, s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("%w: milvus upsert %d points: %v", core.ErrIndexWriteFailure, n, err)
	}
	return nil
}

func (s *MilvusVectorIndex) Query(ctx context.Context, vector core.Vector, limit int, filter Filter) ([]ScoredPoint, error) {
	if s.coll == "" {
		return []ScoredPoint{}, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, collection has %d", core.ErrDimensionMismatch, len(vector), s.dim)
	}
	if limit <= 0 {
		limit = 5
	}
	sp, err := entity.NewIndexHNSWSearchParam(max(74, limit))
	if err != nil {
		return nil, err
	}
	res, err := s.mc.Search(ctx, s.coll, []string{}, milvusFilter(filter), milvusOutputFields,
		[]entity.Vector{entity.FloatVector(vector)}, milvusVectorField, milvusMetric(s.metric), limit, sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []ScoredPoint
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			fields := map[string]any{
				core.FieldVideoID:   varcharAt(cols["video_id"], i),
				core.FieldModality:  varcharAt(cols["modality"], i),
				core.FieldTimestamp: doubleAt(cols["timestamp"], i),
				core.FieldStart:     doubleAt(cols["start"], i),
				core.FieldEnd:       doubleAt(cols["end"], i),
				core.FieldText:      varcharAt(cols["text"], i),
			}
			if c, ok := cols["metadata"].(*entity.ColumnJSONBytes); ok {
				if data := c.Data(); i < len(data) {
					var md map[string]any
					if json.Unmarshal(data[i], &md) == nil {
						mergeMetadata(fields, md)
					}
				}
			}
			payload, err := core.PayloadFromFields(fields)
			if err != nil {
				s.logger.Printf("skip hit with bad payload: %v", err)
				continue
			}
			score := float64(r.Scores[i])
			if s.metric == MetricL2 {
				score = -score
			}
			hits = append(hits, ScoredPoint{ID: varcharAt(r.IDs, i), Score: score, Payload: payload})
		}
	}
	return hits, nil
}

func (s *MilvusVectorIndex) DeleteByVideo(ctx context.Context, videoID string, keep ...string) (int, error) {
	if s.coll == "" {
		return 0, nil
	}
	expr := "video_id == " + quoteExpr(videoID)
	if len(keep) > 0 {
		quoted := make([]string, len(keep))
		for i, id := range keep {
			quoted[i] = quoteExpr(id)
		}
		expr += " && id not in [" + strings.Join(quoted, ",") + "]"
	}
	n, err := s.count(ctx, expr)
	if err != nil {
		s.logger.Printf("count before delete failed: %v", err)
	}
	if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete: %w", err)
	}
	return n, nil
}

func (s *MilvusVectorIndex) Count(ctx context.Context) (int, error) {
	if s.coll == "" {
		return 0, nil
	}
	return s.count(ctx, `id != ""`)
}

func (s *MilvusVectorIndex) count(ctx context.Context, expr string) (int, error) {
	rs, err := s.mc.Query(ctx, s.coll, nil, expr, []string{"count(*)"}, client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, err
	}
	if c, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64); ok && len(c.Data()) > 0 {
		return int(c.Data()[0]), nil
	}
	return 0, fmt.Errorf("count(*) column missing")
}

func (s *MilvusVectorIndex) Close() error {
	return s.mc.Close()
}

func milvusFilter(f Filter) string {
	var parts []string
	if f.VideoID != "" {
		parts = append(parts, "video_id == "+quoteExpr(f.VideoID))
	}
	if f.Modality != "" {
		parts = append(parts, "modality == "+quoteExpr(string(f.Modality)))
	}
	return strings.Join(parts, " && ")
}

func quoteExpr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func varcharAt(c entity.Column, i int) string {
	if col, ok := c.(*entity.ColumnVarChar); ok {
		if data := col.Data(); i < len(data) {
			return data[i]
		}
	}
	return ""
}

func doubleAt(c entity.Column, i int) float64 {
	if col, ok := c.(*entity.ColumnDouble); ok {
		if data := col.Data(); i < len(data) {
			return data[i]
		}
	}
	return 0
}

// splitLongText 超长转写截断写入 text 列，完整文本放进 metadata 的 text 键
func splitLongText(text string, md map[string]any) (string, map[string]any, bool) {
	if len(text) <= milvusTextMaxLen {
		return text, md, false
	}
	out := make(map[string]any, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out[core.FieldText] = text
	return truncateUTF8(text, milvusTextMaxLen), out, true
}

// mergeMetadata 将 metadata 列合并进字段；text 键覆盖被截断的 text 列
func mergeMetadata(fields map[string]any, md map[string]any) {
	for k, v := range md {
		if k == core.FieldText {
			if full, ok := v.(string); ok {
				fields[core.FieldText] = full
			}
			continue
		}
		if !core.IsReservedField(k) {
			fields[k] = v
		}
	}
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func nonNil(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}
