package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Modality 索引点的来源模态
type Modality string

const (
	ModalityVisual Modality = "visual"
	ModalityAudio  Modality = "audio"
)

// ParseModality 解析模态字符串，空字符串表示不过滤
func ParseModality(s string) (Modality, error) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case ModalityVisual:
		return ModalityVisual, nil
	case ModalityAudio:
		return ModalityAudio, nil
	}
	return "", fmt.Errorf("unknown modality %q", s)
}

// VideoFrame 按间隔采样得到的视频帧
type VideoFrame struct {
	Image     []byte  // JPEG 编码的图像
	Timestamp float64 // 秒，解码器给出的显示时间戳
}

// AudioSegment 语音识别输出的一段文本
type AudioSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Vector 单位长度的嵌入向量
type Vector []float32

// Norm 返回 L2 范数
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot 内积；两个单位向量的内积即余弦相似度
func (v Vector) Dot(o Vector) float64 {
	n := len(v)
	if len(o) < n {
		n = len(o)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(v[i]) * float64(o[i])
	}
	return sum
}

// Normalize 原地归一化为单位向量；零向量保持不变
func (v Vector) Normalize() Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// payload 中的保留字段，元数据不允许覆盖
const (
	FieldVideoID   = "video_id"
	FieldModality  = "modality"
	FieldTimestamp = "timestamp"
	FieldStart     = "start"
	FieldEnd       = "end"
	FieldText      = "text"
)

var reservedFields = map[string]bool{
	FieldVideoID: true, FieldModality: true, FieldTimestamp: true,
	FieldStart: true, FieldEnd: true, FieldText: true,
}

// IsReservedField 判断字段名是否为 payload 保留字段
func IsReservedField(name string) bool { return reservedFields[name] }

// Payload 索引点的来源信息，只有 *VisualPayload 和 *AudioPayload 两种实现
type Payload interface {
	Modality() Modality
	Video() string
	// Time 统一时间戳：画面为帧时间，语音为片段开始时间
	Time() float64
	Fields() map[string]any
	sealed()
}

// VisualPayload 画面帧的来源信息，不携带文本
type VisualPayload struct {
	VideoID   string
	Timestamp float64
	Metadata  map[string]any
}

func (p *VisualPayload) Modality() Modality { return ModalityVisual }
func (p *VisualPayload) Video() string      { return p.VideoID }
func (p *VisualPayload) Time() float64      { return p.Timestamp }
func (p *VisualPayload) sealed()            {}

func (p *VisualPayload) Fields() map[string]any {
	m := copyMetadata(p.Metadata, 3)
	m[FieldVideoID] = p.VideoID
	m[FieldModality] = string(ModalityVisual)
	m[FieldTimestamp] = p.Timestamp
	return m
}

// AudioPayload 语音片段的来源信息
type AudioPayload struct {
	VideoID  string
	Start    float64
	End      float64
	Text     string
	Metadata map[string]any
}

func (p *AudioPayload) Modality() Modality { return ModalityAudio }
func (p *AudioPayload) Video() string      { return p.VideoID }
func (p *AudioPayload) Time() float64      { return p.Start }
func (p *AudioPayload) sealed()            {}

func (p *AudioPayload) Fields() map[string]any {
	m := copyMetadata(p.Metadata, 6)
	m[FieldVideoID] = p.VideoID
	m[FieldModality] = string(ModalityAudio)
	m[FieldTimestamp] = p.Start
	m[FieldStart] = p.Start
	m[FieldEnd] = p.End
	m[FieldText] = p.Text
	return m
}

func copyMetadata(md map[string]any, extra int) map[string]any {
	m := make(map[string]any, len(md)+extra)
	for k, v := range md {
		if !reservedFields[k] {
			m[k] = v
		}
	}
	return m
}

// PayloadFromFields 由扁平字段还原 payload
func PayloadFromFields(fields map[string]any) (Payload, error) {
	mod, _ := fields[FieldModality].(string)
	videoID, _ := fields[FieldVideoID].(string)
	md := map[string]any{}
	for k, v := range fields {
		if !reservedFields[k] {
			md[k] = v
		}
	}
	if len(md) == 0 {
		md = nil
	}
	switch Modality(mod) {
	case ModalityVisual:
		return &VisualPayload{VideoID: videoID, Timestamp: toFloat(fields[FieldTimestamp]), Metadata: md}, nil
	case ModalityAudio:
		text, _ := fields[FieldText].(string)
		start := toFloat(fields[FieldStart])
		if _, ok := fields[FieldStart]; !ok {
			start = toFloat(fields[FieldTimestamp])
		}
		return &AudioPayload{VideoID: videoID, Start: start, End: toFloat(fields[FieldEnd]), Text: text, Metadata: md}, nil
	}
	return nil, fmt.Errorf("payload has unknown modality %q", mod)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case interface{ Float64() (float64, error) }:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// IndexPoint 写入向量索引的最小单元
type IndexPoint struct {
	ID      string
	Vector  Vector
	Payload Payload
}

// NewPointID 生成索引点 ID
func NewPointID() string {
	return uuid.NewString()
}

// SearchResult 检索结果，画面结果的 Text 为 nil
type SearchResult struct {
	Score     float64        `json:"score"`
	Timestamp float64        `json:"timestamp"`
	Modality  Modality       `json:"modality"`
	Text      *string        `json:"text"`
	VideoID   string         `json:"video_id"`
	Start     *float64       `json:"start,omitempty"`
	End       *float64       `json:"end,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResultFromPayload 将命中的 payload 转为检索结果
func ResultFromPayload(score float64, p Payload) SearchResult {
	r := SearchResult{Score: score, Timestamp: p.Time(), Modality: p.Modality(), VideoID: p.Video()}
	switch v := p.(type) {
	case *VisualPayload:
		r.Metadata = v.Metadata
	case *AudioPayload:
		text := strings.TrimSpace(v.Text)
		start, end := v.Start, v.End
		r.Text = &text
		r.Start = &start
		r.End = &end
		r.Metadata = v.Metadata
	}
	return r
}

// JobStatus 摄取任务状态
type JobStatus string

const (
	JobAccepted  JobStatus = "accepted"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobDegraded  JobStatus = "degraded" // 部分模态失败但已有索引点写入
	JobFailed    JobStatus = "failed"
)

// JobRecord 摄取任务记录
type JobRecord struct {
	ID        string    `json:"job_id"`
	VideoID   string    `json:"video_id"`
	Filename  string    `json:"filename,omitempty"`
	Status    JobStatus `json:"status"`
	Frames    int       `json:"frames_processed"`
	Segments  int       `json:"audio_segments_processed"`
	Points    int       `json:"points_indexed"`
	Warnings  []string  `json:"warnings,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal 任务是否已结束
func (j *JobRecord) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobDegraded || j.Status == JobFailed
}
