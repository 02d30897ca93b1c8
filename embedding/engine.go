package embedding

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	"videoSearch/core"
)

// Model 图文共享向量空间的嵌入模型
type Model interface {
	Name() string
	Dimensions() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedImages 输入为 JPEG/PNG 编码的图像
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)
}

// DefaultBatchSize 单次模型调用的最大条数
const DefaultBatchSize = 32

// Engine 封装模型调用：分批、保序、归一化，失败时整批返回空
type Engine struct {
	model     Model
	batchSize int
	logger    *log.Logger
}

// NewEngine 创建嵌入引擎
func NewEngine(model Model, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		model:     model,
		batchSize: batchSize,
		logger:    log.New(os.Stdout, "[EMBEDDING] ", log.LstdFlags),
	}
}

// Dimensions 向量维度
func (e *Engine) Dimensions() int { return e.model.Dimensions() }

// ModelName 模型名称
func (e *Engine) ModelName() string { return e.model.Name() }

// EncodeTexts 编码文本，输出与输入等长同序；失败时返回空切片
func (e *Engine) EncodeTexts(ctx context.Context, texts []string) []core.Vector {
	return encode(ctx, e, "text", texts, e.model.EmbedTexts)
}

// EncodeImages 编码图像，输出与输入等长同序；失败时返回空切片
func (e *Engine) EncodeImages(ctx context.Context, images [][]byte) []core.Vector {
	return encode(ctx, e, "image", images, e.model.EmbedImages)
}

func encode[T any](ctx context.Context, e *Engine, kind string, items []T, embed func(context.Context, []T) ([][]float32, error)) []core.Vector {
	if len(items) == 0 {
		return []core.Vector{}
	}
	out := make([]core.Vector, 0, len(items))
	for start := 0; start < len(items); start += e.batchSize {
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		vecs, err := embed(ctx, items[start:end])
		if err == nil {
			err = e.check(vecs, end-start)
		}
		if err != nil {
			e.logger.Printf("%s 批次 [%d,%d) 编码失败，丢弃整批 %d 条: %v", kind, start, end, len(items), fmt.Errorf("%w: %v", core.ErrModelFailure, err))
			return []core.Vector{}
		}
		for _, v := range vecs {
			out = append(out, core.Vector(v).Normalize())
		}
	}
	return out
}

func (e *Engine) check(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("expected %d embeddings, got %d", want, len(vecs))
	}
	dim := e.model.Dimensions()
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if dim > 0 && len(v) != dim {
			return fmt.Errorf("embedding %d has %d dims, model reports %d: %w", i, len(v), dim, core.ErrDimensionMismatch)
		}
		// 零向量无法归一化
		if n := core.Vector(v).Norm(); n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("embedding %d has invalid norm %v", i, n)
		}
	}
	return nil
}
