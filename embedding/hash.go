package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"
)

// HashModel 基于特征哈希的确定性模型，无需外部服务，用于开发和测试。
// 文本按词哈希；图像按字节块哈希。相同输入总是得到相同向量。
type HashModel struct {
	dim int
}

// NewHashModel 创建哈希模型
func NewHashModel(dim int) *HashModel {
	if dim <= 0 {
		dim = 512
	}
	return &HashModel{dim: dim}
}

func (m *HashModel) Name() string    { return "feature-hash" }
func (m *HashModel) Dimensions() int { return m.dim }

func (m *HashModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, m.dim)
		words := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		for _, w := range words {
			m.add(vec, []byte(w))
		}
		if len(words) == 0 || isZero(vec) {
			m.add(vec, []byte(t))
		}
		out[i] = vec
	}
	return out, nil
}

func (m *HashModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	const chunk = 256
	out := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, m.dim)
		for off := 0; off < len(img); off += chunk {
			end := off + chunk
			if end > len(img) {
				end = len(img)
			}
			m.add(vec, img[off:end])
		}
		if len(img) == 0 || isZero(vec) {
			m.add(vec, img)
		}
		out[i] = vec
	}
	return out, nil
}

func (m *HashModel) add(vec []float32, feature []byte) {
	sum := sha256.Sum256(feature)
	idx := binary.BigEndian.Uint32(sum[0:4]) % uint32(m.dim)
	sign := float32(1)
	if sum[4]&1 == 1 {
		sign = -1
	}
	vec[idx] += sign
}

// isZero 特征符号相互抵消时向量全零
func isZero(vec []float32) bool {
	for _, x := range vec {
		if x != 0 {
			return false
		}
	}
	return true
}
