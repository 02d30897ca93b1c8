package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// VolcengineMultimodalClient 火山引擎多模态 embedding 客户端（doubao-embedding-vision）
type VolcengineMultimodalClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	maxRetries int
	client     *http.Client
}

// VolcengineInput 多模态输入项
type VolcengineInput struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *VolcengineImageURL `json:"image_url,omitempty"`
}

// VolcengineImageURL 图像地址，支持 data URI
type VolcengineImageURL struct {
	URL string `json:"url"`
}

// VolcengineMultimodalRequest 多模态 embedding 请求
type VolcengineMultimodalRequest struct {
	Model          string            `json:"model"`
	Input          []VolcengineInput `json:"input"`
	EncodingFormat string            `json:"encoding_format,omitempty"`
}

// VolcengineMultimodalResponse 多模态 embedding 响应，一次请求返回一个融合向量
type VolcengineMultimodalResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Object  string `json:"object"`
	Data    struct {
		Embedding []float32 `json:"embedding"`
		Object    string    `json:"object"`
	} `json:"data"`
	Usage VolcengineUsage `json:"usage"`
}

// VolcengineUsage token使用量
type VolcengineUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// NewVolcengineMultimodalClient 创建火山引擎多模态客户端
func NewVolcengineMultimodalClient(apiKey, baseURL, model string, dimensions int) (*VolcengineMultimodalClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &VolcengineMultimodalClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		maxRetries: 3,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (c *VolcengineMultimodalClient) Name() string    { return c.model }
func (c *VolcengineMultimodalClient) Dimensions() int { return c.dimensions }

func (c *VolcengineMultimodalClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := c.createEmbedding(ctx, []VolcengineInput{{Type: "text", Text: t}})
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *VolcengineMultimodalClient) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	out := make([][]float32, 0, len(images))
	for _, img := range images {
		uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
		vec, err := c.createEmbedding(ctx, []VolcengineInput{{Type: "image_url", ImageURL: &VolcengineImageURL{URL: uri}}})
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// createEmbedding 单条请求，按配置维度截断并归一化
func (c *VolcengineMultimodalClient) createEmbedding(ctx context.Context, input []VolcengineInput) ([]float32, error) {
	reqBody, err := json.Marshal(VolcengineMultimodalRequest{
		Model:          c.model,
		Input:          input,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	var embeddingResp VolcengineMultimodalResponse
	err = withRetry(ctx, c.maxRetries, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings/multimodal", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create request: %v", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
			return &httpStatusError{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("failed to decode response: %v", err)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(embeddingResp.Data.Embedding) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	if len(embeddingResp.Data.Embedding) < c.dimensions {
		return nil, fmt.Errorf("model returned %d dims, configured %d", len(embeddingResp.Data.Embedding), c.dimensions)
	}
	return slicedNormL2(embeddingResp.Data.Embedding, c.dimensions), nil
}

// slicedNormL2 截取指定维度并进行L2归一化（doubao 系列支持截断降维）
func slicedNormL2(vec []float32, dim int) []float32 {
	if dim > len(vec) {
		dim = len(vec)
	}
	sliced := make([]float32, dim)
	copy(sliced, vec[:dim])

	var norm float64
	for _, v := range sliced {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range sliced {
			sliced[i] = float32(float64(sliced[i]) / norm)
		}
	}
	return sliced
}
