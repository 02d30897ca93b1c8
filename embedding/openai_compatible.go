package embedding

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatibleConfig OpenAI 兼容嵌入服务配置
type OpenAICompatibleConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAICompatibleModel 通过 /embeddings 接口编码文本和图像。
// 图像以 data URI 字符串提交，适用于 CLIP 类多模态服务。
type OpenAICompatibleModel struct {
	client     *openai.Client
	model      string
	dimensions int
	maxRetries int
}

// NewOpenAICompatible 创建 OpenAI 兼容模型
func NewOpenAICompatible(cfg OpenAICompatibleConfig) (*OpenAICompatibleModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	openaiCfg.BaseURL = cfg.BaseURL
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	openaiCfg.HTTPClient = &http.Client{Timeout: timeout}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &OpenAICompatibleModel{
		client:     openai.NewClientWithConfig(openaiCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxRetries: retries,
	}, nil
}

func (m *OpenAICompatibleModel) Name() string    { return m.model }
func (m *OpenAICompatibleModel) Dimensions() int { return m.dimensions }

func (m *OpenAICompatibleModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return m.embed(ctx, texts)
}

func (m *OpenAICompatibleModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	inputs := make([]string, len(images))
	for i, img := range images {
		inputs[i] = dataURI(img)
	}
	return m.embed(ctx, inputs)
}

func (m *OpenAICompatibleModel) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(m.model),
		Dimensions: m.dimensions,
	}

	var resp openai.EmbeddingResponse
	err := withRetry(ctx, m.maxRetries, func() error {
		var err error
		resp, err = m.client.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	// 按 index 排序，保证与输入顺序一致
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, row := range resp.Data {
		vec := make([]float32, len(row.Embedding))
		copy(vec, row.Embedding)
		out[i] = vec
	}
	return out, nil
}

func dataURI(img []byte) string {
	return "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// withRetry 对限流和服务端错误做指数退避重试
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(expBackoff(200*time.Millisecond, attempt, 5*time.Second)):
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	if code == 429 || code == 408 {
		return true
	}
	return code >= 500 && code <= 599
}

func expBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		return max
	}
	return d
}
