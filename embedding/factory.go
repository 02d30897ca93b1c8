package embedding

import (
	"fmt"
	"log"

	"videoSearch/config"
)

// NewModel 根据配置创建嵌入模型
func NewModel(cfg *config.Config) (Model, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return NewOpenAICompatible(OpenAICompatibleConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
	case "volcengine":
		return NewVolcengineMultimodalClient(cfg.APIKey, cfg.BaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "onnx":
		return NewCLIPModel(CLIPConfig{
			LibraryPath:   cfg.ONNXLibraryPath,
			TextModelPath: cfg.ONNXTextModel,
			VisionModel:   cfg.ONNXVisionModel,
			TokenizerPath: cfg.ONNXTokenizer,
			Dimensions:    cfg.EmbeddingDimensions,
		})
	case "mock", "":
		log.Printf("Warning: 使用 feature-hash 嵌入模型，仅适用于开发测试")
		return NewHashModel(cfg.EmbeddingDimensions), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
}
