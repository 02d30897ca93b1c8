package embedding

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"sync"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

// CLIPConfig 本地 CLIP ONNX 模型配置。
// 文本模型输入 input_ids/attention_mask，输出 text_embeds；
// 视觉模型输入 pixel_values，输出 image_embeds。
type CLIPConfig struct {
	LibraryPath   string
	TextModelPath string
	VisionModel   string
	TokenizerPath string
	Dimensions    int
	ImageSize     int
	MaxTokens     int
}

var clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
var clipStd = [3]float32{0.26862954, 0.26130258, 0.27577711}

// CLIPModel 基于 onnxruntime 的本地 CLIP 模型
type CLIPModel struct {
	tok       *tokenizer.Tokenizer
	text      *ort.DynamicAdvancedSession
	vision    *ort.DynamicAdvancedSession
	dim       int
	imageSize int
	maxTokens int
	mu        sync.Mutex // session.Run 不保证并发安全
}

// NewCLIPModel 加载分词器和两个 ONNX 会话
func NewCLIPModel(cfg CLIPConfig) (*CLIPModel, error) {
	tok, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(0); err != nil {
		log.Printf("Warning: Failed to set thread count: %v", err)
	}

	text, err := ort.NewDynamicAdvancedSession(cfg.TextModelPath,
		[]string{"input_ids", "attention_mask"}, []string{"text_embeds"}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create text session: %w", err)
	}
	vision, err := ort.NewDynamicAdvancedSession(cfg.VisionModel,
		[]string{"pixel_values"}, []string{"image_embeds"}, opts)
	if err != nil {
		text.Destroy()
		return nil, fmt.Errorf("failed to create vision session: %w", err)
	}

	m := &CLIPModel{tok: tok, text: text, vision: vision, dim: cfg.Dimensions, imageSize: cfg.ImageSize, maxTokens: cfg.MaxTokens}
	if m.dim <= 0 {
		m.dim = 512
	}
	if m.imageSize <= 0 {
		m.imageSize = 224
	}
	if m.maxTokens <= 0 {
		m.maxTokens = 77
	}
	return m, nil
}

func (m *CLIPModel) Name() string    { return "clip-onnx" }
func (m *CLIPModel) Dimensions() int { return m.dim }

func (m *CLIPModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]tokenizer.EncodeInput, len(texts))
	for i, t := range texts {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}
	encodings, err := m.tok.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	maxLen := 0
	for _, enc := range encodings {
		if l := len(enc.GetIds()); l > maxLen {
			maxLen = l
		}
	}
	if maxLen > m.maxTokens {
		maxLen = m.maxTokens
	}
	if maxLen == 0 {
		maxLen = 1
	}

	batch := len(encodings)
	inputIDs := make([]int64, batch*maxLen)
	attention := make([]int64, batch*maxLen)
	for i, enc := range encodings {
		ids := enc.GetIds()
		mask := enc.GetAttentionMask()
		offset := i * maxLen
		for j := 0; j < maxLen && j < len(ids); j++ {
			inputIDs[offset+j] = int64(ids[j])
			attention[offset+j] = int64(mask[j])
		}
	}

	idsTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(maxLen)), inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(maxLen)), attention)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	return m.run(ctx, m.text, []ort.Value{idsTensor, maskTensor}, batch)
}

func (m *CLIPModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}
	size := m.imageSize
	plane := size * size
	pixels := make([]float32, len(images)*3*plane)
	for i, raw := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		preprocessCLIP(img, size, pixels[i*3*plane:(i+1)*3*plane])
	}

	pixelTensor, err := ort.NewTensor(ort.NewShape(int64(len(images)), 3, int64(size), int64(size)), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	defer pixelTensor.Destroy()

	return m.run(ctx, m.vision, []ort.Value{pixelTensor}, len(images))
}

func (m *CLIPModel) run(ctx context.Context, session *ort.DynamicAdvancedSession, inputs []ort.Value, batch int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outputs := make([]ort.Value, 1)
	m.mu.Lock()
	err := session.Run(inputs, outputs)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32 type")
	}
	shape := outputTensor.GetShape()
	if len(shape) != 2 || int(shape[0]) != batch {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	dim := int(shape[1])
	data := outputTensor.GetData()
	out := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		out[i] = make([]float32, dim)
		copy(out[i], data[i*dim:(i+1)*dim])
	}
	return out, nil
}

// Close 释放 ONNX 会话
func (m *CLIPModel) Close() error {
	if m.text != nil {
		m.text.Destroy()
	}
	if m.vision != nil {
		m.vision.Destroy()
	}
	return nil
}

// preprocessCLIP 短边缩放到 size 后居中裁剪，按 CLIP 均值方差归一化为 CHW
func preprocessCLIP(src image.Image, size int, dst []float32) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	scale := float64(size) / float64(min(w, h))
	sw, sh := max(size, int(float64(w)*scale+0.5)), max(size, int(float64(h)*scale+0.5))

	resized := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), src, b, draw.Src, nil)

	x0, y0 := (sw-size)/2, (sh-size)/2
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x0+x, y0+y)
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[off+c]) / 255
				dst[c*plane+y*size+x] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
}
