package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/utils"
)

// ASRProvider 语音识别接口，按时间顺序返回片段
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath string) ([]core.AudioSegment, error)
}

// MockASR 按固定长度切分占位文本，用于本地开发和测试
type MockASR struct {
	SegmentLength float64
	// Duration 返回音频时长，默认调用 ffprobe
	Duration func(ctx context.Context, path string) (float64, error)
}

func (m MockASR) Transcribe(ctx context.Context, audioPath string) ([]core.AudioSegment, error) {
	durationFn := m.Duration
	if durationFn == nil {
		durationFn = probeDuration
	}
	dur, err := durationFn(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	segLen := m.SegmentLength
	if segLen <= 0 {
		segLen = 15.0
	}
	segs := make([]core.AudioSegment, 0)
	for start := 0.0; start < dur; start += segLen {
		end := start + segLen
		if end > dur {
			end = dur
		}
		segs = append(segs, core.AudioSegment{Start: start, End: end, Text: fmt.Sprintf("Placeholder transcript from %.0fs to %.0fs", start, end)})
	}
	return segs, nil
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	info, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// WhisperASR 调用 OpenAI 兼容的转写接口，使用 verbose_json 获取分段时间
type WhisperASR struct {
	cli   *openai.Client
	model string
}

// NewWhisperASR 创建 API 转写器
func NewWhisperASR(apiKey, baseURL, model string) *WhisperASR {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperASR{cli: openai.NewClientWithConfig(cfg), model: model}
}

func (w *WhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.AudioSegment, error) {
	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}
	segs := make([]core.AudioSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, core.AudioSegment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(segs) == 0 && strings.TrimSpace(resp.Text) != "" {
		// 部分兼容服务不返回分段，退化为整段
		segs = append(segs, core.AudioSegment{Start: 0, End: resp.Duration, Text: resp.Text})
	}
	return segs, nil
}

// LocalWhisperASR 通过 Python 脚本调用本地 Whisper
type LocalWhisperASR struct {
	Python string
	Script string
	Model  string
}

func (l LocalWhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.AudioSegment, error) {
	python := l.Python
	if python == "" {
		python = "python"
	}
	scriptPath := l.Script
	if scriptPath == "" {
		scriptPath = filepath.Join("scripts", "whisper_transcribe.py")
	}
	args := []string{scriptPath, audioPath}
	if l.Model != "" {
		args = append(args, "--model", l.Model)
	}

	cmd := exec.CommandContext(ctx, python, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("local Whisper transcription failed: %v", err)
	}

	var segments []core.AudioSegment
	if err := json.Unmarshal(output, &segments); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %v", err)
	}
	return segments, nil
}

// NewASRProvider 根据配置选择语音识别实现
func NewASRProvider(cfg *config.Config) ASRProvider {
	switch cfg.ASRProvider {
	case "api-whisper":
		if !cfg.HasValidAPI() {
			config.PrintConfigInstructions()
			log.Println("Warning: api-whisper 需要 API 配置，回退到 mock 转写")
			return MockASR{}
		}
		return NewWhisperASR(cfg.APIKey, cfg.BaseURL, cfg.WhisperModel)
	case "local-whisper":
		return LocalWhisperASR{Model: localWhisperModel(cfg.WhisperModel)}
	default:
		return MockASR{}
	}
}

// whisper-1 是 API 模型名，本地脚本使用 base 等尺寸名
func localWhisperModel(m string) string {
	if m == "" || m == openai.Whisper1 {
		return "base"
	}
	return m
}
