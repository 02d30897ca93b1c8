package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"videoSearch/core"
	"videoSearch/utils"
)

// DefaultFrameInterval 默认采样间隔（秒）
const DefaultFrameInterval = 2.0

// Extractor 从视频中采样画面帧并转写语音
type Extractor struct {
	decoder Decoder
	asr     ASRProvider
	tempDir string
	logger  *log.Logger
}

// NewExtractor 创建媒体抽取器
func NewExtractor(decoder Decoder, asr ASRProvider, tempDir string) *Extractor {
	return &Extractor{
		decoder: decoder,
		asr:     asr,
		tempDir: tempDir,
		logger:  log.New(os.Stdout, "[EXTRACTOR] ", log.LstdFlags),
	}
}

// FrameStride 计算采样步长 round(fps*interval)，最小为 1
func FrameStride(fps, interval float64) (int, error) {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0, fmt.Errorf("%w: invalid frame rate %v", core.ErrMediaUnreadable, fps)
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	stride := int(math.Round(fps * interval))
	if stride < 1 {
		stride = 1
	}
	return stride, nil
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", core.ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: %v", core.ErrMediaUnreadable, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", core.ErrFileNotFound, path)
	}
	return nil
}

// ExtractFrames 按 interval 秒采样画面帧
func (e *Extractor) ExtractFrames(ctx context.Context, path string, interval float64) ([]core.VideoFrame, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}

	info, err := e.decoder.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMediaUnreadable, err)
	}
	stride, err := FrameStride(info.FPS, interval)
	if err != nil {
		return nil, err
	}

	frames, err := e.decoder.DecodeFrames(ctx, path, stride)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 中途解码失败：保留已解码的前缀
		e.logger.Printf("解码中断 %s，保留 %d 帧: %v", path, len(frames), err)
	}
	if len(frames) == 0 {
		e.logger.Printf("未从 %s 采样到任何帧", path)
		return []core.VideoFrame{}, nil
	}

	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp < frames[i-1].Timestamp {
			e.logger.Printf("帧时间戳回退 %.3f < %.3f，已修正", frames[i].Timestamp, frames[i-1].Timestamp)
			frames[i].Timestamp = frames[i-1].Timestamp
		}
	}
	e.logger.Printf("采样完成 %s: fps=%.3f stride=%d frames=%d", path, info.FPS, stride, len(frames))
	return frames, nil
}

// ExtractAudioSegments 抽取音轨并转写；无音轨时返回空结果
func (e *Extractor) ExtractAudioSegments(ctx context.Context, path string) ([]core.AudioSegment, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}
	info, err := e.decoder.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMediaUnreadable, err)
	}
	if !info.HasAudio {
		e.logger.Printf("%s 没有音轨，跳过转写", path)
		return []core.AudioSegment{}, nil
	}

	if e.tempDir != "" {
		if err := utils.EnsureDir(e.tempDir); err != nil {
			return nil, err
		}
	}
	tmp, err := os.CreateTemp(e.tempDir, "audio-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp audio: %w", err)
	}
	audioPath := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Printf("删除临时音频失败 %s: %v", audioPath, err)
		}
	}()

	if err := e.decoder.ExtractAudio(ctx, path, audioPath); err != nil {
		return nil, fmt.Errorf("%w: extract audio: %v", core.ErrMediaUnreadable, err)
	}

	raw, err := e.asr.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	segments := CleanSegments(raw)
	e.logger.Printf("转写完成 %s: %d 段（原始 %d 段）", path, len(segments), len(raw))
	return segments, nil
}

// CleanSegments 去除首尾空白并丢弃空文本，保持原有顺序
func CleanSegments(raw []core.AudioSegment) []core.AudioSegment {
	out := make([]core.AudioSegment, 0, len(raw))
	for _, s := range raw {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		out = append(out, core.AudioSegment{Start: s.Start, End: s.End, Text: text})
	}
	return out
}
