package processors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"videoSearch/core"
	"videoSearch/utils"
)

// Decoder 媒体解码接口，解码细节由 ffmpeg 等外部工具负责
type Decoder interface {
	Probe(ctx context.Context, path string) (*utils.VideoInfo, error)
	// DecodeFrames 输出每第 stride 个解码帧；中途出错时返回已解码的帧和错误
	DecodeFrames(ctx context.Context, path string, stride int) ([]core.VideoFrame, error)
	// ExtractAudio 将音轨解复用为 16kHz 单声道 WAV 写入 outPath
	ExtractAudio(ctx context.Context, path, outPath string) error
}

// FFmpegDecoder 基于 ffmpeg/ffprobe 的解码器
type FFmpegDecoder struct {
	TempDir string
}

// NewFFmpegDecoder 创建解码器，临时帧目录建在 tempDir 下
func NewFFmpegDecoder(tempDir string) *FFmpegDecoder {
	return &FFmpegDecoder{TempDir: tempDir}
}

func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (*utils.VideoInfo, error) {
	return utils.ProbeVideo(ctx, path)
}

func (d *FFmpegDecoder) DecodeFrames(ctx context.Context, path string, stride int) ([]core.VideoFrame, error) {
	if d.TempDir != "" {
		if err := utils.EnsureDir(d.TempDir); err != nil {
			return nil, err
		}
	}
	framesDir, err := os.MkdirTemp(d.TempDir, "frames-*")
	if err != nil {
		return nil, fmt.Errorf("创建帧目录失败: %v", err)
	}
	defer os.RemoveAll(framesDir)

	pattern := filepath.Join(framesDir, "%06d.jpg")
	stderr, runErr := utils.ExtractSampledFrames(ctx, path, pattern, stride)
	timestamps := utils.ParseShowinfoTimestamps(stderr)

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	// 只保留同时拿到图像和时间戳的帧
	n := len(names)
	if len(timestamps) < n {
		n = len(timestamps)
	}
	frames := make([]core.VideoFrame, 0, n)
	for i := 0; i < n; i++ {
		img, err := os.ReadFile(filepath.Join(framesDir, names[i]))
		if err != nil {
			return frames, fmt.Errorf("read frame %s: %w", names[i], err)
		}
		frames = append(frames, core.VideoFrame{Image: img, Timestamp: timestamps[i]})
	}
	if runErr != nil {
		return frames, runErr
	}
	return frames, nil
}

func (d *FFmpegDecoder) ExtractAudio(ctx context.Context, path, outPath string) error {
	return utils.ExtractAudioWAV(ctx, path, outPath)
}
