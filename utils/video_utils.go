package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// VideoInfo ffprobe 得到的媒体信息
type VideoInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	HasVideo bool    `json:"has_video"`
	HasAudio bool    `json:"has_audio"`
}

// ProbeVideo 使用 ffprobe 读取帧率、时长和音视频流
func ProbeVideo(ctx context.Context, path string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %v", err)
	}
	return ParseProbeOutput(output)
}

// ParseProbeOutput 解析 ffprobe 的 JSON 输出
func ParseProbeOutput(output []byte) (*VideoInfo, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType    string `json:"codec_type"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %v", err)
	}

	info := &VideoInfo{}
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			// 优先使用平均帧率，可变帧率视频的 r_frame_rate 可能偏大
			info.FPS = ParseFrameRate(stream.AvgFrameRate)
			if info.FPS <= 0 {
				info.FPS = ParseFrameRate(stream.RFrameRate)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}

// ParseFrameRate 解析 "30000/1001" 或 "25" 形式的帧率，无法解析时返回 0
func ParseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, "/")
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den <= 0 {
		return 0
	}
	return num / den
}

// ExtractAudioWAV 抽取 16kHz 单声道 WAV
func ExtractAudioWAV(ctx context.Context, inputPath, audioOut string) error {
	args := []string{"-y", "-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut}
	_, err := RunFFmpeg(ctx, args)
	return err
}

// ExtractSampledFrames 每 stride 个解码帧输出一张 JPEG，返回 showinfo 日志
func ExtractSampledFrames(ctx context.Context, inputPath, pattern string, stride int) (string, error) {
	if stride < 1 {
		stride = 1
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "info",
		"-i", inputPath,
		"-an",
		"-vf", fmt.Sprintf("select=not(mod(n\\,%d)),showinfo", stride),
		"-vsync", "vfr",
		"-q:v", "2",
		pattern,
	}
	return RunFFmpeg(ctx, args)
}

var showinfoPTS = regexp.MustCompile(`pts_time:\s*(-?[0-9]+(?:\.[0-9]+)?)`)

// ParseShowinfoTimestamps 从 showinfo 日志中按顺序提取 pts_time
func ParseShowinfoTimestamps(log string) []float64 {
	var out []float64
	for _, line := range strings.Split(log, "\n") {
		if !strings.Contains(line, "showinfo") {
			continue
		}
		m := showinfoPTS.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if ts, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, ts)
		}
	}
	return out
}
