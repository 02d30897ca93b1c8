package processors

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"videoSearch/core"
	"videoSearch/utils"
)

// fakeDecoder 模拟一段固定帧率、固定时长的视频
type fakeDecoder struct {
	fps        float64
	duration   float64
	hasAudio   bool
	failAfter  int // >0 时解码到第 n 帧后报错
	probeErr   error
	audioErr   error
	audioPaths []string
}

func (f *fakeDecoder) Probe(ctx context.Context, path string) (*utils.VideoInfo, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &utils.VideoInfo{FPS: f.fps, Duration: f.duration, HasVideo: true, HasAudio: f.hasAudio}, nil
}

func (f *fakeDecoder) DecodeFrames(ctx context.Context, path string, stride int) ([]core.VideoFrame, error) {
	total := int(math.Round(f.fps * f.duration))
	var frames []core.VideoFrame
	for n := 0; n < total; n += stride {
		if f.failAfter > 0 && len(frames) == f.failAfter {
			return frames, errors.New("corrupt packet")
		}
		frames = append(frames, core.VideoFrame{Image: []byte{byte(n)}, Timestamp: float64(n) / f.fps})
	}
	return frames, nil
}

func (f *fakeDecoder) ExtractAudio(ctx context.Context, path, outPath string) error {
	f.audioPaths = append(f.audioPaths, outPath)
	if f.audioErr != nil {
		return f.audioErr
	}
	return os.WriteFile(outPath, []byte("RIFF"), 0644)
}

type fakeASR struct {
	segments []core.AudioSegment
	err      error
	panicMsg string
	seenPath string
}

func (f *fakeASR) Transcribe(ctx context.Context, audioPath string) ([]core.AudioSegment, error) {
	f.seenPath = audioPath
	if _, err := os.Stat(audioPath); err != nil {
		return nil, err
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.segments, f.err
}

func writeVideo(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(p, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFrameStride(t *testing.T) {
	cases := []struct {
		fps, interval float64
		want          int
	}{
		{30, 2, 60},
		{29.97, 2, 60},
		{25, 0, 50},
		{0.2, 2, 1},
		{24, 0.5, 12},
	}
	for _, c := range cases {
		got, err := FrameStride(c.fps, c.interval)
		if err != nil || got != c.want {
			t.Errorf("FrameStride(%v, %v) = %d, %v; want %d", c.fps, c.interval, got, err, c.want)
		}
	}
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := FrameStride(bad, 2); !errors.Is(err, core.ErrMediaUnreadable) {
			t.Errorf("FrameStride(%v) should be ErrMediaUnreadable, got %v", bad, err)
		}
	}
}

func TestExtractFramesSamplesAtInterval(t *testing.T) {
	dec := &fakeDecoder{fps: 30, duration: 10}
	ex := NewExtractor(dec, &fakeASR{}, t.TempDir())

	frames, err := ex.ExtractFrames(context.Background(), writeVideo(t), 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 2, 4, 6, 8}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if math.Abs(f.Timestamp-want[i]) > 1e-9 {
			t.Errorf("frame %d ts = %v, want %v", i, f.Timestamp, want[i])
		}
		if i > 0 && f.Timestamp < frames[i-1].Timestamp {
			t.Errorf("timestamps not monotone at %d", i)
		}
	}
}

func TestExtractFramesMissingFile(t *testing.T) {
	dec := &fakeDecoder{fps: 30, duration: 10}
	ex := NewExtractor(dec, &fakeASR{}, t.TempDir())
	_, err := ex.ExtractFrames(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), 2)
	if !errors.Is(err, core.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestExtractFramesZeroFPS(t *testing.T) {
	ex := NewExtractor(&fakeDecoder{fps: 0, duration: 10}, &fakeASR{}, t.TempDir())
	frames, err := ex.ExtractFrames(context.Background(), writeVideo(t), 2)
	if !errors.Is(err, core.ErrMediaUnreadable) {
		t.Fatalf("expected ErrMediaUnreadable, got %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
}

func TestExtractFramesShortVideoIsEmptyNotError(t *testing.T) {
	ex := NewExtractor(&fakeDecoder{fps: 30, duration: 0}, &fakeASR{}, t.TempDir())
	frames, err := ex.ExtractFrames(context.Background(), writeVideo(t), 2)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if frames == nil || len(frames) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", frames)
	}
}

func TestExtractFramesTruncatesOnCorruption(t *testing.T) {
	ex := NewExtractor(&fakeDecoder{fps: 30, duration: 10, failAfter: 3}, &fakeASR{}, t.TempDir())
	frames, err := ex.ExtractFrames(context.Background(), writeVideo(t), 2)
	if err != nil {
		t.Fatalf("corruption should truncate, not fail: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames before corruption, got %d", len(frames))
	}
}

func TestExtractAudioSegmentsCleansAndRemovesTemp(t *testing.T) {
	tmp := t.TempDir()
	dec := &fakeDecoder{fps: 30, duration: 10, hasAudio: true}
	asr := &fakeASR{segments: []core.AudioSegment{
		{Start: 0, End: 2, Text: "  hello world "},
		{Start: 2, End: 3, Text: "   "},
		{Start: 3, End: 2.5, Text: "backwards"},
		{Start: 4, End: 6, Text: "silence"},
	}}
	ex := NewExtractor(dec, asr, tmp)

	segs, err := ex.ExtractAudioSegments(context.Background(), writeVideo(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %+v", segs)
	}
	if segs[0].Text != "hello world" || segs[2].Text != "silence" {
		t.Errorf("order or trimming wrong: %+v", segs)
	}
	for _, s := range segs {
		if s.End < s.Start {
			t.Errorf("segment end < start: %+v", s)
		}
	}
	if asr.seenPath == "" {
		t.Fatal("transcriber not called")
	}
	if _, err := os.Stat(asr.seenPath); !os.IsNotExist(err) {
		t.Errorf("temp audio %s should be removed", asr.seenPath)
	}
}

func TestExtractAudioSegmentsRemovesTempOnFailure(t *testing.T) {
	dec := &fakeDecoder{fps: 30, duration: 10, hasAudio: true}
	asr := &fakeASR{err: errors.New("model crashed")}
	ex := NewExtractor(dec, asr, t.TempDir())

	if _, err := ex.ExtractAudioSegments(context.Background(), writeVideo(t)); err == nil {
		t.Fatal("expected transcription error")
	}
	if _, err := os.Stat(asr.seenPath); !os.IsNotExist(err) {
		t.Errorf("temp audio should be removed after failure")
	}

	panicky := &fakeASR{panicMsg: "segfault in model"}
	ex = NewExtractor(dec, panicky, t.TempDir())
	func() {
		defer func() { _ = recover() }()
		_, _ = ex.ExtractAudioSegments(context.Background(), writeVideo(t))
	}()
	if panicky.seenPath == "" {
		t.Fatal("transcriber not called")
	}
	if _, err := os.Stat(panicky.seenPath); !os.IsNotExist(err) {
		t.Errorf("temp audio should be removed after panic")
	}
}

func TestExtractAudioSegmentsNoAudioTrack(t *testing.T) {
	dec := &fakeDecoder{fps: 30, duration: 10, hasAudio: false}
	asr := &fakeASR{segments: []core.AudioSegment{{Start: 0, End: 1, Text: "x"}}}
	ex := NewExtractor(dec, asr, t.TempDir())

	segs, err := ex.ExtractAudioSegments(context.Background(), writeVideo(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
	if len(dec.audioPaths) != 0 || asr.seenPath != "" {
		t.Error("nothing should be demuxed or transcribed without an audio track")
	}
}

func TestExtractAudioSegmentsMissingFile(t *testing.T) {
	ex := NewExtractor(&fakeDecoder{hasAudio: true, fps: 30}, &fakeASR{}, t.TempDir())
	_, err := ex.ExtractAudioSegments(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	if !errors.Is(err, core.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestMockASRSegments(t *testing.T) {
	asr := MockASR{SegmentLength: 4, Duration: func(ctx context.Context, path string) (float64, error) { return 10, nil }}
	segs, err := asr.Transcribe(context.Background(), "ignored.wav")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 || segs[2].End != 10 {
		t.Fatalf("unexpected segments %+v", segs)
	}
}
