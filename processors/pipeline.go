package processors

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"videoSearch/core"
	"videoSearch/embedding"
	"videoSearch/storage"
)

// IngestRequest 单个视频的摄取请求
type IngestRequest struct {
	JobID    string
	VideoID  string
	Path     string
	Filename string
	Metadata map[string]any
	// RemoveAfter 任务结束后删除 Path（上传的临时文件）
	RemoveAfter bool
}

// Pipeline 抽取 → 嵌入 → 写入
type Pipeline struct {
	extractor     *Extractor
	engine        *embedding.Engine
	indexer       *Indexer
	jobs          storage.JobStore
	processor     *core.ConcurrentProcessor
	frameInterval float64
	logger        *log.Logger
}

// NewPipeline 创建摄取流水线；processor 为 nil 时只能同步执行
func NewPipeline(extractor *Extractor, engine *embedding.Engine, indexer *Indexer, jobs storage.JobStore, processor *core.ConcurrentProcessor, frameInterval float64) *Pipeline {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &Pipeline{
		extractor:     extractor,
		engine:        engine,
		indexer:       indexer,
		jobs:          jobs,
		processor:     processor,
		frameInterval: frameInterval,
		logger:        log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}
}

// Submit 登记任务并交给后台工作池，立即返回 accepted 记录
func (p *Pipeline) Submit(ctx context.Context, req IngestRequest) (*core.JobRecord, error) {
	if p.processor == nil {
		return nil, fmt.Errorf("%w: no worker pool", core.ErrNotReady)
	}
	req = normalizeRequest(req)
	rec := &core.JobRecord{ID: req.JobID, VideoID: req.VideoID, Filename: req.Filename, Status: core.JobAccepted}
	if err := p.jobs.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	var ran atomic.Bool
	job := &core.IngestJob{
		ID:      req.JobID,
		VideoID: req.VideoID,
		Run: func(jobCtx context.Context) error {
			ran.Store(true)
			_, err := p.Ingest(jobCtx, req)
			return err
		},
		Callback: func(res *core.JobResult) {
			// panic 或停机时未执行的任务，Ingest 没有机会记录失败
			if res.Panicked || (!res.Success && !ran.Load()) {
				p.fail(context.Background(), req, res.Error)
				p.cleanup(req)
			}
		},
	}
	if err := p.processor.SubmitJob(job); err != nil {
		rec.Status = core.JobFailed
		rec.Error = err.Error()
		if uerr := p.jobs.Update(ctx, rec); uerr != nil {
			p.logger.Printf("[%s] update rejected job: %v", req.JobID, uerr)
		}
		p.cleanup(req)
		return rec, err
	}
	p.logger.Printf("[%s] accepted video %s (%s)", req.JobID, req.VideoID, req.Filename)
	return rec, nil
}

// Ingest 同步执行完整摄取流程并更新任务记录
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (rec *core.JobRecord, err error) {
	req = normalizeRequest(req)
	defer p.cleanup(req)

	rec, gerr := p.jobs.Get(ctx, req.JobID)
	if errors.Is(gerr, core.ErrJobNotFound) {
		rec = &core.JobRecord{ID: req.JobID, VideoID: req.VideoID, Filename: req.Filename, Status: core.JobAccepted}
		if cerr := p.jobs.Create(ctx, rec); cerr != nil {
			p.logger.Printf("[%s] create job record: %v", req.JobID, cerr)
		}
	} else if gerr != nil {
		p.logger.Printf("[%s] read job record: %v", req.JobID, gerr)
		rec = &core.JobRecord{ID: req.JobID, VideoID: req.VideoID, Filename: req.Filename}
	}
	rec.Status = core.JobRunning
	p.save(ctx, rec)

	defer func() {
		if err != nil {
			rec.Status = core.JobFailed
			rec.Error = err.Error()
			p.save(context.Background(), rec)
			if derr := p.jobs.DeadLetter(context.Background(), rec); derr != nil {
				p.logger.Printf("[%s] dead letter: %v", req.JobID, derr)
			}
			p.logger.Printf("[%s] ingestion failed: %v", req.JobID, err)
		}
	}()

	if err := checkFile(req.Path); err != nil {
		return rec, err
	}

	var (
		frames   []core.VideoFrame
		segments []core.AudioSegment
		warnMu   sync.Mutex
	)
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnMu.Lock()
		rec.Warnings = append(rec.Warnings, msg)
		warnMu.Unlock()
		p.logger.Printf("[%s] %s", req.JobID, msg)
	}

	// 画面与语音互不依赖，并行抽取
	var g errgroup.Group
	g.Go(guard("frame extraction", warn, func() {
		f, ferr := p.extractor.ExtractFrames(ctx, req.Path, p.frameInterval)
		if ferr != nil {
			warn("frame extraction failed: %v", ferr)
			return
		}
		frames = f
	}))
	g.Go(guard("audio extraction", warn, func() {
		s, aerr := p.extractor.ExtractAudioSegments(ctx, req.Path)
		if aerr != nil {
			warn("audio extraction failed: %v", aerr)
			return
		}
		segments = s
	}))
	_ = g.Wait()
	if ctx.Err() != nil {
		return rec, ctx.Err()
	}
	rec.Frames, rec.Segments = len(frames), len(segments)
	p.save(ctx, rec)

	var (
		embeddedFrames   []EmbeddedFrame
		embeddedSegments []EmbeddedSegment
	)
	g = errgroup.Group{}
	g.Go(guard("visual embedding", warn, func() {
		var ok bool
		if embeddedFrames, ok = p.embedFrames(ctx, frames); !ok {
			warn("%v: visual embeddings dropped for %d frames", core.ErrModelFailure, len(frames))
		}
	}))
	g.Go(guard("audio embedding", warn, func() {
		var ok bool
		if embeddedSegments, ok = p.embedSegments(ctx, segments); !ok {
			warn("%v: audio embeddings dropped for %d segments", core.ErrModelFailure, len(segments))
		}
	}))
	_ = g.Wait()

	report, err := p.indexer.IndexVideo(ctx, req.VideoID, embeddedFrames, embeddedSegments, req.Metadata)
	if err != nil {
		return rec, err
	}
	rec.Points = report.Total()

	switch {
	case report.Empty && len(rec.Warnings) > 0:
		return rec, fmt.Errorf("no points indexed for %s", req.VideoID)
	case len(rec.Warnings) > 0:
		rec.Status = core.JobDegraded
	default:
		rec.Status = core.JobCompleted
	}
	rec.Error = ""
	p.save(ctx, rec)
	p.logger.Printf("[%s] %s: video=%s frames=%d segments=%d points=%d", req.JobID, rec.Status, req.VideoID, rec.Frames, rec.Segments, rec.Points)
	return rec, nil
}

// guard 把单个模态的 panic 降级为告警，其余模态继续
func guard(stage string, warn func(string, ...any), fn func()) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				warn("%s panic: %v", stage, r)
			}
		}()
		fn()
		return nil
	}
}

// embedFrames 返回 false 表示有帧但嵌入整体失败
func (p *Pipeline) embedFrames(ctx context.Context, frames []core.VideoFrame) ([]EmbeddedFrame, bool) {
	if len(frames) == 0 {
		return nil, true
	}
	images := make([][]byte, len(frames))
	for i, f := range frames {
		images[i] = f.Image
	}
	vecs := p.engine.EncodeImages(ctx, images)
	if len(vecs) != len(frames) {
		return nil, false
	}
	out := make([]EmbeddedFrame, len(frames))
	for i, f := range frames {
		out[i] = EmbeddedFrame{Timestamp: f.Timestamp, Vector: vecs[i]}
	}
	return out, true
}

func (p *Pipeline) embedSegments(ctx context.Context, segments []core.AudioSegment) ([]EmbeddedSegment, bool) {
	if len(segments) == 0 {
		return nil, true
	}
	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	vecs := p.engine.EncodeTexts(ctx, texts)
	if len(vecs) != len(segments) {
		return nil, false
	}
	out := make([]EmbeddedSegment, len(segments))
	for i, s := range segments {
		out[i] = EmbeddedSegment{Segment: s, Vector: vecs[i]}
	}
	return out, true
}

func (p *Pipeline) save(ctx context.Context, rec *core.JobRecord) {
	if err := p.jobs.Update(ctx, rec); err != nil {
		p.logger.Printf("[%s] update job record: %v", rec.ID, err)
	}
}

// fail 记录 panic 等未经 Ingest 返回的失败
func (p *Pipeline) fail(ctx context.Context, req IngestRequest, cause error) {
	rec, err := p.jobs.Get(ctx, req.JobID)
	if err != nil {
		rec = &core.JobRecord{ID: req.JobID, VideoID: req.VideoID, Filename: req.Filename}
	}
	rec.Status = core.JobFailed
	if cause != nil {
		rec.Error = cause.Error()
	}
	p.save(ctx, rec)
	if err := p.jobs.DeadLetter(ctx, rec); err != nil {
		p.logger.Printf("[%s] dead letter: %v", req.JobID, err)
	}
}

func (p *Pipeline) cleanup(req IngestRequest) {
	if !req.RemoveAfter || req.Path == "" {
		return
	}
	if err := os.Remove(req.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Printf("[%s] remove upload %s: %v", req.JobID, req.Path, err)
	}
}

func normalizeRequest(req IngestRequest) IngestRequest {
	if req.JobID == "" {
		req.JobID = core.NewPointID()
	}
	if req.VideoID == "" {
		req.VideoID = req.JobID
	}
	if req.Filename == "" && req.Path != "" {
		req.Filename = filepath.Base(req.Path)
	}
	return req
}

// GenerateVideoID 由路径生成稳定的视频 ID：文件名 + 路径哈希前缀
func GenerateVideoID(videoPath string) string {
	cleanPath := filepath.Clean(videoPath)
	name := strings.TrimSuffix(filepath.Base(cleanPath), filepath.Ext(cleanPath))
	name = strings.ToLower(name)
	hash := md5.Sum([]byte(cleanPath))
	return fmt.Sprintf("%s_%s", name, hex.EncodeToString(hash[:])[:8])
}
