package processors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"videoSearch/core"
	"videoSearch/embedding"
	"videoSearch/storage"
)

type testRig struct {
	decoder  *fakeDecoder
	asr      *fakeASR
	engine   *embedding.Engine
	index    *spyIndex
	jobs     *storage.MemoryJobStore
	pipeline *Pipeline
	searcher *Searcher
}

func newRig(t *testing.T, decoder *fakeDecoder, asr *fakeASR, processor *core.ConcurrentProcessor) *testRig {
	t.Helper()
	engine := embedding.NewEngine(embedding.NewHashModel(64), 0)
	idx := newSpyIndex(t, 64)
	jobs := storage.NewMemoryJobStore()
	extractor := NewExtractor(decoder, asr, t.TempDir())
	return &testRig{
		decoder:  decoder,
		asr:      asr,
		engine:   engine,
		index:    idx,
		jobs:     jobs,
		pipeline: NewPipeline(extractor, engine, NewIndexer(idx, ReindexAppend), jobs, processor, 2),
		searcher: NewSearcher(engine, idx, 1, 1),
	}
}

func TestIngestTenSecondVideo(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t,
		&fakeDecoder{fps: 30, duration: 10, hasAudio: true},
		&fakeASR{segments: []core.AudioSegment{{Start: 0, End: 5, Text: " constant tone "}, {Start: 5, End: 10, Text: "silence"}}},
		nil)

	rec, err := rig.pipeline.Ingest(ctx, IngestRequest{VideoID: "tone", Path: writeVideo(t), Metadata: map[string]any{"filename": "clip.mp4"}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.Status != core.JobCompleted || rec.Frames != 5 || rec.Segments != 2 || rec.Points != 7 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rig.index.upserts != 1 {
		t.Fatalf("expected one combined upsert, got %d", rig.index.upserts)
	}

	visual := rig.searcher.Search(ctx, SearchRequest{Query: "frame", TopK: 10, Modality: core.ModalityVisual})
	seen := map[float64]bool{}
	for _, r := range visual {
		seen[r.Timestamp] = true
		if r.Text != nil {
			t.Errorf("visual hit at %.1f has text", r.Timestamp)
		}
	}
	for _, ts := range []float64{0, 2, 4, 6, 8} {
		if !seen[ts] {
			t.Errorf("missing visual point at %.0fs (have %v)", ts, seen)
		}
	}

	results := rig.searcher.Search(ctx, SearchRequest{Query: "silence"})
	if len(results) == 0 {
		t.Fatal("silence query returned nothing")
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatalf("scores not descending at %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
	if results[0].Modality != core.ModalityAudio || *results[0].Text != "silence" {
		t.Errorf("best hit = %+v", results[0])
	}
	if results[0].Metadata["filename"] != "clip.mp4" {
		t.Errorf("metadata not carried: %+v", results[0].Metadata)
	}
}

func TestIngestWithoutAudioTrack(t *testing.T) {
	rig := newRig(t, &fakeDecoder{fps: 25, duration: 10}, &fakeASR{}, nil)
	rec, err := rig.pipeline.Ingest(context.Background(), IngestRequest{Path: writeVideo(t)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.Status != core.JobCompleted || rec.Segments != 0 || rec.Points != 5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rig.asr.seenPath != "" {
		t.Error("ASR should not run without an audio track")
	}
	if rec.VideoID != rec.ID {
		t.Errorf("video id should default to job id, got %s vs %s", rec.VideoID, rec.ID)
	}
}

func TestIngestMissingFileFailsFast(t *testing.T) {
	rig := newRig(t, &fakeDecoder{fps: 30, duration: 10}, &fakeASR{}, nil)
	rec, err := rig.pipeline.Ingest(context.Background(), IngestRequest{JobID: "j1", Path: filepath.Join(t.TempDir(), "missing.mp4")})
	if !errors.Is(err, core.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if rec.Status != core.JobFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	dead, _ := rig.jobs.DeadLetters(context.Background(), 10)
	if len(dead) != 1 || dead[0].ID != "j1" {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestIngestDegradesWhenTranscriptionPanics(t *testing.T) {
	rig := newRig(t, &fakeDecoder{fps: 30, duration: 4, hasAudio: true}, &fakeASR{panicMsg: "whisper crashed"}, nil)
	rec, err := rig.pipeline.Ingest(context.Background(), IngestRequest{Path: writeVideo(t)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.Status != core.JobDegraded || rec.Points != 2 || len(rec.Warnings) == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	// 临时音频在 panic 后也应被删除
	if _, err := os.Stat(rig.asr.seenPath); !os.IsNotExist(err) {
		t.Errorf("temp audio %s left behind", rig.asr.seenPath)
	}
}

func TestIngestNothingExtractedFails(t *testing.T) {
	rig := newRig(t, &fakeDecoder{fps: 0, duration: 10}, &fakeASR{}, nil)
	rec, err := rig.pipeline.Ingest(context.Background(), IngestRequest{Path: writeVideo(t)})
	if err == nil || rec.Status != core.JobFailed {
		t.Fatalf("expected failure, got %v / %+v", err, rec)
	}
	if rig.index.upserts != 0 {
		t.Fatal("nothing to index, Upsert must not be called")
	}
}

func TestSubmitRunsInBackgroundAndRemovesUpload(t *testing.T) {
	processor := core.NewConcurrentProcessor(1, 2)
	processor.Start()
	defer processor.Shutdown(context.Background())

	rig := newRig(t, &fakeDecoder{fps: 30, duration: 6}, &fakeASR{}, processor)
	upload := writeVideo(t)

	rec, err := rig.pipeline.Submit(context.Background(), IngestRequest{JobID: "bg", VideoID: "v", Path: upload, RemoveAfter: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != core.JobAccepted {
		t.Fatalf("status = %s", rec.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := rig.jobs.Get(context.Background(), "bg")
		if err == nil && got.Terminal() {
			if got.Status != core.JobCompleted || got.Points != 3 {
				t.Fatalf("unexpected final record %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v %v", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(upload); !os.IsNotExist(err) {
		t.Error("upload not removed after job")
	}
}

func TestSubmitWithoutProcessor(t *testing.T) {
	rig := newRig(t, &fakeDecoder{fps: 30, duration: 2}, &fakeASR{}, nil)
	if _, err := rig.pipeline.Submit(context.Background(), IngestRequest{Path: writeVideo(t)}); !errors.Is(err, core.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestGenerateVideoID(t *testing.T) {
	a := GenerateVideoID("/videos/My Clip.mp4")
	b := GenerateVideoID("/videos/./My Clip.mp4")
	if a != b {
		t.Fatalf("ids differ for equivalent paths: %s %s", a, b)
	}
	if len(a) != len("my clip_")+8 {
		t.Fatalf("unexpected id %q", a)
	}
}

func TestConcurrentIngestsShareIndex(t *testing.T) {
	const videos = 8
	ctx := context.Background()
	engine := embedding.NewEngine(embedding.NewHashModel(64), 0)
	index := storage.NewMemoryVectorIndex()
	if err := index.EnsureCollection(ctx, "video_moments", 64, storage.MetricCosine); err != nil {
		t.Fatal(err)
	}
	jobs := storage.NewMemoryJobStore()
	indexer := NewIndexer(index, ReindexAppend)
	searcher := NewSearcher(engine, index, 1, 1)

	stop := make(chan struct{})
	var searches sync.WaitGroup
	searches.Add(1)
	go func() {
		defer searches.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			results := searcher.Search(ctx, SearchRequest{Query: "speech", TopK: 20})
			for i := 1; i < len(results); i++ {
				if results[i].Score > results[i-1].Score {
					t.Errorf("scores not descending during ingestion")
					return
				}
			}
		}
	}()

	var ingests sync.WaitGroup
	errs := make(chan error, videos)
	for i := 0; i < videos; i++ {
		id := fmt.Sprintf("video-%d", i)
		decoder := &fakeDecoder{fps: 30, duration: 10, hasAudio: true}
		asr := &fakeASR{segments: []core.AudioSegment{
			{Start: 0, End: 5, Text: "speech from " + id},
			{Start: 5, End: 10, Text: "closing words of " + id},
		}}
		pipeline := NewPipeline(NewExtractor(decoder, asr, t.TempDir()), engine, indexer, jobs, nil, 2)
		path := writeVideo(t)
		ingests.Add(1)
		go func() {
			defer ingests.Done()
			rec, err := pipeline.Ingest(ctx, IngestRequest{VideoID: id, Path: path, Metadata: map[string]any{"source": id}})
			if err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
				return
			}
			if rec.Points != 7 {
				errs <- fmt.Errorf("%s: indexed %d points, want 7", id, rec.Points)
			}
		}()
	}
	ingests.Wait()
	close(stop)
	searches.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n, _ := index.Count(ctx); n != videos*7 {
		t.Fatalf("index holds %d points, want %d", n, videos*7)
	}
	for i := 0; i < videos; i++ {
		id := fmt.Sprintf("video-%d", i)
		results := searcher.Search(ctx, SearchRequest{Query: "speech", TopK: 100, VideoID: id})
		if len(results) != 7 {
			t.Errorf("%s: %d points, want 7", id, len(results))
		}
		for _, r := range results {
			if r.VideoID != id || r.Metadata["source"] != id {
				t.Errorf("%s: foreign payload %+v", id, r)
			}
			if r.Text != nil && !strings.HasSuffix(*r.Text, id) {
				t.Errorf("%s: transcript %q belongs to another video", id, *r.Text)
			}
		}
	}
}
