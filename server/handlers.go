package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/storage"
	"videoSearch/utils"
)

const (
	maxUploadBytes  = 4 << 30
	multipartMemory = 32 << 20
	notReadyMessage = "System initializing, please try again later."
)

// Ingester 接收摄取请求
type Ingester interface {
	Submit(ctx context.Context, req processors.IngestRequest) (*core.JobRecord, error)
}

// Searcher 执行检索
type Searcher interface {
	Search(ctx context.Context, req processors.SearchRequest) []core.SearchResult
}

// Services 初始化完成后注入的组件
type Services struct {
	Ingester  Ingester
	Searcher  Searcher
	Jobs      storage.JobStore
	Index     storage.VectorIndex
	Processor *core.ConcurrentProcessor
	DataRoot  string
}

// Handlers HTTP 处理器集合；初始化完成前摄取和检索返回 503
type Handlers struct {
	readiness *core.Readiness
	services  atomic.Pointer[Services]
	logger    *log.Logger
}

// NewHandlers 创建处理器
func NewHandlers(readiness *core.Readiness) *Handlers {
	return &Handlers{readiness: readiness, logger: log.New(os.Stdout, "[SERVER] ", log.LstdFlags)}
}

// SetServices 注入初始化完成的组件
func (h *Handlers) SetServices(s *Services) {
	h.services.Store(s)
}

// Register 注册所有路由
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ingest", h.IngestHandler)
	mux.HandleFunc("/search", h.SearchHandler)
	mux.HandleFunc("/jobs", h.JobHandler)
	mux.HandleFunc("/dead-letters", h.DeadLettersHandler)
	mux.HandleFunc("/videos", h.VideosHandler)
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/", h.HealthHandler)
}

// ready 未就绪时写出 503 并返回 nil
func (h *Handlers) ready(w http.ResponseWriter) *Services {
	s := h.services.Load()
	if s == nil || !h.readiness.Ready() {
		core.WriteError(w, http.StatusServiceUnavailable, notReadyMessage)
		return nil
	}
	return s
}

// IngestHandler 接收上传的视频并提交后台任务，立即返回 202
func (h *Handlers) IngestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s := h.ready(w)
	if s == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		core.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("video")
	}
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, "file is required (multipart field \"file\")")
		return
	}
	defer file.Close()

	jobID := utils.NewID()
	videoID := strings.TrimSpace(r.FormValue("video_id"))
	if videoID == "" {
		videoID = jobID
	}
	filename := utils.SafeFilename(header.Filename)

	uploadDir := filepath.Join(s.DataRoot, "uploads")
	if err := utils.EnsureDir(uploadDir); err != nil {
		core.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("create upload dir: %v", err))
		return
	}
	path := filepath.Join(uploadDir, jobID+"_"+filename)
	n, err := saveUpload(path, file)
	if err != nil {
		os.Remove(path)
		core.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("save upload: %v", err))
		return
	}
	h.logger.Printf("[%s] received %s (%s)", jobID, filename, utils.FormatBytes(n))

	rec, err := s.Ingester.Submit(r.Context(), processors.IngestRequest{
		JobID:       jobID,
		VideoID:     videoID,
		Path:        path,
		Filename:    filename,
		Metadata:    map[string]any{"filename": filename},
		RemoveAfter: true,
	})
	if err != nil {
		os.Remove(path)
		switch {
		case errors.Is(err, core.ErrQueueFull):
			core.WriteError(w, http.StatusServiceUnavailable, "Ingestion queue is full, please try again later.")
		case errors.Is(err, core.ErrNotReady):
			core.WriteError(w, http.StatusServiceUnavailable, notReadyMessage)
		default:
			core.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	core.WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id":                   rec.ID,
		"video_id":                 rec.VideoID,
		"status":                   "accepted",
		"message":                  "Video accepted for background ingestion",
		"frames_processed":         0,
		"audio_segments_processed": 0,
	})
}

func saveUpload(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

type searchBody struct {
	Q        string `json:"q"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	VideoID  string `json:"video_id"`
	Modality string `json:"modality"`
}

// SearchHandler 文本检索，支持 GET 查询参数和 POST 表单/JSON
func (h *Handlers) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		core.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s := h.ready(w)
	if s == nil {
		return
	}

	var body searchBody
	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			core.WriteError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	} else {
		body.Q = r.FormValue("q")
		body.Query = r.FormValue("query")
		body.VideoID = r.FormValue("video_id")
		body.Modality = r.FormValue("modality")
		if v := r.FormValue("top_k"); v != "" {
			k, err := strconv.Atoi(v)
			if err != nil {
				core.WriteError(w, http.StatusBadRequest, "top_k must be an integer")
				return
			}
			body.TopK = k
		}
	}

	query := strings.TrimSpace(body.Q)
	if query == "" {
		query = strings.TrimSpace(body.Query)
	}
	if query == "" {
		core.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	var modality core.Modality
	if body.Modality != "" {
		m, err := core.ParseModality(body.Modality)
		if err != nil {
			core.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		modality = m
	}

	results := s.Searcher.Search(r.Context(), processors.SearchRequest{
		Query:    query,
		TopK:     body.TopK,
		VideoID:  body.VideoID,
		Modality: modality,
	})
	core.WriteJSON(w, http.StatusOK, results)
}

// JobHandler 查询摄取任务状态
func (h *Handlers) JobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		core.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s := h.ready(w)
	if s == nil {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		core.WriteError(w, http.StatusBadRequest, "id is required")
		return
	}
	rec, err := s.Jobs.Get(r.Context(), id)
	if errors.Is(err, core.ErrJobNotFound) {
		core.WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		core.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	core.WriteJSON(w, http.StatusOK, rec)
}

// DeadLettersHandler 最近失败的摄取任务
func (h *Handlers) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		core.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s := h.ready(w)
	if s == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dead, err := s.Jobs.DeadLetters(r.Context(), limit)
	if err != nil {
		core.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{"count": len(dead), "jobs": dead})
}

// VideosHandler DELETE 删除某个视频的全部索引点
func (h *Handlers) VideosHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		core.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s := h.ready(w)
	if s == nil {
		return
	}
	videoID := r.URL.Query().Get("video_id")
	if videoID == "" {
		core.WriteError(w, http.StatusBadRequest, "video_id is required")
		return
	}
	n, err := s.Index.DeleteByVideo(r.Context(), videoID)
	if err != nil {
		core.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Printf("deleted %d points of video %s", n, videoID)
	core.WriteJSON(w, http.StatusOK, map[string]any{"video_id": videoID, "deleted": n})
}

// HealthHandler 健康检查，初始化完成前返回 503
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/health" {
		core.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]core.HealthCheck{"ffmpeg": core.CheckFFmpegHealth(ctx)}
	resp := map[string]any{
		"models_loaded": h.readiness.ModelsLoaded(),
		"index_ready":   h.readiness.IndexReady(),
		"uptime":        h.readiness.Uptime().Round(time.Second).String(),
	}

	s := h.services.Load()
	if s != nil && s.Index != nil {
		var count int
		checks["index"] = core.TimedCheck(s.Index.Backend(), func() error {
			var err error
			count, err = s.Index.Count(ctx)
			return err
		})
		resp["points"] = count
	}
	if s != nil && s.Processor != nil {
		resp["processor"] = s.Processor.GetMetrics()
	}
	resp["checks"] = checks

	status := http.StatusOK
	switch {
	case h.readiness.InitError() != nil:
		resp["status"] = "error"
		resp["error"] = h.readiness.InitError().Error()
		status = http.StatusServiceUnavailable
	case s == nil || !h.readiness.Ready():
		resp["status"] = "initializing"
		status = http.StatusServiceUnavailable
	default:
		resp["status"] = "ok"
	}
	core.WriteJSON(w, status, resp)
}
