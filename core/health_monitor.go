package core

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HealthCheck 单项健康检查
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Readiness 记录模型、索引和任务存储是否初始化完成
type Readiness struct {
	models  atomic.Bool
	index   atomic.Bool
	jobs    atomic.Bool
	mu      sync.RWMutex
	initErr error
	started time.Time
}

// NewReadiness 创建就绪状态
func NewReadiness() *Readiness {
	return &Readiness{started: time.Now()}
}

func (r *Readiness) SetModelsLoaded(v bool) { r.models.Store(v) }
func (r *Readiness) SetIndexReady(v bool)   { r.index.Store(v) }
func (r *Readiness) SetJobsReady(v bool)    { r.jobs.Store(v) }

func (r *Readiness) ModelsLoaded() bool { return r.models.Load() }
func (r *Readiness) IndexReady() bool   { return r.index.Load() }

// Ready 三者都就绪才对外提供摄取和检索
func (r *Readiness) Ready() bool {
	return r.models.Load() && r.index.Load() && r.jobs.Load()
}

// SetInitError 记录初始化失败原因
func (r *Readiness) SetInitError(err error) {
	r.mu.Lock()
	r.initErr = err
	r.mu.Unlock()
}

func (r *Readiness) InitError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initErr
}

// Uptime 自进程启动以来的时间
func (r *Readiness) Uptime() time.Duration {
	return time.Since(r.started)
}

// CheckFFmpegHealth 检查FFmpeg健康状态
func CheckFFmpegHealth(ctx context.Context) HealthCheck {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-version")
	output, err := cmd.Output()
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return HealthCheck{
			Status:  "error",
			Message: fmt.Sprintf("FFmpeg not available: %v", err),
			Latency: latency,
		}
	}

	versionLine := strings.Split(string(output), "\n")[0]
	return HealthCheck{
		Status:  "ok",
		Message: fmt.Sprintf("FFmpeg available: %s", versionLine),
		Latency: latency,
	}
}

// TimedCheck 执行一个检查函数并记录耗时
func TimedCheck(name string, fn func() error) HealthCheck {
	start := time.Now()
	err := fn()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthCheck{Status: "error", Message: fmt.Sprintf("%s: %v", name, err), Latency: latency}
	}
	return HealthCheck{Status: "ok", Latency: latency}
}
