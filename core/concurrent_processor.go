package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// IngestJob 后台摄取任务
type IngestJob struct {
	ID        string
	VideoID   string
	Run       func(ctx context.Context) error
	Context   context.Context
	Cancel    context.CancelFunc
	StartTime time.Time
	// Callback 在工作协程中同步调用，panic 也会触发
	Callback func(*JobResult)
}

// JobResult 任务执行结果
type JobResult struct {
	JobID    string
	VideoID  string
	Success  bool
	Panicked bool
	Error    error
	Duration time.Duration
}

// ConcurrentProcessor 有界并发任务处理器
type ConcurrentProcessor struct {
	MaxWorkers int
	JobQueue   chan *IngestJob
	Wg         sync.WaitGroup
	ActiveJobs map[string]*IngestJob
	JobsMutex  sync.RWMutex
	Metrics    *ProcessorMetrics

	baseCtx  context.Context
	stopAll  context.CancelFunc
	stateMu  sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	logger   *log.Logger
}

// ProcessorMetrics 处理器指标
type ProcessorMetrics struct {
	TotalJobs     int64
	CompletedJobs int64
	FailedJobs    int64
	PanickedJobs  int64
	ActiveJobs    int64
	RejectedJobs  int64
	TotalTime     time.Duration
	Mutex         sync.RWMutex
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	TotalJobs     int64   `json:"total_jobs"`
	CompletedJobs int64   `json:"completed_jobs"`
	FailedJobs    int64   `json:"failed_jobs"`
	PanickedJobs  int64   `json:"panicked_jobs"`
	ActiveJobs    int64   `json:"active_jobs"`
	RejectedJobs  int64   `json:"rejected_jobs"`
	QueuedJobs    int     `json:"queued_jobs"`
	AverageTimeMS float64 `json:"average_time_ms"`
}

// NewConcurrentProcessor 创建并发处理器
func NewConcurrentProcessor(maxWorkers, queueSize int) *ConcurrentProcessor {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConcurrentProcessor{
		MaxWorkers: maxWorkers,
		JobQueue:   make(chan *IngestJob, queueSize),
		ActiveJobs: make(map[string]*IngestJob),
		Metrics:    &ProcessorMetrics{},
		baseCtx:    ctx,
		stopAll:    cancel,
		logger:     log.New(os.Stdout, "[PROCESSOR] ", log.LstdFlags),
	}
}

// Start 启动工作协程
func (cp *ConcurrentProcessor) Start() {
	cp.stateMu.Lock()
	defer cp.stateMu.Unlock()
	if cp.started || cp.stopped {
		return
	}
	cp.started = true
	cp.logger.Printf("启动并发处理器，工作协程数: %d, 队列容量: %d", cp.MaxWorkers, cap(cp.JobQueue))
	for i := 0; i < cp.MaxWorkers; i++ {
		cp.Wg.Add(1)
		go cp.worker(i + 1)
	}
}

// SubmitJob 非阻塞提交任务，队列满时返回 ErrQueueFull
func (cp *ConcurrentProcessor) SubmitJob(job *IngestJob) error {
	if job == nil || job.Run == nil {
		return fmt.Errorf("invalid job")
	}
	cp.stateMu.Lock()
	defer cp.stateMu.Unlock()
	if cp.stopped {
		return fmt.Errorf("processor stopped: %w", ErrNotReady)
	}

	job.Context, job.Cancel = context.WithCancel(cp.baseCtx)
	select {
	case cp.JobQueue <- job:
		cp.Metrics.Mutex.Lock()
		cp.Metrics.TotalJobs++
		cp.Metrics.Mutex.Unlock()
		cp.logger.Printf("任务已提交: %s (视频: %s)", job.ID, job.VideoID)
		return nil
	default:
		job.Cancel()
		cp.Metrics.Mutex.Lock()
		cp.Metrics.RejectedJobs++
		cp.Metrics.Mutex.Unlock()
		return ErrQueueFull
	}
}

// CancelJob 取消正在执行的任务
func (cp *ConcurrentProcessor) CancelJob(jobID string) error {
	cp.JobsMutex.RLock()
	job, exists := cp.ActiveJobs[jobID]
	cp.JobsMutex.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Cancel != nil {
		job.Cancel()
		cp.logger.Printf("任务已取消: %s", jobID)
	}
	return nil
}

// Shutdown 停止接收新任务，等待队列中任务完成；ctx 到期后取消剩余任务
func (cp *ConcurrentProcessor) Shutdown(ctx context.Context) error {
	cp.stopOnce.Do(func() {
		cp.stateMu.Lock()
		cp.stopped = true
		close(cp.JobQueue)
		cp.stateMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		cp.Wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cp.stopAll()
		cp.logger.Println("并发处理器已停止")
		return nil
	case <-ctx.Done():
		cp.stopAll()
		<-done
		cp.logger.Println("并发处理器已强制停止")
		return ctx.Err()
	}
}

// GetMetrics 获取处理器指标
func (cp *ConcurrentProcessor) GetMetrics() MetricsSnapshot {
	cp.Metrics.Mutex.RLock()
	defer cp.Metrics.Mutex.RUnlock()

	s := MetricsSnapshot{
		TotalJobs:     cp.Metrics.TotalJobs,
		CompletedJobs: cp.Metrics.CompletedJobs,
		FailedJobs:    cp.Metrics.FailedJobs,
		PanickedJobs:  cp.Metrics.PanickedJobs,
		ActiveJobs:    cp.Metrics.ActiveJobs,
		RejectedJobs:  cp.Metrics.RejectedJobs,
		QueuedJobs:    len(cp.JobQueue),
	}
	if finished := cp.Metrics.CompletedJobs + cp.Metrics.FailedJobs; finished > 0 {
		s.AverageTimeMS = float64(cp.Metrics.TotalTime.Milliseconds()) / float64(finished)
	}
	return s
}

func (cp *ConcurrentProcessor) worker(id int) {
	defer cp.Wg.Done()
	for job := range cp.JobQueue {
		if job.Context.Err() != nil {
			// 强制停止后队列中剩余的任务
			cp.finish(job, &JobResult{JobID: job.ID, VideoID: job.VideoID, Error: job.Context.Err()})
			continue
		}
		cp.finish(job, cp.execute(id, job))
	}
}

// execute 执行单个任务，panic 被隔离在当前任务内
func (cp *ConcurrentProcessor) execute(workerID int, job *IngestJob) (result *JobResult) {
	job.StartTime = time.Now()
	cp.JobsMutex.Lock()
	cp.ActiveJobs[job.ID] = job
	cp.JobsMutex.Unlock()
	cp.Metrics.Mutex.Lock()
	cp.Metrics.ActiveJobs++
	cp.Metrics.Mutex.Unlock()

	result = &JobResult{JobID: job.ID, VideoID: job.VideoID}
	defer func() {
		if r := recover(); r != nil {
			cp.logger.Printf("工作协程 %d 任务 %s panic: %v\n%s", workerID, job.ID, r, debug.Stack())
			result.Panicked = true
			result.Success = false
			result.Error = fmt.Errorf("panic: %v", r)
		}
		result.Duration = time.Since(job.StartTime)

		cp.JobsMutex.Lock()
		delete(cp.ActiveJobs, job.ID)
		cp.JobsMutex.Unlock()
		cp.Metrics.Mutex.Lock()
		cp.Metrics.ActiveJobs--
		cp.Metrics.Mutex.Unlock()
	}()

	err := job.Run(job.Context)
	result.Success = err == nil
	result.Error = err
	return result
}

func (cp *ConcurrentProcessor) finish(job *IngestJob, result *JobResult) {
	defer job.Cancel()

	cp.Metrics.Mutex.Lock()
	if result.Success {
		cp.Metrics.CompletedJobs++
	} else {
		cp.Metrics.FailedJobs++
		if result.Panicked {
			cp.Metrics.PanickedJobs++
		}
	}
	cp.Metrics.TotalTime += result.Duration
	cp.Metrics.Mutex.Unlock()

	cp.logger.Printf("任务完成: %s (成功: %v, 耗时: %v)", result.JobID, result.Success, result.Duration)

	if job.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cp.logger.Printf("任务 %s 回调 panic: %v", job.ID, r)
		}
	}()
	job.Callback(result)
}
