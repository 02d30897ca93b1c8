package initialization

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/embedding"
	"videoSearch/processors"
	"videoSearch/storage"
)

// SystemInitializer 系统初始化器：按配置构造模型、索引、任务存储和工作池
type SystemInitializer struct {
	config    *config.Config
	readiness *core.Readiness
	logger    *log.Logger
}

// NewSystemInitializer 创建系统初始化器
func NewSystemInitializer(cfg *config.Config, readiness *core.Readiness) *SystemInitializer {
	if readiness == nil {
		readiness = core.NewReadiness()
	}
	return &SystemInitializer{config: cfg, readiness: readiness, logger: log.New(os.Stdout, "[INIT] ", log.LstdFlags)}
}

// InitializationResult 初始化结果
type InitializationResult struct {
	Config    *config.Config
	Engine    *embedding.Engine
	Index     storage.VectorIndex
	Jobs      storage.JobStore
	Processor *core.ConcurrentProcessor
	Pipeline  *processors.Pipeline
	Searcher  *processors.Searcher
	Error     error
}

// Close 释放外部连接，工作池需由调用方先 Shutdown
func (r *InitializationResult) Close() {
	if r.Index != nil {
		if err := r.Index.Close(); err != nil {
			log.Printf("close index: %v", err)
		}
	}
	if r.Jobs != nil {
		if err := r.Jobs.Close(); err != nil {
			log.Printf("close job store: %v", err)
		}
	}
}

// InitializeSystem 初始化整个系统；startWorkers 为 false 时不创建后台工作池（CLI 同步模式）
func (si *SystemInitializer) InitializeSystem(ctx context.Context, startWorkers bool) *InitializationResult {
	result := &InitializationResult{Config: si.config}
	fail := func(err error) *InitializationResult {
		result.Error = err
		si.readiness.SetInitError(err)
		result.Close()
		return result
	}
	cfg := si.config

	// 1. 校验配置
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	// 2. 创建数据目录
	si.logger.Println("正在创建数据目录...")
	if err := si.CreateDataDirectories(); err != nil {
		return fail(fmt.Errorf("创建数据目录失败: %w", err))
	}

	// 3. 加载嵌入模型
	si.logger.Printf("正在加载嵌入模型 (%s)...", cfg.EmbeddingProvider)
	model, err := embedding.NewModel(cfg)
	if err != nil {
		return fail(fmt.Errorf("加载嵌入模型失败: %w", err))
	}
	engine := embedding.NewEngine(model, cfg.EmbeddingBatchSize)
	result.Engine = engine
	si.readiness.SetModelsLoaded(true)
	si.logger.Printf("嵌入模型就绪: %s (dim=%d)", engine.ModelName(), engine.Dimensions())

	// 4. 初始化向量索引
	si.logger.Printf("正在初始化向量索引 (%s)...", cfg.Store)
	index, err := storage.NewVectorIndex(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("初始化向量索引失败: %w", err))
	}
	result.Index = index
	metric, err := storage.ParseMetric(cfg.Metric)
	if err != nil {
		return fail(err)
	}
	if err := index.EnsureCollection(ctx, cfg.Collection, engine.Dimensions(), metric); err != nil {
		// 维度不一致属于配置错误，不回退
		return fail(fmt.Errorf("初始化集合 %s 失败: %w", cfg.Collection, err))
	}
	si.readiness.SetIndexReady(true)
	si.logger.Printf("向量索引就绪: %s/%s (%s)", index.Backend(), cfg.Collection, metric)

	// 5. 任务记录
	jobs, err := storage.NewJobStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("初始化任务存储失败: %w", err))
	}
	result.Jobs = jobs
	si.readiness.SetJobsReady(true)
	si.logger.Printf("任务存储就绪: %s", jobs.Backend())

	// 6. 摄取流水线与检索
	tempDir := filepath.Join(cfg.DataRoot, "temp")
	extractor := processors.NewExtractor(processors.NewFFmpegDecoder(tempDir), processors.NewASRProvider(cfg), tempDir)
	indexer := processors.NewIndexer(index, processors.ReindexPolicy(cfg.ReindexPolicy))
	if startWorkers {
		result.Processor = core.NewConcurrentProcessor(cfg.MaxWorkers, cfg.QueueSize)
		result.Processor.Start()
	}
	result.Pipeline = processors.NewPipeline(extractor, engine, indexer, jobs, result.Processor, cfg.FrameInterval)
	result.Searcher = processors.NewSearcher(engine, index, cfg.VisualWeight, cfg.AudioWeight)

	si.logger.Println("系统初始化完成")
	return result
}

// CreateDataDirectories 创建数据目录
func (si *SystemInitializer) CreateDataDirectories() error {
	root := si.config.DataRoot
	for _, dir := range []string{root, filepath.Join(root, "uploads"), filepath.Join(root, "temp")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录 %s 失败: %v", dir, err)
		}
	}
	return nil
}

// Cleanup 清理临时目录
func (si *SystemInitializer) Cleanup() error {
	tempDir := filepath.Join(si.config.DataRoot, "temp")
	if err := os.RemoveAll(tempDir); err != nil {
		si.logger.Printf("清理临时目录失败: %v", err)
	}
	return os.MkdirAll(tempDir, 0755)
}

// Readiness 就绪状态
func (si *SystemInitializer) Readiness() *core.Readiness {
	return si.readiness
}
