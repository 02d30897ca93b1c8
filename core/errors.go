package core

import "errors"

var (
	// ErrFileNotFound 视频文件不存在
	ErrFileNotFound = errors.New("video file not found")
	// ErrMediaUnreadable 无法读取帧率或媒体流
	ErrMediaUnreadable = errors.New("media unreadable")
	// ErrModelFailure 嵌入模型调用失败
	ErrModelFailure = errors.New("embedding model failure")
	// ErrIndexWriteFailure 向量索引写入失败
	ErrIndexWriteFailure = errors.New("index write failure")
	// ErrQueryEmbeddingFailure 查询文本无法嵌入
	ErrQueryEmbeddingFailure = errors.New("query embedding failure")
	// ErrDimensionMismatch 向量维度与集合不一致，属于配置错误
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrQueueFull 任务队列已满，可重试
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrNotReady 系统尚未初始化完成，可重试
	ErrNotReady = errors.New("system not ready")
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
)
