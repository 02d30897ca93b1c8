package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"videoSearch/config"
)

// NewVectorIndex 根据配置创建向量索引，外部服务不可用时回退到内存索引
func NewVectorIndex(ctx context.Context, cfg *config.Config) (VectorIndex, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryVectorIndex(), nil
	case "milvus":
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		idx, err := NewMilvusVectorIndex(cctx, MilvusConfig{
			Address:  cfg.MilvusAddr,
			Username: cfg.MilvusUsername,
			Password: cfg.MilvusPassword,
			APIKey:   cfg.MilvusAPIKey,
		})
		if err != nil {
			log.Printf("Warning: Milvus unavailable (%v), falling back to in-memory index", err)
			return NewMemoryVectorIndex(), nil
		}
		return idx, nil
	case "pgvector":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("store=pgvector requires postgres_url")
		}
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		idx, err := NewPgVectorIndex(cctx, cfg.PostgresURL)
		if err != nil {
			log.Printf("Warning: PostgreSQL unavailable (%v), falling back to in-memory index", err)
			return NewMemoryVectorIndex(), nil
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

var jobsLogger = log.New(os.Stdout, "[JOBS] ", log.LstdFlags)

// NewJobStore 根据配置创建任务记录存储，连接失败回退到内存
func NewJobStore(ctx context.Context, cfg *config.Config) (JobStore, error) {
	switch cfg.JobStore {
	case "", "memory":
		return NewMemoryJobStore(), nil
	case "redis":
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := NewRedisJobStore(cctx, RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			jobsLogger.Printf("Warning: %v, job records kept in memory", err)
			return NewMemoryJobStore(), nil
		}
		jobsLogger.Printf("Redis 已连接: %s", cfg.RedisAddr)
		return s, nil
	case "cassandra":
		s, err := NewCassandraJobStore(cfg.CassandraHosts, cfg.CassandraKeyspace)
		if err != nil {
			jobsLogger.Printf("Warning: %v, job records kept in memory", err)
			return NewMemoryJobStore(), nil
		}
		jobsLogger.Printf("Cassandra 已连接: %v (keyspace %s)", cfg.CassandraHosts, cfg.CassandraKeyspace)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}
