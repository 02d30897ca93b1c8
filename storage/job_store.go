package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/redis/go-redis/v9"

	"videoSearch/core"
)

// maxDeadLetters 死信保留上限
const maxDeadLetters = 1000

// JobStore 摄取任务记录存储
type JobStore interface {
	Create(ctx context.Context, job *core.JobRecord) error
	Update(ctx context.Context, job *core.JobRecord) error
	// Get 不存在时返回 core.ErrJobNotFound
	Get(ctx context.Context, id string) (*core.JobRecord, error)
	DeadLetter(ctx context.Context, job *core.JobRecord) error
	// DeadLetters 最近的失败任务，新的在前
	DeadLetters(ctx context.Context, limit int) ([]*core.JobRecord, error)
	Backend() string
	Close() error
}

func stamp(job *core.JobRecord) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxDeadLetters {
		return 50
	}
	return limit
}

// ---------------- memory ----------------

// MemoryJobStore 进程内任务记录
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]core.JobRecord
	dead []core.JobRecord
}

// NewMemoryJobStore 创建内存任务存储
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]core.JobRecord{}}
}

func (s *MemoryJobStore) Backend() string { return "memory" }

func (s *MemoryJobStore) Create(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Update(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	out := cloneJob(&job)
	return &out, nil
}

func (s *MemoryJobStore) DeadLetter(ctx context.Context, job *core.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, cloneJob(job))
	if len(s.dead) > maxDeadLetters {
		s.dead = s.dead[len(s.dead)-maxDeadLetters:]
	}
	return nil
}

func (s *MemoryJobStore) DeadLetters(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.JobRecord, 0, min(limit, len(s.dead)))
	for i := len(s.dead) - 1; i >= 0 && len(out) < limit; i-- {
		j := cloneJob(&s.dead[i])
		out = append(out, &j)
	}
	return out, nil
}

func (s *MemoryJobStore) Close() error { return nil }

func cloneJob(job *core.JobRecord) core.JobRecord {
	c := *job
	if job.Warnings != nil {
		c.Warnings = append([]string(nil), job.Warnings...)
	}
	return c
}

// ---------------- redis ----------------

// RedisJobStore 以 JSON 形式保存任务记录，死信为一个列表
type RedisJobStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisJobStore 连接 Redis
func NewRedisJobStore(ctx context.Context, cfg RedisConfig) (*RedisJobStore, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobStore{client: client, prefix: "videosearch:", ttl: ttl}, nil
}

func (s *RedisJobStore) Backend() string { return "redis" }

func (s *RedisJobStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisJobStore) deadKey() string         { return s.prefix + "dead_letters" }

func (s *RedisJobStore) Create(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("error creating job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

func (s *RedisJobStore) Update(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("error updating job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading job: %w", err)
	}
	var job core.JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisJobStore) DeadLetter(ctx context.Context, job *core.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.deadKey(), data)
		p.LTrim(ctx, s.deadKey(), 0, maxDeadLetters-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding dead letter: %w", err)
	}
	return nil
}

func (s *RedisJobStore) DeadLetters(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	items, err := s.client.LRange(ctx, s.deadKey(), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading dead letters: %w", err)
	}
	out := make([]*core.JobRecord, 0, len(items))
	for _, item := range items {
		var job core.JobRecord
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// ---------------- cassandra ----------------

// CassandraJobStore 任务记录写入 Cassandra
type CassandraJobStore struct {
	session *gocql.Session
}

// NewCassandraJobStore 连接 Cassandra，必要时创建 keyspace 与表
func NewCassandraJobStore(hosts []string, keyspace string) (*CassandraJobStore, error) {
	if !collectionName.MatchString(keyspace) {
		return nil, fmt.Errorf("invalid keyspace %q", keyspace)
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second

	bootstrap, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	err = bootstrap.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)).Exec()
	bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}

	cluster.Keyspace = keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			job_id text PRIMARY KEY,
			video_id text,
			status text,
			record text,
			updated_at timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_dead_letters (
			bucket text,
			failed_at timestamp,
			job_id text,
			record text,
			PRIMARY KEY (bucket, failed_at, job_id)
		) WITH CLUSTERING ORDER BY (failed_at DESC, job_id ASC)`,
	} {
		if err := session.Query(stmt).Exec(); err != nil {
			session.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return &CassandraJobStore{session: session}, nil
}

func (s *CassandraJobStore) Backend() string { return "cassandra" }

func (s *CassandraJobStore) Create(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	applied, err := s.session.Query(`INSERT INTO ingestion_jobs (job_id, video_id, status, record, updated_at)
		VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
		job.ID, job.VideoID, string(job.Status), string(data), job.UpdatedAt).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("error creating job: %w", err)
	}
	if !applied {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

func (s *CassandraJobStore) Update(ctx context.Context, job *core.JobRecord) error {
	stamp(job)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = s.session.Query(`INSERT INTO ingestion_jobs (job_id, video_id, status, record, updated_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.VideoID, string(job.Status), string(data), job.UpdatedAt).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("error updating job: %w", err)
	}
	return nil
}

func (s *CassandraJobStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	var record string
	err := s.session.Query(`SELECT record FROM ingestion_jobs WHERE job_id = ?`, id).WithContext(ctx).Scan(&record)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading job: %w", err)
	}
	var job core.JobRecord
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// 死信按天分区
func deadLetterBucket(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (s *CassandraJobStore) DeadLetter(ctx context.Context, job *core.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = s.session.Query(`INSERT INTO ingestion_dead_letters (bucket, failed_at, job_id, record) VALUES (?, ?, ?, ?) USING TTL 2592000`,
		deadLetterBucket(now), now, job.ID, string(data)).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("error adding dead letter: %w", err)
	}
	return nil
}

// DeadLetters 读取最近 30 天的分区
func (s *CassandraJobStore) DeadLetters(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	limit = clampLimit(limit)
	out := []*core.JobRecord{}
	day := time.Now().UTC()
	for i := 0; i < 30 && len(out) < limit; i++ {
		iter := s.session.Query(`SELECT record FROM ingestion_dead_letters WHERE bucket = ? LIMIT ?`,
			deadLetterBucket(day), limit-len(out)).WithContext(ctx).Iter()
		var record string
		for iter.Scan(&record) {
			var job core.JobRecord
			if json.Unmarshal([]byte(record), &job) == nil {
				out = append(out, &job)
			}
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("error fetching dead letters: %w", err)
		}
		day = day.AddDate(0, 0, -1)
	}
	return out, nil
}

func (s *CassandraJobStore) Close() error {
	s.session.Close()
	return nil
}
