package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"videoSearch/core"
)

// PgVectorIndex 基于 PostgreSQL + pgvector 的向量索引
type PgVectorIndex struct {
	pool   *pgxpool.Pool
	table  string // 已转义的表名
	name   string
	dim    int
	metric Metric
	logger *log.Logger
}

// NewPgVectorIndex 连接 PostgreSQL 并启用 vector 扩展
func NewPgVectorIndex(ctx context.Context, databaseURL string) (*PgVectorIndex, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("enable pgvector extension: %w", err)
	}
	return &PgVectorIndex{pool: pool, logger: log.New(os.Stdout, "[PGVECTOR] ", log.LstdFlags)}, nil
}

func (s *PgVectorIndex) Backend() string { return "pgvector" }

// 距离运算符与索引 ops class
func pgOperator(m Metric) (op, opsClass string) {
	switch m {
	case MetricDot:
		return "<#>", "vector_ip_ops"
	case MetricL2:
		return "<->", "vector_l2_ops"
	default:
		return "<=>", "vector_cosine_ops"
	}
}

// pgScore 把距离换算成“越大越相似”的得分
func pgScore(m Metric) string {
	op, _ := pgOperator(m)
	switch m {
	case MetricDot, MetricL2:
		return fmt.Sprintf("-(embedding %s $1::vector)", op)
	default:
		return fmt.Sprintf("1 - (embedding %s $1::vector)", op)
	}
}

// pgTable 带引号的表名；to_regclass 与 DDL 共用，保持大小写一致
func pgTable(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

var vectorType = regexp.MustCompile(`^vector\((\d+)\)$`)

func (s *PgVectorIndex) EnsureCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if err := validateCollection(name, dim, metric); err != nil {
		return err
	}
	table := pgTable(name)

	var existing string
	err := s.pool.QueryRow(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attname = 'embedding' AND NOT a.attisdropped`, table).Scan(&existing)
	switch {
	case err == nil:
		m := vectorType.FindStringSubmatch(existing)
		if m == nil {
			return fmt.Errorf("table %s has unexpected embedding type %s", name, existing)
		}
		if d, _ := strconv.Atoi(m[1]); d != dim {
			return fmt.Errorf("%w: table %s has %d dims, requested %d", core.ErrDimensionMismatch, name, d, dim)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// 表不存在，下面创建
	default:
		return fmt.Errorf("inspect table %s: %w", name, err)
	}

	_, opsClass := pgOperator(metric)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			start_sec DOUBLE PRECISION,
			end_sec DOUBLE PRECISION,
			text TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (video_id)`, pgx.Identifier{name + "_video_idx"}.Sanitize(), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`, pgx.Identifier{name + "_hnsw_idx"}.Sanitize(), table, opsClass),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure table %s: %w", name, err)
		}
	}
	s.table, s.name, s.dim, s.metric = table, name, dim, metric
	return nil
}

func (s *PgVectorIndex) Upsert(ctx context.Context, points []core.IndexPoint) error {
	if len(points) == 0 {
		return nil
	}
	if s.table == "" {
		return fmt.Errorf("%w: collection not initialised", core.ErrIndexWriteFailure)
	}
	if err := checkDimensions(points, s.dim); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, video_id, modality, ts, start_sec, end_sec, text, metadata, embedding)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::vector)
		ON CONFLICT (id) DO UPDATE SET
			video_id = EXCLUDED.video_id,
			modality = EXCLUDED.modality,
			ts = EXCLUDED.ts,
			start_sec = EXCLUDED.start_sec,
			end_sec = EXCLUDED.end_sec,
			text = EXCLUDED.text,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, p := range points {
		var start, end *float64
		var text *string
		var md map[string]any
		switch v := p.Payload.(type) {
		case *core.VisualPayload:
			md = v.Metadata
		case *core.AudioPayload:
			st, en, tx := v.Start, v.End, v.Text
			start, end, text, md = &st, &en, &tx, v.Metadata
		}
		meta, err := json.Marshal(nonNil(md))
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %v", core.ErrIndexWriteFailure, err)
		}
		batch.Queue(stmt, p.ID, p.Payload.Video(), string(p.Payload.Modality()), p.Payload.Time(),
			start, end, text, string(meta), pgvector.NewVector(p.Vector))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrIndexWriteFailure, err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := range points {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%w: point %s: %v", core.ErrIndexWriteFailure, points[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIndexWriteFailure, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrIndexWriteFailure, err)
	}
	return nil
}

func (s *PgVectorIndex) Query(ctx context.Context, vector core.Vector, limit int, filter Filter) ([]ScoredPoint, error) {
	if s.table == "" {
		return []ScoredPoint{}, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, collection has %d", core.ErrDimensionMismatch, len(vector), s.dim)
	}
	if limit <= 0 {
		limit = 5
	}
	op, _ := pgOperator(s.metric)
	q := fmt.Sprintf(`
		SELECT id::text, video_id, modality, ts, start_sec, end_sec, text, metadata, %s AS score
		FROM %s
		WHERE ($2 = '' OR video_id = $2) AND ($3 = '' OR modality = $3)
		ORDER BY embedding %s $1::vector
		LIMIT $4`, pgScore(s.metric), s.table, op)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), filter.VideoID, string(filter.Modality), limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	hits := []ScoredPoint{}
	for rows.Next() {
		var (
			id, videoID, modality string
			ts, score             float64
			start, end            *float64
			text                  *string
			meta                  []byte
		)
		if err := rows.Scan(&id, &videoID, &modality, &ts, &start, &end, &text, &meta, &score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		fields := map[string]any{
			core.FieldVideoID:   videoID,
			core.FieldModality:  modality,
			core.FieldTimestamp: ts,
		}
		if start != nil {
			fields[core.FieldStart] = *start
		}
		if end != nil {
			fields[core.FieldEnd] = *end
		}
		if text != nil {
			fields[core.FieldText] = *text
		}
		var md map[string]any
		if len(meta) > 0 && json.Unmarshal(meta, &md) == nil {
			for k, v := range md {
				if !core.IsReservedField(k) {
					fields[k] = v
				}
			}
		}
		payload, err := core.PayloadFromFields(fields)
		if err != nil {
			s.logger.Printf("skip row %s: %v", id, err)
			continue
		}
		hits = append(hits, ScoredPoint{ID: id, Score: score, Payload: payload})
	}
	return hits, rows.Err()
}

func (s *PgVectorIndex) DeleteByVideo(ctx context.Context, videoID string, keep ...string) (int, error) {
	if s.table == "" {
		return 0, nil
	}
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE video_id = $1 AND NOT (id::text = ANY($2::text[]))`, s.table), videoID, keep)
	if err != nil {
		return 0, fmt.Errorf("pgvector delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgVectorIndex) Count(ctx context.Context) (int, error) {
	if s.table == "" {
		return 0, nil
	}
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PgVectorIndex) Close() error {
	s.pool.Close()
	return nil
}
