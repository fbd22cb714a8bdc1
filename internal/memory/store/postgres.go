package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	source      TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	timestamp   TIMESTAMPTZ NOT NULL,
	vector      BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp);
`

// PostgresStore is the Store backend for shared deployments, backed by a
// pgx connection pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
	dim      int
}

// NewPostgresStore connects to the database at url and ensures the schema.
func NewPostgresStore(ctx context.Context, url string, embedder Embedder, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		dim = DefaultVectorDim
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, embedder: embedder, dim: dim}, nil
}

func (s *PostgresStore) Add(ctx context.Context, rec *Record) (string, error) {
	if err := prepare(ctx, rec, s.embedder, s.dim); err != nil {
		return "", err
	}
	meta := "{}"
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: metadata not serializable", ErrInvalidRecord)
		}
		meta = string(raw)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, content, source, session_id, memory_type, metadata, timestamp, vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Content, rec.Source, rec.SessionID, rec.MemoryType,
		meta, rec.Timestamp, encodeVector(rec.Vector))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) Search(ctx context.Context, sessionID, query, memType string, limit int) ([]*Record, error) {
	records, err := s.sessionRecords(ctx, sessionID, memType, 0)
	if err != nil {
		return nil, err
	}
	qvec := queryVector(ctx, s.embedder, query, s.dim)
	return rankByDistance(records, qvec, limit), nil
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID, memType string, limit int) ([]*Record, error) {
	return s.sessionRecords(ctx, sessionID, memType, limit)
}

func (s *PostgresStore) sessionRecords(ctx context.Context, sessionID, memType string, limit int) ([]*Record, error) {
	q := `SELECT id, content, source, session_id, memory_type, metadata, timestamp, vector
	      FROM memories WHERE session_id = $1`
	args := []any{sessionID}
	if memType != "" {
		q += fmt.Sprintf(" AND memory_type = $%d", len(args)+1)
		args = append(args, memType)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec  Record
			meta string
			blob []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Source, &rec.SessionID,
			&rec.MemoryType, &meta, &rec.Timestamp, &blob); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("bad metadata on record %s: %w", rec.ID, err)
			}
		}
		rec.Vector = decodeVector(blob)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySession: map[string]int{}, ByType: map[string]int{}}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&stats.TotalRecords); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.countBy(ctx, "session_id", stats.BySession); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "memory_type", stats.ByType); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) countBy(ctx context.Context, column string, out map[string]int) error {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s, COUNT(*) FROM memories GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out[key] = count
	}
	return rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
