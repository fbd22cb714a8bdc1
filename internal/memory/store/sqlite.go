package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	source      TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	timestamp   TEXT NOT NULL,
	vector      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp);
`

// SQLiteStore is the default Store backend, backed by a local sqlite file
// or an in-memory database.
type SQLiteStore struct {
	db       *sqlx.DB
	embedder Embedder
	dim      int
}

// NewSQLiteStore opens (and if needed creates) the sqlite database at path.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, embedder Embedder, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		dim = DefaultVectorDim
	}
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, embedder: embedder, dim: dim}, nil
}

type memoryRow struct {
	ID         string `db:"id"`
	Content    string `db:"content"`
	Source     string `db:"source"`
	SessionID  string `db:"session_id"`
	MemoryType string `db:"memory_type"`
	Metadata   string `db:"metadata"`
	Timestamp  string `db:"timestamp"`
	Vector     []byte `db:"vector"`
}

func (r memoryRow) toRecord() (*Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp on record %s: %w", r.ID, err)
	}
	var meta map[string]any
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("bad metadata on record %s: %w", r.ID, err)
		}
	}
	return &Record{
		ID:         r.ID,
		Content:    r.Content,
		Source:     r.Source,
		SessionID:  r.SessionID,
		MemoryType: r.MemoryType,
		Metadata:   meta,
		Timestamp:  ts,
		Vector:     decodeVector(r.Vector),
	}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, rec *Record) (string, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, source, session_id, memory_type, metadata, timestamp, vector)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.Source, rec.SessionID, rec.MemoryType,
		meta, rec.Timestamp.Format(time.RFC3339Nano), encodeVector(rec.Vector))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Search(ctx context.Context, sessionID, query, memType string, limit int) ([]*Record, error) {
	records, err := s.sessionRecords(ctx, sessionID, memType, 0)
	if err != nil {
		return nil, err
	}
	qvec := queryVector(ctx, s.embedder, query, s.dim)
	return rankByDistance(records, qvec, limit), nil
}

func (s *SQLiteStore) BySession(ctx context.Context, sessionID, memType string, limit int) ([]*Record, error) {
	return s.sessionRecords(ctx, sessionID, memType, limit)
}

func (s *SQLiteStore) sessionRecords(ctx context.Context, sessionID, memType string, limit int) ([]*Record, error) {
	q := `SELECT id, content, source, session_id, memory_type, metadata, timestamp, vector
	      FROM memories WHERE session_id = ?`
	args := []any{sessionID}
	if memType != "" {
		q += " AND memory_type = ?"
		args = append(args, memType)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	records := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySession: map[string]int{}, ByType: map[string]int{}}
	if err := s.db.GetContext(ctx, &stats.TotalRecords, `SELECT COUNT(*) FROM memories`); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	var bySession []countRow
	if err := s.db.SelectContext(ctx, &bySession,
		`SELECT session_id AS key, COUNT(*) AS count FROM memories GROUP BY session_id`); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, row := range bySession {
		stats.BySession[row.Key] = row.Count
	}
	var byType []countRow
	if err := s.db.SelectContext(ctx, &byType,
		`SELECT memory_type AS key, COUNT(*) AS count FROM memories GROUP BY memory_type`); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, row := range byType {
		stats.ByType[row.Key] = row.Count
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
