// Package store persists memory records and serves nearest-neighbor search
// over their embedding vectors.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. ErrStoreUnavailable is retryable; ErrInvalidRecord is not.
var (
	ErrStoreUnavailable = errors.New("memory store unavailable")
	ErrInvalidRecord    = errors.New("invalid memory record")
	ErrNotFound         = errors.New("memory record not found")
)

// DefaultVectorDim is the embedding dimensionality used when none is configured.
const DefaultVectorDim = 384

// Record is a single memory entry.
type Record struct {
	ID         string         `json:"id" db:"id"`
	Content    string         `json:"content" db:"content"`
	Source     string         `json:"source" db:"source"`
	SessionID  string         `json:"session_id" db:"session_id"`
	MemoryType string         `json:"type" db:"memory_type"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	Timestamp  time.Time      `json:"timestamp" db:"-"`
	Vector     []float32      `json:"-" db:"-"`
}

// Stats summarizes store contents.
type Stats struct {
	TotalRecords int            `json:"total_records"`
	BySession    map[string]int `json:"by_session"`
	ByType       map[string]int `json:"by_type"`
}

// Embedder turns text into a fixed-dimension vector. The store works without
// one; search then degenerates to chronological order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Store is the persistence interface for memory records.
type Store interface {
	// Add persists a record, assigning an ID and timestamp when absent,
	// and returns the stored record's ID.
	Add(ctx context.Context, rec *Record) (string, error)
	// Search returns up to limit records for the session nearest to the
	// query, ascending by cosine distance, ties broken by newest first.
	// A non-empty memType restricts results to that memory type.
	Search(ctx context.Context, sessionID, query, memType string, limit int) ([]*Record, error)
	// BySession returns up to limit records for the session, newest first,
	// optionally restricted to one memory type.
	BySession(ctx context.Context, sessionID, memType string, limit int) ([]*Record, error)
	// Delete removes a record by ID.
	Delete(ctx context.Context, id string) error
	// ClearSession removes all records for a session and returns how many
	// were deleted.
	ClearSession(ctx context.Context, sessionID string) (int, error)
	// Stats reports record counts.
	Stats(ctx context.Context) (*Stats, error)
	// Close releases the backing connection.
	Close() error
}

// newRecordID returns a short opaque identifier.
func newRecordID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// prepare validates and normalizes a record before insert.
func prepare(ctx context.Context, rec *Record, embedder Embedder, dim int) error {
	if rec == nil || rec.Content == "" {
		return ErrInvalidRecord
	}
	if rec.SessionID == "" {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Source == "" {
		rec.Source = "unknown"
	}
	if rec.MemoryType == "" {
		rec.MemoryType = "general"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if len(rec.Vector) == 0 {
		if embedder != nil {
			vec, err := embedder.Embed(ctx, rec.Content)
			if err != nil {
				return err
			}
			rec.Vector = vec
		} else {
			rec.Vector = make([]float32, dim)
		}
	}
	if len(rec.Vector) != dim {
		return ErrInvalidRecord
	}
	return nil
}

// queryVector embeds the query, falling back to a zero vector.
func queryVector(ctx context.Context, embedder Embedder, query string, dim int) []float32 {
	if embedder != nil {
		if vec, err := embedder.Embed(ctx, query); err == nil && len(vec) == dim {
			return vec
		}
	}
	return make([]float32, dim)
}

// cosineDistance returns 1 - cos(a, b). Zero-magnitude vectors get the
// maximum distance so they sort purely by timestamp.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// rankByDistance sorts records ascending by distance to the query vector,
// breaking ties by descending timestamp, and truncates to limit.
func rankByDistance(records []*Record, qvec []float32, limit int) []*Record {
	type scored struct {
		rec  *Record
		dist float64
	}
	ranked := make([]scored, 0, len(records))
	for _, rec := range records {
		ranked = append(ranked, scored{rec: rec, dist: cosineDistance(qvec, rec.Vector)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].rec.Timestamp.After(ranked[j].rec.Timestamp)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*Record, len(ranked))
	for i, s := range ranked {
		out[i] = s.rec
	}
	return out
}

// encodeVector serializes a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a little-endian float32 blob.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
