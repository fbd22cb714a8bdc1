package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder maps known strings to fixed 4-dimensional vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) Dim() int { return 4 }

func newTestStore(t *testing.T, embedder Embedder) *SQLiteStore {
	t.Helper()
	dim := DefaultVectorDim
	if embedder != nil {
		dim = embedder.Dim()
	}
	s, err := NewSQLiteStore(":memory:", embedder, dim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAssignsIDAndDefaults(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	id, err := s.Add(ctx, &Record{Content: "hello", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, id, 8)

	records, err := s.BySession(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "unknown", records[0].Source)
	assert.Equal(t, "general", records[0].MemoryType)
	assert.False(t, records[0].Timestamp.IsZero())
	assert.Len(t, records[0].Vector, DefaultVectorDim)
}

func TestAddRejectsInvalidRecords(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *Record
	}{
		{"empty content", &Record{SessionID: "sess-1"}},
		{"missing session", &Record{Content: "hello"}},
		{"wrong vector dim", &Record{Content: "hello", SessionID: "s", Vector: []float32{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(ctx, tt.rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestSearchRanksByCosineDistance(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"close":    {1, 0, 0, 0},
		"mid":      {1, 1, 0, 0},
		"far":      {0, 1, 0, 0},
		"my query": {1, 0, 0, 0},
	}}
	s := newTestStore(t, embedder)
	ctx := context.Background()

	for _, content := range []string{"far", "close", "mid"} {
		_, err := s.Add(ctx, &Record{Content: content, SessionID: "sess-1"})
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, "sess-1", "my query", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "close", results[0].Content)
	assert.Equal(t, "mid", results[1].Content)
	assert.Equal(t, "far", results[2].Content)
}

func TestSearchBreaksTiesByNewestFirst(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	s := newTestStore(t, embedder)
	ctx := context.Background()

	base := time.Now().UTC()
	// Identical vectors, distinct timestamps.
	for i, content := range []string{"oldest", "middle", "newest"} {
		_, err := s.Add(ctx, &Record{
			Content:   content,
			SessionID: "sess-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, "sess-1", "anything", "", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newest", results[0].Content)
	assert.Equal(t, "middle", results[1].Content)
}

func TestSearchWithoutEmbedderIsChronological(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		_, err := s.Add(ctx, &Record{
			Content:   content,
			SessionID: "sess-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, "sess-1", "query", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "third", results[0].Content)
	assert.Equal(t, "second", results[1].Content)
	assert.Equal(t, "first", results[2].Content)
}

func TestSearchScopedToSession(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Add(ctx, &Record{Content: "mine", SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "theirs", SessionID: "sess-2"})
	require.NoError(t, err)

	results, err := s.Search(ctx, "sess-1", "query", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Content)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Add(ctx, &Record{
		Content:   "with meta",
		SessionID: "sess-1",
		Metadata:  map[string]any{"file": "main.go", "line": float64(42)},
	})
	require.NoError(t, err)

	records, err := s.BySession(ctx, "sess-1", "", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "main.go", records[0].Metadata["file"])
	assert.Equal(t, float64(42), records[0].Metadata["line"])
}

func TestDeleteAndClearSession(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	id, err := s.Add(ctx, &Record{Content: "a", SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "b", SessionID: "sess-1"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

	deleted, err := s.ClearSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	records, err := s.BySession(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	deleted, err = s.ClearSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSearchAndBySessionFilterByType(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Add(ctx, &Record{Content: "said a thing", SessionID: "sess-1", MemoryType: "conversation"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "built a thing", SessionID: "sess-1", MemoryType: "task_result"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "misc", SessionID: "sess-1"})
	require.NoError(t, err)

	records, err := s.BySession(ctx, "sess-1", "conversation", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "said a thing", records[0].Content)

	results, err := s.Search(ctx, "sess-1", "thing", "task_result", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "built a thing", results[0].Content)

	all, err := s.BySession(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStats(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Add(ctx, &Record{Content: "a", SessionID: "s1", MemoryType: "conversation"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "b", SessionID: "s1"})
	require.NoError(t, err)
	_, err = s.Add(ctx, &Record{Content: "c", SessionID: "s2"})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.BySession["s1"])
	assert.Equal(t, 1, stats.BySession["s2"])
	assert.Equal(t, 1, stats.ByType["conversation"])
	assert.Equal(t, 2, stats.ByType["general"])
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}
