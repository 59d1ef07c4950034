package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sentinel/internal/doa"
)

func openTestStore(t *testing.T, minInterval time.Duration) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", StationID: "test", MinInterval: minInterval}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveThrottles(t *testing.T) {
	s := openTestStore(t, time.Second)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	saved, err := s.Save(ctx, doa.Result{Angle: 10, Timestamp: base})
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = s.Save(ctx, doa.Result{Angle: 11, Timestamp: base.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	assert.False(t, saved)

	saved, err = s.Save(ctx, doa.Result{Angle: 12, Timestamp: base.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, saved)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRecentNewestFirst(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		_, err := s.Save(ctx, doa.Result{
			Angle:      float64(i * 10),
			Confidence: 0.5,
			Active:     true,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.InDelta(t, 40.0, recs[0].Angle, 1e-9)
	assert.InDelta(t, 20.0, recs[2].Angle, 1e-9)
	assert.Equal(t, s.RunID(), recs[0].RunID)
	assert.Equal(t, "test", recs[0].StationID)
	assert.True(t, recs[0].Active)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := range 4 {
		_, err := s.Save(ctx, doa.Result{Angle: 1, Timestamp: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)
}

func TestOpenFileAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bearings.db")
	s, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), doa.Result{Angle: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Save(context.Background(), doa.Result{Angle: 6})
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotEqual(t, s.RunID(), reopened.RunID())
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
