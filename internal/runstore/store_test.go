package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func finished(id int64, bt, branch string, status run.Status, at time.Time) *run.Run {
	r := run.New(id, run.Request{BuildTypeID: bt, Branch: branch, Cause: "test"}, at.Add(-time.Minute))
	r.BuildNumber = "1." + bt
	r.Finish(status, nil, at)
	return r
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// --- Arrange ---
			ctx := context.Background()
			runs := []*run.Run{
				finished(1, "Build", "main", run.Success, t0),
				finished(2, "Build", "main", run.Success, t0.Add(time.Hour)),
				finished(3, "Build", "main", run.Failed, t0.Add(2*time.Hour)),
				finished(4, "Build", "dev", run.Success, t0.Add(3*time.Hour)),
				finished(5, "Test", "main", run.Success, t0.Add(4*time.Hour)),
			}
			for _, r := range runs {
				require.NoError(t, s.Record(ctx, r))
			}

			// --- Act ---
			last, err := s.LastSuccessful(ctx, "Build", "main", t0)
			require.NoError(t, err)
			expired, err := s.LastSuccessful(ctx, "Build", "main", t0.Add(90*time.Minute))
			require.NoError(t, err)
			got, err := s.Get(ctx, 3)
			require.NoError(t, err)
			listed, err := s.List(ctx, 2)
			require.NoError(t, err)
			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			maxID, err := s.MaxID(ctx)
			require.NoError(t, err)

			// --- Assert ---
			require.NotNil(t, last)
			assert.Equal(t, int64(2), last.ID)
			assert.Equal(t, "1.Build", last.BuildNumber)
			assert.Nil(t, expired, "older runs are outside the retention window")
			assert.Equal(t, run.Failed, got.Status)
			require.Len(t, listed, 2)
			assert.Equal(t, int64(5), listed[0].ID)
			assert.Len(t, all, 5)
			assert.Equal(t, int64(5), maxID)

			_, err = s.Get(ctx, 42)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RecordReplaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := finished(7, "Build", "main", run.Failed, t0)
			require.NoError(t, s.Record(ctx, r))

			r.Status = run.Success
			require.NoError(t, s.Record(ctx, r))

			got, err := s.Get(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, run.Success, got.Status)
			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_Empty(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.MaxID(context.Background())
			require.NoError(t, err)
			assert.Zero(t, id)
			last, err := s.LastSuccessful(context.Background(), "Build", "main", time.Time{})
			require.NoError(t, err)
			assert.Nil(t, last)
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, finished(11, "Build", "main", run.Success, t0)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	id, err := s.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}
