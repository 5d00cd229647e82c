package runstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/run"
)

// Memory is a thread-safe, in-memory Store.
type Memory struct {
	mu   sync.RWMutex
	runs map[int64]*run.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[int64]*run.Run)}
}

// Record implements Store.
func (m *Memory) Record(ctx context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r.Clone()
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, id int64) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// LastSuccessful implements Store.
func (m *Memory) LastSuccessful(ctx context.Context, buildTypeID, branch string, since time.Time) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *run.Run
	for _, r := range m.runs {
		if r.BuildTypeID != buildTypeID || r.Branch != branch || r.Status != run.Success {
			continue
		}
		if r.FinishedAt.Before(since) {
			continue
		}
		if best == nil || r.FinishedAt.After(best.FinishedAt) || (r.FinishedAt.Equal(best.FinishedAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, limit int) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *run.Run) int { return cmp.Compare(b.ID, a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MaxID implements Store.
func (m *Memory) MaxID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var maxID int64
	for id := range m.runs {
		maxID = max(maxID, id)
	}
	return maxID, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
