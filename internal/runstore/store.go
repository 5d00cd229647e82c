package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/run"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Store records finished runs.
type Store interface {
	// Record stores or replaces a run.
	Record(ctx context.Context, r *run.Run) error
	// Get returns one recorded run.
	Get(ctx context.Context, id int64) (*run.Run, error)
	// LastSuccessful returns the most recent successful run of a build type
	// on a branch that finished at or after since, or nil if there is none.
	LastSuccessful(ctx context.Context, buildTypeID, branch string, since time.Time) (*run.Run, error)
	// List returns up to limit runs, newest first. A limit of zero or less
	// returns all runs.
	List(ctx context.Context, limit int) ([]*run.Run, error)
	// MaxID returns the highest recorded run id, or zero.
	MaxID(ctx context.Context) (int64, error)
	Close() error
}
