package testutil

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/spf13/afero"
)

// Outcome scripts what FakeExecutor does for one build type.
type Outcome struct {
	ExitCode int
	Err      error
	Params   map[string]string
	// Files are written into the job's workspace, relative paths to content.
	Files map[string]string
	// IgnoreCancel makes a held job wait for its release even after the
	// context is canceled, like an executor that hangs.
	IgnoreCancel bool
}

// FakeExecutor is a scriptable executor.Executor.
type FakeExecutor struct {
	fs afero.Fs

	mu       sync.Mutex
	outcomes map[string]Outcome
	gates    map[string]chan struct{}
	jobs     []*executor.Job
	started  chan *executor.Job
}

// NewFakeExecutor returns an executor that succeeds for every build type
// until told otherwise. Files are written through fs.
func NewFakeExecutor(fs afero.Fs) *FakeExecutor {
	return &FakeExecutor{
		fs:       fs,
		outcomes: make(map[string]Outcome),
		gates:    make(map[string]chan struct{}),
		started:  make(chan *executor.Job, 256),
	}
}

// On sets the outcome for a build type.
func (f *FakeExecutor) On(buildTypeID string, o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[buildTypeID] = o
}

// Hold makes jobs of a build type block until the returned release func is
// called or their context ends. release may be called more than once.
func (f *FakeExecutor) Hold(buildTypeID string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[buildTypeID] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Started delivers every job as it begins executing.
func (f *FakeExecutor) Started() <-chan *executor.Job {
	return f.started
}

// Jobs returns the jobs executed so far.
func (f *FakeExecutor) Jobs() []*executor.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*executor.Job(nil), f.jobs...)
}

// Execute implements executor.Executor.
func (f *FakeExecutor) Execute(ctx context.Context, job *executor.Job) (*executor.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	o := f.outcomes[job.BuildTypeID]
	gate := f.gates[job.BuildTypeID]
	f.mu.Unlock()

	select {
	case f.started <- job:
	default:
	}

	if gate != nil {
		if o.IgnoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	for name, content := range o.Files {
		if err := afero.WriteFile(f.fs, filepath.Join(job.Workspace, name), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	if o.Err != nil {
		return nil, o.Err
	}
	return &executor.Result{ExitCode: o.ExitCode, Params: o.Params}, nil
}
