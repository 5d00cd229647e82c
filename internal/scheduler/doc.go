// Package scheduler turns run requests into executed builds.
//
// # How It Works
//
// Enqueue plans a run against the current dependency graph. For every
// dependency edge it picks an upstream run on the same branch: a run
// already created for the same request, a reusable queued, running or
// recently successful run when the edge allows reuse, or a fresh run that
// is planned the same way, recursively.
//
// Every state change ends with a pass over the live runs, serialized by
// one mutex:
//
//  1. A run with an upstream that finished and whose edge says
//     FAIL_TO_START fails with UpstreamDependencyFailed without ever being
//     dispatched. Failures cascade through the whole chain in one pass.
//  2. A run with unfinished upstreams waits.
//  3. A composite run completes as soon as its upstreams are done.
//  4. Any other run claims the longest idle agent that satisfies its
//     requirements, gets its artifacts staged and starts executing.
//
// Executions run on their own goroutines and report back through the same
// mutex. A run that exceeds its build type's timeout is failed and its
// agent reclaimed even if the executor never returns.
//
// # Events
//
// Every terminal transition produces a BuildFinished event. Events are
// handed to the OnFinished callback from a single goroutine in the order
// the transitions happened, outside the scheduler lock, so the callback may
// enqueue more runs.
package scheduler
