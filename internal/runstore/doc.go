// Package runstore keeps the history of finished runs.
//
// The scheduler keeps live runs in memory. Once a run reaches a terminal
// status it is recorded here, which is what reuse of upstream runs
// ("reuseBuilds = ANY") and run id allocation across restarts rely on.
//
// # Implementations
//
//   - Memory: ephemeral, for tests and one-shot pipeline runs.
//   - SQLite: durable history in a single file, one JSON document per run.
package runstore
