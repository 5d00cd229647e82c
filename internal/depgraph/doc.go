// Package depgraph validates a config.Model and turns it into an immutable,
// versioned dependency graph of build types.
//
// # What Build checks
//
// Every reference must resolve: projects, VCS roots, dependency targets,
// watched build types of enabled finish-build triggers, and "%dep.X.p%"
// parameter references, which must name a direct dependency of the build
// type that uses them. Ids must be unique and enumerated values must be
// known. The snapshot subgraph must be acyclic; when it is not, the error
// carries the cycle in order with its first id repeated at the end.
//
// # Blocking edges
//
// Snapshot edges always block: the downstream run waits for the upstream
// run on the same branch. Artifact-only edges block too unless adding them
// would close a cycle together with the edges already accepted, in which
// case they are marked non-blocking and only ever reuse the last
// successful upstream run. This keeps the waiting relation a DAG, and it
// is the order Nodes returns.
//
// # Sharing
//
// A Graph is never modified after Build returns it. A Holder publishes the
// current graph so readers can keep using the snapshot they loaded while a
// reload swaps in a new one.
package depgraph
