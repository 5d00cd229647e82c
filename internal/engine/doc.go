// Package engine wires the dependency graph, the trigger engine and the
// scheduler into one running system.
//
// The engine owns the current configuration. Reload parses it again and, if
// the new graph is valid, swaps it in atomically; runs already planned keep
// the graph they were planned with. Events arrive either synchronously
// through Handle or through the queue drained by Run. Every finished run is
// fed back to the trigger engine so finish_build triggers fire in the order
// runs finished.
package engine
