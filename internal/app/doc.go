// Package app wires the build engine into a long-running process: settings,
// logging, tracing, run history, the HTTP API, the schedule ticker and the
// optional socket.io event feed. It is decoupled from the CLI so tests can
// drive it directly.
package app
