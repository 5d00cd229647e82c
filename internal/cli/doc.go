// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// binds flags, BUILDGRID_* environment variables and buildgrid.yaml into
// app.Settings and dispatches to the run, validate and plan commands.
package cli
