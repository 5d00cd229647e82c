// Package api exposes the engine over HTTP.
//
// Events come in as POST requests and are applied synchronously, so the
// response lists the runs they queued. Runs, agents and the dependency graph
// can be inspected, runs can be started and canceled by hand, and published
// artifacts can be downloaded.
//
//	GET  /health
//	GET  /runs                         POST /runs
//	GET  /runs/{id}                    POST /runs/{id}/cancel
//	GET  /runs/{id}/artifacts          GET  /runs/{id}/artifacts/*
//	POST /events/vcs                   POST /events/schedule
//	GET  /agents                       POST /agents/{id}    DELETE /agents/{id}
//	GET  /graph                        POST /config/reload
package api
