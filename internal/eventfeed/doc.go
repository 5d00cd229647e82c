// Package eventfeed connects the engine to a socket.io event bus.
//
// The feed listens for three events and submits them to the engine:
//
//	vcs_commit     {"vcs_root_id": "Main", "branch": "main", "changed_paths": ["src/a.go"]}
//	schedule_tick  {"time": "2026-10-19T03:00:00Z"}
//	agent_state    {"agent_id": "linux-1", "capabilities": {"os": "linux"}, "enabled": true}
//
// Every terminal run is emitted back on the bus as build_finished.
package eventfeed
