// Package supervisor implements process-group lifecycle management for the
// worker fleet.
//
// Two collaborators share the vocabulary in this package:
//
//   - Supervisor is the host-side component: it launches the primary
//     script-host executable as a child process, waits for the rendezvous
//     socket to become connectable, and owns that single child's
//     graceful-then-forced shutdown.
//   - Fleet is the primary process's own internal component: it forks the
//     actual script-executor workers, tracks each through the
//     Forked -> Online -> Ready -> Draining -> Exited state machine over a
//     stdin/stdout control channel, derives each worker's private wire
//     socket path, and replaces crashed workers.
//
// Grounded on grimm-is-glacic's cmd/ctl.go spawn/restart/signal pattern
// (spawnAPI, spawnProxy): exec.Command, SIGTERM then a bounded grace window
// then Kill, and a restart-on-crash loop. Children inherit this process's
// environment; workers additionally get SOCKET_PATH.
package supervisor
