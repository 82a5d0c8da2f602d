// Package worker defines execution units: isolated hosts for a sandbox worker
// reached through a framed message stream. Each isolation mode (an OS thread
// in the engine process, or a separate worker process) provides a Spawner,
// and a Registry resolves which one a pool uses.
package worker
