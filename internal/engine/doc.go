// Package engine runs Action Script executions on behalf of API callers. It
// persists each execution through its lifecycle, hands the script to the
// scripting runtime, and streams the script's log lines to subscribers while
// recording them in the store.
package engine
