// Package bridge contains the backend adapters that execute tasks: native
// in-process functions, plugin and configured subprocesses speaking the
// stdin/stdout protocol, the embedded expression sandbox, and local model
// inference.
//
// Every adapter implements registry.Invoker and returns a terminal
// task.Outcome; no adapter lets a panic or a raw error escape to the hub.
package bridge
