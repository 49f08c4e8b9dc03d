// Package runtime is the composition root. It turns a parsed configuration
// document into the live object graph, wires the scheduler, command runner,
// notification engine, cluster messenger, external command bus, and state
// snapshotter together, and owns their lifecycle.
package runtime
