// Package scheduler drives active check execution.
//
// A single goroutine owns a priority queue keyed by next_check. When the
// earliest entry comes due, the loop runs the admission chain in order:
// concurrency cap, enable flags, dependency reachability, check period,
// remote endpoint connectivity. Admitted checks are handed to a worker
// pool bounded by MaxConcurrentChecks; everything else is rescheduled with
// a reason-specific delay. All waits go through the Clock so the whole
// loop runs deterministically under virtual time in tests.
package scheduler
