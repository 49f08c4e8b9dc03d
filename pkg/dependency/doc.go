// Package dependency maintains the parent/child dependency graph.
//
// Edges with identical composite keys coalesce into shared groups, so two
// children depending on the same parents in the same way reference a single
// Group object. Reachability of a checkable is the conjunction of its
// groups' states; a named redundancy group passes while any parent is
// available, a non-redundant group requires all of them.
package dependency
