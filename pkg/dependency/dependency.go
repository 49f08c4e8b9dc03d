package dependency

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

// maxRecursionDepth aborts reachability walks over cyclic graphs.
const maxRecursionDepth = 256

// Checkable is the minimal view the graph needs of a monitored object.
type Checkable interface {
	ObjectName() string
	// CurrentStateFilter reports the state-filter bit of the object's
	// current state; hardOnly selects the last hard state instead of the
	// raw one.
	CurrentStateFilter(hardOnly bool) types.StateFilter
}

// Dependency is one directed parent→child edge. DisableNotifications mutes
// the child's notifications while the edge is failing; check suppression for
// failed dependencies is unconditional and handled by the scheduler.
type Dependency struct {
	Name                 string
	Parent               Checkable
	Child                Checkable
	Period               *timeperiod.TimePeriod
	StateFilter          types.StateFilter
	IgnoreSoftStates     bool
	RedundancyGroup      string
	DisableNotifications bool
}

// IsAvailable reports whether the parent's state satisfies the edge's state
// filter. With IgnoreSoftStates the parent's last hard state is consulted,
// otherwise the raw current state.
func (d *Dependency) IsAvailable() bool {
	return d.Parent.CurrentStateFilter(d.IgnoreSoftStates)&d.StateFilter != 0
}

// memberKey is the composite key of a single edge:
// (parent, period, state_filter, ignore_soft_states).
func (d *Dependency) memberKey() string {
	period := ""
	if d.Period != nil {
		period = d.Period.Name
	}
	return fmt.Sprintf("%s\x00%s\x00%d\x00%t", d.Parent.ObjectName(), period, d.StateFilter, d.IgnoreSoftStates)
}

// State is the result of evaluating a group for one child.
type State int

const (
	StateOk State = iota
	StateFailed
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateOk:
		return "Ok"
	case StateFailed:
		return "Failed"
	case StateUnreachable:
		return "Unreachable"
	}
	return "unknown"
}

// Group is a coalesced set of dependencies. members maps a member composite
// key to the children holding edges in that slot; in a shared group every
// child holds an edge in every slot.
type Group struct {
	redundancyName string
	members        map[string]map[string][]*Dependency
}

func newGroup(redundancyName string) *Group {
	return &Group{
		redundancyName: redundancyName,
		members:        make(map[string]map[string][]*Dependency),
	}
}

// RedundancyName returns the group's redundancy-group name, "" when the
// group is non-redundant.
func (g *Group) RedundancyName() string { return g.redundancyName }

func (g *Group) addEdge(dep *Dependency) {
	mkey := dep.memberKey()
	slot, ok := g.members[mkey]
	if !ok {
		slot = make(map[string][]*Dependency)
		g.members[mkey] = slot
	}
	child := dep.Child.ObjectName()
	slot[child] = append(slot[child], dep)
}

func (g *Group) hasChild(child string) bool {
	for _, slot := range g.members {
		if _, ok := slot[child]; ok {
			return true
		}
	}
	return false
}

// detachChild removes every edge the child holds in the group and returns
// them keyed by member composite key.
func (g *Group) detachChild(child string) map[string][]*Dependency {
	edges := make(map[string][]*Dependency)
	for mkey, slot := range g.members {
		if deps, ok := slot[child]; ok {
			edges[mkey] = deps
			delete(slot, child)
		}
		if len(slot) == 0 {
			delete(g.members, mkey)
		}
	}
	return edges
}

func (g *Group) empty() bool { return len(g.members) == 0 }

// compositeKey is the group's registry key: redundancy name plus the sorted
// multiset of member composite keys.
func (g *Group) compositeKey() string {
	keys := make([]string, 0, len(g.members))
	for mkey := range g.members {
		keys = append(keys, mkey)
	}
	sort.Strings(keys)
	return g.redundancyName + "\x01" + strings.Join(keys, "\x01")
}

func compositeKeyOf(redundancyName string, memberKeys []string) string {
	keys := append([]string(nil), memberKeys...)
	sort.Strings(keys)
	return redundancyName + "\x01" + strings.Join(keys, "\x01")
}

// Registry is the process-wide dependency-group registry. A single mutex
// covers Register/Unregister/Size; those run at config load and runtime
// object add/remove, never on the scheduling hot path, which only reads
// group membership.
type Registry struct {
	mu          sync.Mutex
	clock       clock.Clock
	groups      map[string]*Group
	childGroups map[string][]*Group

	cycleWarned map[string]struct{}
}

// NewRegistry creates an empty registry evaluating time periods against c.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{
		clock:       c,
		groups:      make(map[string]*Group),
		childGroups: make(map[string][]*Group),
		cycleWarned: make(map[string]struct{}),
	}
}

// Size returns the number of distinct groups in the registry.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// GroupsOf returns the groups the child currently belongs to.
func (r *Registry) GroupsOf(child string) []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Group(nil), r.childGroups[child]...)
}

// Register adds an edge, coalescing children with identical outgoing edge
// sets into shared groups.
func (r *Registry) Register(dep *Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()

	child := dep.Child.ObjectName()
	mkey := dep.memberKey()

	if dep.RedundancyGroup == "" {
		// Non-redundant edges group by their own composite key; children
		// with the same composite share, duplicates append.
		key := compositeKeyOf("", []string{mkey})
		g, ok := r.groups[key]
		if !ok {
			g = newGroup("")
			r.groups[key] = g
		}
		attached := g.hasChild(child)
		g.addEdge(dep)
		if !attached {
			r.childGroups[child] = append(r.childGroups[child], g)
		}
		return
	}

	// Redundant edge: find the child's existing group under this name.
	var current *Group
	for _, g := range r.childGroups[child] {
		if g.redundancyName == dep.RedundancyGroup {
			current = g
			break
		}
	}

	if current != nil {
		if slot, ok := current.members[mkey]; ok && len(slot) > 0 {
			// Same composite already present: exact duplicate, the
			// group's key does not change.
			current.addEdge(dep)
			return
		}
		// The child's edge set is growing: detach and re-home.
		edges := current.detachChild(child)
		r.dropChildGroup(child, current)
		if current.empty() {
			delete(r.groups, current.compositeKey())
		}
		edges[mkey] = append(edges[mkey], dep)
		r.attachChild(dep.RedundancyGroup, child, edges)
		return
	}

	// First edge under this redundancy name.
	r.attachChild(dep.RedundancyGroup, child, map[string][]*Dependency{mkey: {dep}})
}

// Unregister removes an edge, splitting the child off when its remaining
// edge set no longer matches the other children.
func (r *Registry) Unregister(dep *Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()

	child := dep.Child.ObjectName()
	mkey := dep.memberKey()

	var current *Group
	for _, g := range r.childGroups[child] {
		if g.redundancyName != dep.RedundancyGroup {
			continue
		}
		if slot, ok := g.members[mkey]; ok {
			if _, ok := slot[child]; ok {
				current = g
				break
			}
		}
	}
	if current == nil {
		return
	}

	slot := current.members[mkey]
	deps := slot[child]
	for i, d := range deps {
		if d == dep {
			deps = append(deps[:i], deps[i+1:]...)
			break
		}
	}
	if len(deps) > 0 {
		// Duplicates remain in the slot; membership is unchanged.
		slot[child] = deps
		return
	}
	delete(slot, child)
	if len(slot) == 0 {
		delete(current.members, mkey)
	}

	// The child's edge set shrank: detach and re-home the remainder.
	oldKey := current.compositeKey()
	edges := current.detachChild(child)
	r.dropChildGroup(child, current)
	if current.empty() {
		delete(r.groups, oldKey)
	} else if _, ok := r.groups[oldKey]; !ok {
		// detachChild may have dropped slots only the child held.
		r.reindex(current)
	}
	if len(edges) > 0 {
		r.attachChild(dep.RedundancyGroup, child, edges)
	}
}

// attachChild merges the child's edge set into an existing identical group
// or creates a fresh one.
func (r *Registry) attachChild(redundancyName, child string, edges map[string][]*Dependency) {
	keys := make([]string, 0, len(edges))
	for mkey := range edges {
		keys = append(keys, mkey)
	}
	key := compositeKeyOf(redundancyName, keys)

	g, ok := r.groups[key]
	if !ok {
		g = newGroup(redundancyName)
		r.groups[key] = g
	}
	for _, deps := range edges {
		for _, d := range deps {
			g.addEdge(d)
		}
	}
	r.childGroups[child] = append(r.childGroups[child], g)
}

func (r *Registry) dropChildGroup(child string, g *Group) {
	groups := r.childGroups[child]
	for i, cand := range groups {
		if cand == g {
			r.childGroups[child] = append(groups[:i], groups[i+1:]...)
			break
		}
	}
	if len(r.childGroups[child]) == 0 {
		delete(r.childGroups, child)
	}
}

// reindex re-keys a group after its member set changed in place.
func (r *Registry) reindex(g *Group) {
	for key, cand := range r.groups {
		if cand == g {
			delete(r.groups, key)
			break
		}
	}
	r.groups[g.compositeKey()] = g
}

// DependentsOf returns the names of children with at least one edge whose
// parent is the given checkable, sorted for deterministic iteration.
func (r *Registry) DependentsOf(parent string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, g := range r.groups {
		for _, slot := range g.members {
			for child, deps := range slot {
				for _, d := range deps {
					if d.Parent.ObjectName() == parent {
						seen[child] = struct{}{}
						break
					}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for child := range seen {
		names = append(names, child)
	}
	sort.Strings(names)
	return names
}

// Reachable reports whether the child's every group evaluates Ok.
func (r *Registry) Reachable(child string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachableLocked(child, 0)
}

func (r *Registry) reachableLocked(child string, depth int) bool {
	if depth > maxRecursionDepth {
		if _, warned := r.cycleWarned[child]; !warned {
			r.cycleWarned[child] = struct{}{}
			log.WithComponent("dependency").Warn().
				Str("checkable", child).
				Msg("Dependency cycle detected, treating object as unreachable")
		}
		return false
	}
	for _, g := range r.childGroups[child] {
		if r.groupStateLocked(g, depth) != StateOk {
			return false
		}
	}
	return true
}

// GroupState evaluates a single group.
func (r *Registry) GroupState(g *Group) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupStateLocked(g, 0)
}

// StateFor returns the worst group state for the child: Ok when every group
// is Ok, Unreachable when any group is Unreachable, Failed otherwise.
func (r *Registry) StateFor(child string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	worst := StateOk
	for _, g := range r.childGroups[child] {
		st := r.groupStateLocked(g, 0)
		if st > worst {
			worst = st
		}
	}
	return worst
}

// NotificationsSuppressed reports whether any failing dependency edge of
// the child asks for its notifications to be muted.
func (r *Registry) NotificationsSuppressed(child string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.childGroups[child] {
		if r.groupStateLocked(g, 0) == StateOk {
			continue
		}
		for _, slot := range g.members {
			for _, d := range slot[child] {
				if d.DisableNotifications {
					return true
				}
			}
		}
	}
	return false
}

func (r *Registry) groupStateLocked(g *Group, depth int) State {
	now := r.clock.Now()

	var total, reachable, available int
	for _, slot := range g.members {
		var rep *Dependency
		for _, deps := range slot {
			if len(deps) > 0 {
				rep = deps[0]
				break
			}
		}
		if rep == nil {
			continue
		}
		total++

		if rep.Period != nil && !rep.Period.IsInside(now) {
			// The dependency is not in effect outside its period.
			reachable++
			available++
			continue
		}

		parentReachable := r.reachableLocked(rep.Parent.ObjectName(), depth+1)
		if parentReachable {
			reachable++
			if rep.IsAvailable() {
				available++
			}
		}
	}

	if g.redundancyName != "" {
		switch {
		case available > 0:
			return StateOk
		case reachable > 0:
			return StateFailed
		default:
			return StateUnreachable
		}
	}

	switch {
	case available == total:
		return StateOk
	case reachable > 0:
		return StateFailed
	default:
		return StateUnreachable
	}
}
