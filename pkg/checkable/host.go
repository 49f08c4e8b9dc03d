package checkable

import (
	"sort"
	"sync"

	"github.com/argus-monitor/argus/pkg/types"
)

// Host is a checkable machine. Its internal state is service-style; the
// effective Up/Down value folds in reachability at the serialization
// boundary only.
type Host struct {
	Checkable

	Address     string
	Address6    string
	DisplayName string
	Groups      []string

	svcMu    sync.RWMutex
	services map[string]*Service
}

// NewHost creates a host with default check settings.
func NewHost(env *Env, name string) *Host {
	h := &Host{services: make(map[string]*Service)}
	initCheckable(&h.Checkable, env, name, true)
	h.DisplayName = name
	return h
}

// ObjectType implements registry.Object.
func (h *Host) ObjectType() string { return "Host" }

// EffectiveState maps the internal service-style state to Up/Down,
// reporting Down while the host is unreachable regardless of the last
// check result.
func (h *Host) EffectiveState() int {
	return types.EffectiveHostState(h.State(), h.IsReachable())
}

// AddService links a service into the host's service table. The table
// holds each short name exactly once; a second add with the same short
// name is rejected.
func (h *Host) AddService(s *Service) bool {
	h.svcMu.Lock()
	defer h.svcMu.Unlock()
	if _, exists := h.services[s.ShortName]; exists {
		return false
	}
	h.services[s.ShortName] = s
	return true
}

// RemoveService unlinks a service by short name.
func (h *Host) RemoveService(shortName string) {
	h.svcMu.Lock()
	defer h.svcMu.Unlock()
	delete(h.services, shortName)
}

// GetService looks a service up by short name.
func (h *Host) GetService(shortName string) (*Service, bool) {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	s, ok := h.services[shortName]
	return s, ok
}

// Services returns the host's services sorted by short name.
func (h *Host) Services() []*Service {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	names := make([]string, 0, len(h.services))
	for name := range h.services {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Service, 0, len(names))
	for _, name := range names {
		out = append(out, h.services[name])
	}
	return out
}
