package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors returned by Register. Startup aborts on either of the first two.
var (
	ErrDuplicateName = errors.New("duplicate object name")
	ErrUnknownType   = errors.New("unknown object type")
)

// ValidationError reports a config-time validation failure, naming the
// object and field so startup diagnostics can point at the source.
type ValidationError struct {
	Type  string
	Name  string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %s '%s' field '%s': %v", e.Type, e.Name, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ActivationState is the lifecycle phase of a registered object.
type ActivationState int

const (
	StateInactive ActivationState = iota
	StateStarting
	StateActive
	StatePaused
	StateStopping
	StateStopped
)

func (s ActivationState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Object is anything the registry can hold.
type Object interface {
	ObjectType() string
	ObjectName() string
}

// Validator lets an object reject itself at registration time.
type Validator interface {
	Validate() error
}

// typeEntry holds one registered type and its instances.
type typeEntry struct {
	factory func() Object
	objects map[string]Object
	states  map[string]ActivationState
}

// Registry holds typed objects keyed by (type, name). Registration happens
// at config load and runtime add/remove, never on the check hot path.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*typeEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*typeEntry)}
}

// RegisterType declares a type and its factory. Registering an object of an
// undeclared type fails with ErrUnknownType.
func (r *Registry) RegisterType(name string, factory func() Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; !ok {
		r.types[name] = &typeEntry{
			factory: factory,
			objects: make(map[string]Object),
			states:  make(map[string]ActivationState),
		}
	}
}

// NewObject constructs an instance via the type's factory.
func (r *Registry) NewObject(typeName string) (Object, error) {
	r.mu.RLock()
	entry, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return entry.factory(), nil
}

// Register adds an object. The object starts Inactive.
func (r *Registry) Register(obj Object) error {
	if v, ok := obj.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.types[obj.ObjectType()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, obj.ObjectType())
	}
	if _, exists := entry.objects[obj.ObjectName()]; exists {
		return fmt.Errorf("%w: %s '%s'", ErrDuplicateName, obj.ObjectType(), obj.ObjectName())
	}
	entry.objects[obj.ObjectName()] = obj
	entry.states[obj.ObjectName()] = StateInactive
	return nil
}

// Unregister removes an object by (type, name).
func (r *Registry) Unregister(typeName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.types[typeName]; ok {
		delete(entry.objects, name)
		delete(entry.states, name)
	}
}

// GetByName looks up an object by (type, name).
func (r *Registry) GetByName(typeName, name string) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[typeName]
	if !ok {
		return nil, false
	}
	obj, ok := entry.objects[name]
	return obj, ok
}

// ObjectsByType returns all objects of a type, sorted by name for
// deterministic iteration.
func (r *Registry) ObjectsByType(typeName string) []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[typeName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entry.objects))
	for name := range entry.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	objs := make([]Object, 0, len(names))
	for _, name := range names {
		objs = append(objs, entry.objects[name])
	}
	return objs
}

// State returns the activation state of an object.
func (r *Registry) State(typeName, name string) ActivationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.types[typeName]; ok {
		if st, ok := entry.states[name]; ok {
			return st
		}
	}
	return StateStopped
}

// SetState transitions an object's activation state.
func (r *Registry) SetState(typeName, name string, st ActivationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.types[typeName]; ok {
		if _, exists := entry.objects[name]; exists {
			entry.states[name] = st
		}
	}
}

// ActivateAll moves every registered object Inactive → Starting → Active.
// Objects implementing Starter get their hook called between the phases;
// a hook failure leaves the object Inactive and aborts.
func (r *Registry) ActivateAll() error {
	for _, typeName := range r.TypeNames() {
		for _, obj := range r.ObjectsByType(typeName) {
			r.SetState(typeName, obj.ObjectName(), StateStarting)
			if s, ok := obj.(Starter); ok {
				if err := s.Start(); err != nil {
					r.SetState(typeName, obj.ObjectName(), StateInactive)
					return fmt.Errorf("starting %s '%s': %w", typeName, obj.ObjectName(), err)
				}
			}
			r.SetState(typeName, obj.ObjectName(), StateActive)
		}
	}
	return nil
}

// DeactivateAll moves every object to Stopped, calling Stopper hooks.
func (r *Registry) DeactivateAll() {
	for _, typeName := range r.TypeNames() {
		for _, obj := range r.ObjectsByType(typeName) {
			r.SetState(typeName, obj.ObjectName(), StateStopping)
			if s, ok := obj.(Stopper); ok {
				s.StopObject()
			}
			r.SetState(typeName, obj.ObjectName(), StateStopped)
		}
	}
}

// TypeNames returns the declared type names, sorted.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Starter is the optional activation hook.
type Starter interface {
	Start() error
}

// Stopper is the optional deactivation hook.
type Stopper interface {
	StopObject()
}
