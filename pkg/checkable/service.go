package checkable

import (
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/types"
)

// Service is a checkable aspect of a host. Its full name is
// "<host>!<short name>".
type Service struct {
	Checkable

	ShortName   string
	DisplayName string
	Host        *Host
}

// NewService creates a service owned by host and links it into the host's
// service table. The service implicitly depends on its host being up, so a
// hard-Down host makes it unreachable.
func NewService(env *Env, host *Host, shortName string) *Service {
	s := &Service{ShortName: shortName, DisplayName: shortName, Host: host}
	initCheckable(&s.Checkable, env, host.ObjectName()+"!"+shortName, false)
	host.AddService(s)

	if env.Deps != nil {
		env.Deps.Register(&dependency.Dependency{
			Name:             s.ObjectName() + "!host",
			Parent:           &host.Checkable,
			Child:            &s.Checkable,
			StateFilter:      types.StateFilterUp,
			IgnoreSoftStates: true,
		})
	}
	return s
}

// ObjectType implements registry.Object.
func (s *Service) ObjectType() string { return "Service" }
