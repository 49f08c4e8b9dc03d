package runtime

import (
	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/cluster"
	"github.com/argus-monitor/argus/pkg/config"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/notify"
	"github.com/argus-monitor/argus/pkg/timeperiod"
)

// applyConfig builds the object graph from the document: construct first,
// then cross-link by name. Any dangling reference aborts with an error
// naming the object and field.
func (r *Runtime) applyConfig() error {
	doc := r.doc

	for _, spec := range doc.TimePeriods {
		tp, err := timeperiod.New(spec.Name, spec.WeekdayRanges())
		if err != nil {
			return linkErr("timeperiod", spec.Name, "ranges", err.Error())
		}
		if len(spec.Exceptions) > 0 {
			if err := tp.SetExceptions(spec.Exceptions); err != nil {
				return linkErr("timeperiod", spec.Name, "exceptions", err.Error())
			}
		}
		r.periods[spec.Name] = tp
		if err := r.objects.Register(tp); err != nil {
			return err
		}
	}
	// Excludes link in a second pass so order in the file does not matter.
	for _, spec := range doc.TimePeriods {
		if len(spec.Excludes) == 0 {
			continue
		}
		tp := r.periods[spec.Name]
		for _, name := range spec.Excludes {
			ex, ok := r.periods[name]
			if !ok {
				return linkErr("timeperiod", spec.Name, "excludes", "unknown timeperiod '"+name+"'")
			}
			tp.Excludes = append(tp.Excludes, ex)
		}
	}

	for _, spec := range doc.Commands {
		cmd, err := spec.ToCheckCommand()
		if err != nil {
			return linkErr("command", spec.Name, "type", err.Error())
		}
		r.runner.RegisterCommand(cmd)
	}

	// Endpoints and zones come before checkables so command_endpoint
	// references can be checked.
	endpointNames := make(map[string]struct{}, len(doc.Endpoints))
	for _, spec := range doc.Endpoints {
		r.messenger.RegisterEndpoint(spec.Name, spec.Address, spec.Zone)
		endpointNames[spec.Name] = struct{}{}
	}
	for _, spec := range doc.Zones {
		r.messenger.RegisterZone(&cluster.Zone{
			Name:      spec.Name,
			Parent:    spec.Parent,
			Endpoints: spec.Endpoints,
			Global:    spec.Global,
		})
	}

	for i := range doc.Hosts {
		hs := &doc.Hosts[i]
		h := checkable.NewHost(r.env, hs.Name)
		h.Address = hs.Address
		h.Address6 = hs.Address6
		h.Groups = hs.Groups
		if hs.DisplayName != "" {
			h.DisplayName = hs.DisplayName
		}
		if err := r.applyCheckableSpec(&h.Checkable, "host", hs.Name, &hs.CheckableSpec, endpointNames); err != nil {
			return err
		}
		if err := r.objects.Register(h); err != nil {
			return err
		}
		r.hosts[hs.Name] = h

		for j := range hs.Services {
			ss := &hs.Services[j]
			s := checkable.NewService(r.env, h, ss.Name)
			if ss.DisplayName != "" {
				s.DisplayName = ss.DisplayName
			}
			full := hs.Name + "!" + ss.Name
			if err := r.applyCheckableSpec(&s.Checkable, "service", full, &ss.CheckableSpec, endpointNames); err != nil {
				return err
			}
			if err := r.objects.Register(s); err != nil {
				return err
			}
			r.services[full] = s
		}
	}

	for _, spec := range doc.Users {
		u := notify.NewUser(spec.Name)
		u.DisplayName = spec.DisplayName
		u.Email = spec.Email
		u.Pager = spec.Pager
		u.Vars = spec.Vars
		if spec.Enable != nil {
			u.Enable = *spec.Enable
		}
		var err error
		if u.TypeFilter, err = config.ParseNotificationTypes(spec.Types); err != nil {
			return linkErr("user", spec.Name, "types", err.Error())
		}
		if u.StateFilter, err = config.ParseStateFilter(spec.States); err != nil {
			return linkErr("user", spec.Name, "states", err.Error())
		}
		if spec.Period != "" {
			tp, ok := r.periods[spec.Period]
			if !ok {
				return linkErr("user", spec.Name, "period", "unknown timeperiod '"+spec.Period+"'")
			}
			u.Period = tp
		}
		r.engine.AddUser(u)
		if err := r.objects.Register(u); err != nil {
			return err
		}
	}

	for _, spec := range doc.UserGroups {
		g := notify.NewUserGroup(spec.Name)
		for _, member := range spec.Members {
			u, ok := r.engine.GetUser(member)
			if !ok {
				return linkErr("usergroup", spec.Name, "members", "unknown user '"+member+"'")
			}
			g.AddUser(u)
		}
		r.engine.AddUserGroup(g)
		if err := r.objects.Register(g); err != nil {
			return err
		}
	}

	for _, spec := range doc.Notifications {
		target := spec.Host
		if spec.Service != "" {
			target = spec.Host + "!" + spec.Service
		}
		if r.lookupCheckable(target) == nil {
			return linkErr("notification", spec.Name, "host", "unknown checkable '"+target+"'")
		}
		if _, ok := r.runner.GetCommand(spec.Command); !ok {
			return linkErr("notification", spec.Name, "command", "unknown command '"+spec.Command+"'")
		}
		for _, user := range spec.Users {
			if _, ok := r.engine.GetUser(user); !ok {
				return linkErr("notification", spec.Name, "users", "unknown user '"+user+"'")
			}
		}

		n := notify.NewNotification(spec.Name, target, spec.Command)
		n.Users = spec.Users
		n.UserGroups = spec.UserGroups
		n.Interval = spec.Interval
		n.TimesBegin = spec.TimesBegin
		n.TimesEnd = spec.TimesEnd
		var err error
		if n.TypeFilter, err = config.ParseNotificationTypes(spec.Types); err != nil {
			return linkErr("notification", spec.Name, "types", err.Error())
		}
		if n.StateFilter, err = config.ParseStateFilter(spec.States); err != nil {
			return linkErr("notification", spec.Name, "states", err.Error())
		}
		if spec.Period != "" {
			tp, ok := r.periods[spec.Period]
			if !ok {
				return linkErr("notification", spec.Name, "period", "unknown timeperiod '"+spec.Period+"'")
			}
			n.Period = tp
		}
		r.engine.Attach(n)
		if err := r.objects.Register(n); err != nil {
			return err
		}
	}

	for _, spec := range doc.Dependencies {
		parent := r.lookupCheckable(checkableName(spec.ParentHost, spec.ParentService))
		if parent == nil {
			return linkErr("dependency", spec.Name, "parent_host", "unknown checkable")
		}
		child := r.lookupCheckable(checkableName(spec.ChildHost, spec.ChildService))
		if child == nil {
			return linkErr("dependency", spec.Name, "child_host", "unknown checkable")
		}

		dep := &dependency.Dependency{
			Name:            spec.Name,
			Parent:          parent,
			Child:           child,
			RedundancyGroup: spec.RedundancyGroup,
			// Muting the child's notifications while the edge fails is the
			// default; the config can opt out.
			DisableNotifications: spec.DisableNotifications == nil || *spec.DisableNotifications,
		}
		var err error
		if dep.StateFilter, err = config.ParseStateFilter(spec.States); err != nil {
			return linkErr("dependency", spec.Name, "states", err.Error())
		}
		if spec.IgnoreSoftStates == nil || *spec.IgnoreSoftStates {
			dep.IgnoreSoftStates = true
		}
		if spec.Period != "" {
			tp, ok := r.periods[spec.Period]
			if !ok {
				return linkErr("dependency", spec.Name, "period", "unknown timeperiod '"+spec.Period+"'")
			}
			dep.Period = tp
		}
		r.deps.Register(dep)
	}

	// Initial schedule with splay so a restart does not fire everything
	// at once.
	for _, h := range r.hosts {
		h.UpdateNextCheck()
	}
	for _, s := range r.services {
		s.UpdateNextCheck()
	}
	return nil
}

func (r *Runtime) applyCheckableSpec(c *checkable.Checkable, kind, name string, spec *config.CheckableSpec, endpoints map[string]struct{}) error {
	if spec.CheckCommand == "" {
		return linkErr(kind, name, "check_command", "must not be empty")
	}
	if _, ok := r.runner.GetCommand(spec.CheckCommand); !ok {
		return linkErr(kind, name, "check_command", "unknown command '"+spec.CheckCommand+"'")
	}
	c.CheckCommandName = spec.CheckCommand

	if spec.CheckInterval > 0 {
		c.CheckInterval = spec.CheckInterval
	}
	if spec.RetryInterval > 0 {
		c.RetryInterval = spec.RetryInterval
	}
	if spec.MaxCheckAttempts > 0 {
		c.MaxCheckAttempts = spec.MaxCheckAttempts
	}
	if spec.CheckTimeout > 0 {
		c.CheckTimeout = spec.CheckTimeout
	}
	if spec.CheckPeriod != "" {
		tp, ok := r.periods[spec.CheckPeriod]
		if !ok {
			return linkErr(kind, name, "check_period", "unknown timeperiod '"+spec.CheckPeriod+"'")
		}
		c.CheckPeriod = tp
	}
	if spec.CommandEndpoint != "" {
		if _, ok := endpoints[spec.CommandEndpoint]; !ok {
			return linkErr(kind, name, "command_endpoint", "unknown endpoint '"+spec.CommandEndpoint+"'")
		}
		c.CommandEndpoint = spec.CommandEndpoint
	}
	if spec.EnableActiveChecks != nil {
		c.EnableActiveChecks.Store(*spec.EnableActiveChecks)
	}
	if spec.EnablePassiveChecks != nil {
		c.EnablePassiveChecks.Store(*spec.EnablePassiveChecks)
	}
	if spec.EnableNotifications != nil {
		c.EnableNotifications.Store(*spec.EnableNotifications)
	}
	if spec.EnableFlapping != nil {
		c.EnableFlapping.Store(*spec.EnableFlapping)
	}
	if len(spec.Vars) > 0 {
		c.Vars = make(map[string]any, len(spec.Vars))
		for k, v := range spec.Vars {
			c.Vars[k] = v
		}
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return nil
}

func checkableName(host, service string) string {
	if service == "" {
		return host
	}
	return host + "!" + service
}
