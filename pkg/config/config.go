package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/argus-monitor/argus/pkg/types"
)

// Document is the top-level configuration file.
type Document struct {
	NodeName            string  `yaml:"node_name"`
	Listen              string  `yaml:"listen"`
	MetricsListen       string  `yaml:"metrics_listen"`
	StateFile           string  `yaml:"state_file"`
	MaxConcurrentChecks int     `yaml:"max_concurrent_checks"`
	ColdStartupWindow   float64 `yaml:"cold_startup_window"`
	EnableNotifications *bool   `yaml:"enable_notifications"`

	TimePeriods   []TimePeriodSpec   `yaml:"timeperiods"`
	Commands      []CommandSpec      `yaml:"commands"`
	Hosts         []HostSpec         `yaml:"hosts"`
	Users         []UserSpec         `yaml:"users"`
	UserGroups    []UserGroupSpec    `yaml:"usergroups"`
	Notifications []NotificationSpec `yaml:"notifications"`
	Dependencies  []DependencySpec   `yaml:"dependencies"`
	Endpoints     []EndpointSpec     `yaml:"endpoints"`
	Zones         []ZoneSpec         `yaml:"zones"`
}

// TimePeriodSpec declares a weekday schedule. Days missing from Ranges are
// outside the period. Exceptions override the weekday ranges for single
// dates ("2006-01-02"); Excludes name periods that punch holes into this
// one.
type TimePeriodSpec struct {
	Name       string            `yaml:"name"`
	Ranges     map[string]string `yaml:"ranges"`
	Exceptions map[string]string `yaml:"exceptions"`
	Excludes   []string          `yaml:"excludes"`
}

// CommandSpec declares a check or notification command.
type CommandSpec struct {
	Name      string                  `yaml:"name"`
	Type      string                  `yaml:"type"`
	Command   []string                `yaml:"command"`
	Arguments map[string]ArgumentSpec `yaml:"arguments"`
	Timeout   float64                 `yaml:"timeout"`
	Vars      map[string]string       `yaml:"vars"`
}

// ArgumentSpec mirrors types.ArgumentSpec in YAML form.
type ArgumentSpec struct {
	Value       string `yaml:"value"`
	SetIf       string `yaml:"set_if"`
	Required    bool   `yaml:"required"`
	SkipKey     bool   `yaml:"skip_key"`
	RepeatKey   bool   `yaml:"repeat_key"`
	Order       int    `yaml:"order"`
	Description string `yaml:"description"`
}

// CheckableSpec carries the fields hosts and services share.
type CheckableSpec struct {
	CheckCommand        string            `yaml:"check_command"`
	CheckInterval       float64           `yaml:"check_interval"`
	RetryInterval       float64           `yaml:"retry_interval"`
	MaxCheckAttempts    int               `yaml:"max_check_attempts"`
	CheckPeriod         string            `yaml:"check_period"`
	CheckTimeout        float64           `yaml:"check_timeout"`
	CommandEndpoint     string            `yaml:"command_endpoint"`
	EnableActiveChecks  *bool             `yaml:"enable_active_checks"`
	EnablePassiveChecks *bool             `yaml:"enable_passive_checks"`
	EnableNotifications *bool             `yaml:"enable_notifications"`
	EnableFlapping      *bool             `yaml:"enable_flapping"`
	Vars                map[string]string `yaml:"vars"`
}

// HostSpec declares a host and its services.
type HostSpec struct {
	Name          string        `yaml:"name"`
	DisplayName   string        `yaml:"display_name"`
	Address       string        `yaml:"address"`
	Address6      string        `yaml:"address6"`
	Groups        []string      `yaml:"groups"`
	CheckableSpec `yaml:",inline"`
	Services      []ServiceSpec `yaml:"services"`
}

// ServiceSpec declares one service under a host.
type ServiceSpec struct {
	Name          string `yaml:"name"`
	DisplayName   string `yaml:"display_name"`
	CheckableSpec `yaml:",inline"`
}

// UserSpec declares a notification recipient.
type UserSpec struct {
	Name        string            `yaml:"name"`
	DisplayName string            `yaml:"display_name"`
	Email       string            `yaml:"email"`
	Pager       string            `yaml:"pager"`
	Period      string            `yaml:"period"`
	Types       []string          `yaml:"types"`
	States      []string          `yaml:"states"`
	Enable      *bool             `yaml:"enable_notifications"`
	Vars        map[string]string `yaml:"vars"`
}

// UserGroupSpec declares a named user set.
type UserGroupSpec struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// NotificationSpec hangs a notification off a host or service.
type NotificationSpec struct {
	Name       string   `yaml:"name"`
	Host       string   `yaml:"host"`
	Service    string   `yaml:"service"`
	Command    string   `yaml:"command"`
	Users      []string `yaml:"users"`
	UserGroups []string `yaml:"user_groups"`
	Period     string   `yaml:"period"`
	Types      []string `yaml:"types"`
	States     []string `yaml:"states"`
	Interval   float64  `yaml:"interval"`
	TimesBegin float64  `yaml:"times_begin"`
	TimesEnd   float64  `yaml:"times_end"`
}

// DependencySpec declares a reachability edge.
type DependencySpec struct {
	Name                 string   `yaml:"name"`
	ParentHost           string   `yaml:"parent_host"`
	ParentService        string   `yaml:"parent_service"`
	ChildHost            string   `yaml:"child_host"`
	ChildService         string   `yaml:"child_service"`
	Period               string   `yaml:"period"`
	States               []string `yaml:"states"`
	IgnoreSoftStates     *bool    `yaml:"ignore_soft_states"`
	RedundancyGroup      string   `yaml:"redundancy_group"`
	DisableNotifications *bool    `yaml:"disable_notifications"`
}

// EndpointSpec declares a cluster peer.
type EndpointSpec struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Zone    string `yaml:"zone"`
}

// ZoneSpec declares a cluster zone.
type ZoneSpec struct {
	Name      string   `yaml:"name"`
	Parent    string   `yaml:"parent"`
	Endpoints []string `yaml:"endpoints"`
	Global    bool     `yaml:"global"`
}

// Load reads and parses a configuration file, then validates field-level
// constraints. Cross-references are resolved by the runtime's link phase.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks field-level constraints and naming. Reference resolution
// (e.g. a host naming an unknown command) happens during linking, where
// the target sets exist.
func (d *Document) Validate() error {
	if d.NodeName == "" {
		return fieldErr("core", "", "node_name", "must not be empty")
	}
	if d.MaxConcurrentChecks < 0 {
		return fieldErr("core", "", "max_concurrent_checks", "must not be negative")
	}

	seen := make(map[string]struct{})
	unique := func(kind, name string) error {
		if name == "" {
			return fieldErr(kind, name, "name", "must not be empty")
		}
		key := kind + "\x00" + name
		if _, dup := seen[key]; dup {
			return fieldErr(kind, name, "name", "duplicate name")
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, tp := range d.TimePeriods {
		if err := unique("timeperiod", tp.Name); err != nil {
			return err
		}
		for day := range tp.Ranges {
			if _, ok := weekdayIndex(day); !ok {
				return fieldErr("timeperiod", tp.Name, "ranges", "unknown weekday '"+day+"'")
			}
		}
		for date := range tp.Exceptions {
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return fieldErr("timeperiod", tp.Name, "exceptions", "invalid date '"+date+"'")
			}
		}
	}

	for _, cmd := range d.Commands {
		if err := unique("command", cmd.Name); err != nil {
			return err
		}
		if _, err := ParseCommandType(cmd.Type); err != nil {
			return fieldErr("command", cmd.Name, "type", err.Error())
		}
	}

	for _, h := range d.Hosts {
		if err := unique("host", h.Name); err != nil {
			return err
		}
		if strings.ContainsRune(h.Name, '!') {
			return fieldErr("host", h.Name, "name", "must not contain '!'")
		}
		if err := h.CheckableSpec.validate("host", h.Name); err != nil {
			return err
		}
		svcSeen := make(map[string]struct{})
		for _, s := range h.Services {
			if s.Name == "" {
				return fieldErr("service", h.Name+"!", "name", "must not be empty")
			}
			full := h.Name + "!" + s.Name
			if _, dup := svcSeen[s.Name]; dup {
				return fieldErr("service", full, "name", "duplicate service name")
			}
			svcSeen[s.Name] = struct{}{}
			if err := s.CheckableSpec.validate("service", full); err != nil {
				return err
			}
		}
	}

	for _, u := range d.Users {
		if err := unique("user", u.Name); err != nil {
			return err
		}
		if _, err := ParseNotificationTypes(u.Types); err != nil {
			return fieldErr("user", u.Name, "types", err.Error())
		}
		if _, err := ParseStateFilter(u.States); err != nil {
			return fieldErr("user", u.Name, "states", err.Error())
		}
	}
	for _, g := range d.UserGroups {
		if err := unique("usergroup", g.Name); err != nil {
			return err
		}
	}

	for _, n := range d.Notifications {
		if err := unique("notification", n.Name); err != nil {
			return err
		}
		if n.Host == "" {
			return fieldErr("notification", n.Name, "host", "must not be empty")
		}
		if n.Command == "" {
			return fieldErr("notification", n.Name, "command", "must not be empty")
		}
		if len(n.Users) == 0 && len(n.UserGroups) == 0 {
			return fieldErr("notification", n.Name, "users", "needs at least one user or user group")
		}
		if _, err := ParseNotificationTypes(n.Types); err != nil {
			return fieldErr("notification", n.Name, "types", err.Error())
		}
		if _, err := ParseStateFilter(n.States); err != nil {
			return fieldErr("notification", n.Name, "states", err.Error())
		}
		if n.Interval < 0 {
			return fieldErr("notification", n.Name, "interval", "must not be negative")
		}
		if n.TimesBegin < 0 || n.TimesEnd < 0 {
			return fieldErr("notification", n.Name, "times_begin", "must not be negative")
		}
		if n.TimesEnd > 0 && n.TimesEnd < n.TimesBegin {
			return fieldErr("notification", n.Name, "times_end", "ends before it begins")
		}
	}

	for _, dep := range d.Dependencies {
		if err := unique("dependency", dep.Name); err != nil {
			return err
		}
		if dep.ParentHost == "" {
			return fieldErr("dependency", dep.Name, "parent_host", "must not be empty")
		}
		if dep.ChildHost == "" {
			return fieldErr("dependency", dep.Name, "child_host", "must not be empty")
		}
		if _, err := ParseStateFilter(dep.States); err != nil {
			return fieldErr("dependency", dep.Name, "states", err.Error())
		}
	}

	for _, ep := range d.Endpoints {
		if err := unique("endpoint", ep.Name); err != nil {
			return err
		}
	}
	for _, z := range d.Zones {
		if err := unique("zone", z.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *CheckableSpec) validate(kind, name string) error {
	if c.CheckInterval < 0 {
		return fieldErr(kind, name, "check_interval", "must not be negative")
	}
	if c.RetryInterval < 0 {
		return fieldErr(kind, name, "retry_interval", "must not be negative")
	}
	if c.MaxCheckAttempts < 0 {
		return fieldErr(kind, name, "max_check_attempts", "must not be negative")
	}
	return nil
}

func fieldErr(kind, name, field, msg string) error {
	return fmt.Errorf("config: %s '%s' field '%s': %s", kind, name, field, msg)
}

// ToCheckCommand converts a command spec into the runtime form.
func (c *CommandSpec) ToCheckCommand() (*types.CheckCommand, error) {
	ct, err := ParseCommandType(c.Type)
	if err != nil {
		return nil, err
	}
	var args map[string]types.ArgumentSpec
	if len(c.Arguments) > 0 {
		args = make(map[string]types.ArgumentSpec, len(c.Arguments))
		for name, a := range c.Arguments {
			args[name] = types.ArgumentSpec{
				Value:       a.Value,
				SetIf:       a.SetIf,
				Required:    a.Required,
				SkipKey:     a.SkipKey,
				RepeatKey:   a.RepeatKey,
				Order:       a.Order,
				Description: a.Description,
			}
		}
	}
	return &types.CheckCommand{
		Name:      c.Name,
		Type:      ct,
		Command:   c.Command,
		Arguments: args,
		Timeout:   c.Timeout,
		Vars:      c.Vars,
	}, nil
}

// ParseCommandType maps a config string to a command type. Empty defaults
// to plugin.
func ParseCommandType(s string) (types.CommandType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plugin":
		return types.CommandPlugin, nil
	case "dummy":
		return types.CommandDummy, nil
	case "sleep":
		return types.CommandSleep, nil
	case "null":
		return types.CommandNull, nil
	case "ifw-api", "ifw_api", "ifw":
		return types.CommandIfwAPI, nil
	default:
		return "", fmt.Errorf("unknown command type '%s'", s)
	}
}

// ParseStateFilter folds state names into a filter bitmask. An empty list
// means all states.
func ParseStateFilter(names []string) (types.StateFilter, error) {
	if len(names) == 0 {
		return types.StateFilterAll, nil
	}
	var filter types.StateFilter
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ok":
			filter |= types.StateFilterOK
		case "warning":
			filter |= types.StateFilterWarning
		case "critical":
			filter |= types.StateFilterCritical
		case "unknown":
			filter |= types.StateFilterUnknown
		case "up":
			filter |= types.StateFilterUp
		case "down":
			filter |= types.StateFilterDown
		default:
			return 0, fmt.Errorf("unknown state '%s'", name)
		}
	}
	return filter, nil
}

// ParseNotificationTypes folds type names into a bitmask. An empty list
// means all types.
func ParseNotificationTypes(names []string) (types.NotificationType, error) {
	if len(names) == 0 {
		return types.NotificationFilterAll, nil
	}
	var mask types.NotificationType
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "downtimestart":
			mask |= types.NotificationDowntimeStart
		case "downtimeend":
			mask |= types.NotificationDowntimeEnd
		case "downtimeremoved":
			mask |= types.NotificationDowntimeRemoved
		case "custom":
			mask |= types.NotificationCustom
		case "acknowledgement":
			mask |= types.NotificationAcknowledgement
		case "problem":
			mask |= types.NotificationProblem
		case "recovery":
			mask |= types.NotificationRecovery
		case "flappingstart":
			mask |= types.NotificationFlappingStart
		case "flappingend":
			mask |= types.NotificationFlappingEnd
		default:
			return 0, fmt.Errorf("unknown notification type '%s'", name)
		}
	}
	return mask, nil
}

// WeekdayRanges turns a spec's day-name map into the weekday-indexed array
// the timeperiod package expects.
func (t *TimePeriodSpec) WeekdayRanges() [7]string {
	var out [7]string
	for day, ranges := range t.Ranges {
		if idx, ok := weekdayIndex(day); ok {
			out[idx] = ranges
		}
	}
	return out
}

func weekdayIndex(day string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(day)) {
	case "sunday":
		return 0, true
	case "monday":
		return 1, true
	case "tuesday":
		return 2, true
	case "wednesday":
		return 3, true
	case "thursday":
		return 4, true
	case "friday":
		return 5, true
	case "saturday":
		return 6, true
	}
	return 0, false
}
