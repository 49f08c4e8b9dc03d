package types

// State codes. Host states and service states share the raw integer space;
// a host's effective state folds service-style codes down to Up/Down at the
// serialization boundary.
const (
	HostUp   = 0
	HostDown = 1

	ServiceOK       = 0
	ServiceWarning  = 1
	ServiceCritical = 2
	ServiceUnknown  = 3
)

// StateType distinguishes soft (within retry attempts) from hard states.
type StateType int

const (
	StateTypeSoft StateType = 0
	StateTypeHard StateType = 1
)

func (s StateType) String() string {
	if s == StateTypeHard {
		return "HARD"
	}
	return "SOFT"
}

// AckType is the acknowledgement kind on a checkable.
type AckType int

const (
	AckNone   AckType = 0
	AckNormal AckType = 1
	AckSticky AckType = 2
)

// StateFilter is a bitmask over checkable states, used by dependencies,
// notifications, and users.
type StateFilter uint32

const (
	StateFilterOK       StateFilter = 1 << 0
	StateFilterWarning  StateFilter = 1 << 1
	StateFilterCritical StateFilter = 1 << 2
	StateFilterUnknown  StateFilter = 1 << 3
	StateFilterUp       StateFilter = 1 << 4
	StateFilterDown     StateFilter = 1 << 5

	StateFilterAll = StateFilterOK | StateFilterWarning | StateFilterCritical |
		StateFilterUnknown | StateFilterUp | StateFilterDown
)

// ServiceStateFilter returns the filter bit for a service state code.
func ServiceStateFilter(state int) StateFilter {
	switch state {
	case ServiceOK:
		return StateFilterOK
	case ServiceWarning:
		return StateFilterWarning
	case ServiceCritical:
		return StateFilterCritical
	default:
		return StateFilterUnknown
	}
}

// HostStateFilter returns the filter bit for a host state code.
func HostStateFilter(state int) StateFilter {
	if state == HostUp {
		return StateFilterUp
	}
	return StateFilterDown
}

// NotificationType identifies why a notification is being sent.
type NotificationType uint32

const (
	NotificationDowntimeStart   NotificationType = 1 << 0
	NotificationDowntimeEnd     NotificationType = 1 << 1
	NotificationDowntimeRemoved NotificationType = 1 << 2
	NotificationCustom          NotificationType = 1 << 3
	NotificationAcknowledgement NotificationType = 1 << 4
	NotificationProblem         NotificationType = 1 << 5
	NotificationRecovery        NotificationType = 1 << 6
	NotificationFlappingStart   NotificationType = 1 << 7
	NotificationFlappingEnd     NotificationType = 1 << 8

	NotificationFilterAll NotificationType = (1 << 9) - 1
)

func (t NotificationType) String() string {
	switch t {
	case NotificationDowntimeStart:
		return "DowntimeStart"
	case NotificationDowntimeEnd:
		return "DowntimeEnd"
	case NotificationDowntimeRemoved:
		return "DowntimeRemoved"
	case NotificationCustom:
		return "Custom"
	case NotificationAcknowledgement:
		return "Acknowledgement"
	case NotificationProblem:
		return "Problem"
	case NotificationRecovery:
		return "Recovery"
	case NotificationFlappingStart:
		return "FlappingStart"
	case NotificationFlappingEnd:
		return "FlappingEnd"
	}
	return "Unknown"
}

// CheckResult is the immutable outcome of one check execution. Timestamps
// are float seconds since epoch so they round-trip through cluster JSON
// without loss.
type CheckResult struct {
	State           int            `json:"state"`
	ExitStatus      int            `json:"exit_status"`
	Output          string         `json:"output"`
	PerformanceData []string       `json:"performance_data,omitempty"`
	ScheduleStart   float64        `json:"schedule_start"`
	ScheduleEnd     float64        `json:"schedule_end"`
	ExecutionStart  float64        `json:"execution_start"`
	ExecutionEnd    float64        `json:"execution_end"`
	Command         string         `json:"command,omitempty"`
	CheckSource     string         `json:"check_source,omitempty"`
	Active          bool           `json:"active"`
	VarsBefore      map[string]any `json:"vars_before,omitempty"`
	VarsAfter       map[string]any `json:"vars_after,omitempty"`
}

// Valid reports whether the result carries a usable state code.
func (cr *CheckResult) Valid() bool {
	return cr != nil && cr.State >= ServiceOK && cr.State <= ServiceUnknown
}

// EffectiveHostState folds a service-style state code into Up/Down. A host
// is Up only when its last check was OK; unreachability is folded in by the
// caller at the serialization boundary, never stored here.
func EffectiveHostState(serviceStyleState int, reachable bool) int {
	if !reachable {
		return HostDown
	}
	if serviceStyleState == ServiceOK {
		return HostUp
	}
	return HostDown
}

// Capability bits advertised by cluster endpoints.
type Capability uint64

const (
	CapabilityExecuteArguments Capability = 1 << 0
	CapabilityIfwApiCheck      Capability = 1 << 1
	CapabilityNotificationSync Capability = 1 << 2
)

// CommandType selects the command runner implementation.
type CommandType string

const (
	CommandPlugin CommandType = "plugin"
	CommandDummy  CommandType = "dummy"
	CommandSleep  CommandType = "sleep"
	CommandNull   CommandType = "null"
	CommandIfwAPI CommandType = "ifw-api"
)

// CheckCommand describes how a check is executed. Arguments maps option
// names to argument specs understood by the macro resolver.
type CheckCommand struct {
	Name      string
	Type      CommandType
	Command   []string
	Arguments map[string]ArgumentSpec
	Timeout   float64 // seconds; 0 means command default
	Vars      map[string]string
}

// ArgumentSpec controls how one command argument is rendered.
type ArgumentSpec struct {
	Value       string
	SetIf       string
	Required    bool
	SkipKey     bool
	RepeatKey   bool
	Order       int
	Description string
}
