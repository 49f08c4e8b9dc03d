package notify

import (
	"sync"

	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

// User is a notification recipient with its own gating.
type User struct {
	Name        string
	DisplayName string
	Email       string
	Pager       string
	Period      *timeperiod.TimePeriod
	TypeFilter  types.NotificationType
	StateFilter types.StateFilter
	Enable      bool
	Vars        map[string]string
}

// NewUser creates a user that accepts everything until filtered down.
func NewUser(name string) *User {
	return &User{
		Name:        name,
		TypeFilter:  types.NotificationFilterAll,
		StateFilter: types.StateFilterAll,
		Enable:      true,
	}
}

// ObjectType implements registry.Object.
func (u *User) ObjectType() string { return "User" }

// ObjectName implements registry.Object.
func (u *User) ObjectName() string { return u.Name }

// UserGroup is a named set of users.
type UserGroup struct {
	Name string

	mu      sync.RWMutex
	members map[string]*User
}

// NewUserGroup creates an empty group.
func NewUserGroup(name string) *UserGroup {
	return &UserGroup{Name: name, members: make(map[string]*User)}
}

// ObjectType implements registry.Object.
func (g *UserGroup) ObjectType() string { return "UserGroup" }

// ObjectName implements registry.Object.
func (g *UserGroup) ObjectName() string { return g.Name }

// AddUser adds a member; re-adding is a no-op.
func (g *UserGroup) AddUser(u *User) {
	g.mu.Lock()
	g.members[u.Name] = u
	g.mu.Unlock()
}

// Members returns the current member set.
func (g *UserGroup) Members() []*User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*User, 0, len(g.members))
	for _, u := range g.members {
		out = append(out, u)
	}
	return out
}

// Notification is one channel hanging off a checkable: a command, a
// recipient set, and the filters deciding when it fires.
type Notification struct {
	Name        string
	Checkable   string
	CommandName string
	Users       []string
	UserGroups  []string
	Period      *timeperiod.TimePeriod
	TypeFilter  types.NotificationType
	StateFilter types.StateFilter

	// Interval is the reminder interval in seconds. Zero means problem
	// notifications fire once per hard problem and never re-fire.
	Interval float64

	// TimesBegin/TimesEnd bound problem notifications to an age window
	// relative to the hard problem transition, in seconds. Staggered
	// windows across several notifications give escalation chains.
	// Zero means unbounded on that side.
	TimesBegin float64
	TimesEnd   float64

	mu               sync.Mutex
	number           int
	lastNotification float64
	nextNotification float64
	sentToUser       map[string]struct{}
	paused           bool
}

// NewNotification creates a notification accepting all types and states.
func NewNotification(name, checkable, commandName string) *Notification {
	return &Notification{
		Name:        name,
		Checkable:   checkable,
		CommandName: commandName,
		TypeFilter:  types.NotificationFilterAll,
		StateFilter: types.StateFilterAll,
		sentToUser:  make(map[string]struct{}),
	}
}

// ObjectType implements registry.Object.
func (n *Notification) ObjectType() string { return "Notification" }

// ObjectName implements registry.Object.
func (n *Notification) ObjectName() string { return n.Name }

// NotificationNumber returns how many problem notifications have fired
// since the last recovery.
func (n *Notification) NotificationNumber() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.number
}

// LastNotification returns when the notification last fired, in unix
// seconds, zero if never.
func (n *Notification) LastNotification() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastNotification
}

// NextNotification returns the earliest reminder time in unix seconds.
func (n *Notification) NextNotification() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextNotification
}

// SetNextNotification delays the next reminder to the given unix time.
func (n *Notification) SetNextNotification(t float64) {
	n.mu.Lock()
	n.nextNotification = t
	n.mu.Unlock()
}

// SetPaused marks the notification as passive for HA; a paused
// notification never fires locally.
func (n *Notification) SetPaused(paused bool) {
	n.mu.Lock()
	n.paused = paused
	n.mu.Unlock()
}

// IsPaused reports the HA pause flag.
func (n *Notification) IsPaused() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paused
}

// MarkSentToUser records a delivery performed by a cluster peer.
func (n *Notification) MarkSentToUser(user string) {
	n.mu.Lock()
	n.sentToUser[user] = struct{}{}
	n.mu.Unlock()
}

// RecordRemoteSend applies a peer's completed notification round to the
// local counters so a failover takeover does not repeat it.
func (n *Notification) RecordRemoteSend(typ types.NotificationType, now float64) {
	n.mu.Lock()
	switch typ {
	case types.NotificationProblem:
		n.number++
	case types.NotificationRecovery:
		n.number = 0
		n.sentToUser = make(map[string]struct{})
	}
	n.lastNotification = now
	if n.Interval > 0 {
		n.nextNotification = now + n.Interval
	}
	n.mu.Unlock()
}

// WasSentToUser reports whether the user already got the current problem
// notification.
func (n *Notification) WasSentToUser(user string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sentToUser[user]
	return ok
}
