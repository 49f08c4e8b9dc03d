package notify

import (
	"sync"
	"sync/atomic"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/macros"
	"github.com/argus-monitor/argus/pkg/types"
)

// Invoker runs a notification command's process. The command runner
// implements it; tests substitute a recorder.
type Invoker interface {
	ExecuteNotification(commandName string, resolvers []macros.Resolver) error
}

// ClusterSync replicates sent-notification facts to peers so a failover
// node does not repeat reminders already delivered.
type ClusterSync interface {
	NotificationSentToUser(notification, user string, typ types.NotificationType)
	NotificationSentToAllUsers(notification string, typ types.NotificationType)
}

// SentPayload is the event payload for a delivered notification.
type SentPayload struct {
	Notification string
	Checkable    string
	User         string
	Type         types.NotificationType
	Text         string
}

// Engine fans notification requests out to users. It implements
// checkable.NotificationSink.
type Engine struct {
	clock   clock.Clock
	broker  *events.Broker
	invoker Invoker
	sync    ClusterSync
	deps    *dependency.Registry

	enabled atomic.Bool

	mu            sync.RWMutex
	users         map[string]*User
	groups        map[string]*UserGroup
	notifications map[string][]*Notification
}

// NewEngine creates an engine with notifications globally enabled.
func NewEngine(c clock.Clock, broker *events.Broker, invoker Invoker) *Engine {
	e := &Engine{
		clock:         c,
		broker:        broker,
		invoker:       invoker,
		users:         make(map[string]*User),
		groups:        make(map[string]*UserGroup),
		notifications: make(map[string][]*Notification),
	}
	e.enabled.Store(true)
	return e
}

// SetClusterSync wires the replication hook.
func (e *Engine) SetClusterSync(s ClusterSync) { e.sync = s }

// SetDependencies wires the dependency registry so edges with
// disable_notifications can mute their children.
func (e *Engine) SetDependencies(d *dependency.Registry) { e.deps = d }

// SetEnabled flips the global notification switch.
func (e *Engine) SetEnabled(enabled bool) { e.enabled.Store(enabled) }

// Enabled reports the global switch.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// AddUser registers a recipient.
func (e *Engine) AddUser(u *User) {
	e.mu.Lock()
	e.users[u.Name] = u
	e.mu.Unlock()
}

// GetUser looks a user up by name.
func (e *Engine) GetUser(name string) (*User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[name]
	return u, ok
}

// AddUserGroup registers a group.
func (e *Engine) AddUserGroup(g *UserGroup) {
	e.mu.Lock()
	e.groups[g.Name] = g
	e.mu.Unlock()
}

// Attach hangs a notification off its checkable.
func (e *Engine) Attach(n *Notification) {
	e.mu.Lock()
	e.notifications[n.Checkable] = append(e.notifications[n.Checkable], n)
	e.mu.Unlock()
}

// NotificationByName finds a notification across all checkables.
func (e *Engine) NotificationByName(name string) (*Notification, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, list := range e.notifications {
		for _, n := range list {
			if n.Name == name {
				return n, true
			}
		}
	}
	return nil, false
}

// NotificationsFor returns the notifications attached to a checkable.
func (e *Engine) NotificationsFor(name string) []*Notification {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Notification(nil), e.notifications[name]...)
}

// RequestNotifications implements checkable.NotificationSink.
func (e *Engine) RequestNotifications(c *checkable.Checkable, typ types.NotificationType, cr *types.CheckResult, author, text string, force bool) {
	if !force && (!e.enabled.Load() || !c.EnableNotifications.Load()) {
		log.WithComponent("notification").Debug().
			Str("checkable", c.ObjectName()).
			Str("type", typ.String()).
			Msg("Notifications are disabled, skipping request")
		return
	}
	if !force && e.deps != nil && e.deps.NotificationsSuppressed(c.ObjectName()) {
		log.WithComponent("notification").Debug().
			Str("checkable", c.ObjectName()).
			Str("type", typ.String()).
			Msg("A failed dependency mutes notifications, skipping request")
		return
	}

	for _, n := range e.NotificationsFor(c.ObjectName()) {
		if n.IsPaused() {
			continue
		}
		e.beginExecute(n, c, typ, cr, author, text, force)
	}
}

// SendCustomNotification pushes an operator-authored message through the
// regular pipeline.
func (e *Engine) SendCustomNotification(c *checkable.Checkable, author, text string, force bool) {
	e.RequestNotifications(c, types.NotificationCustom, c.LastCheckResult(), author, text, force)
}

// DelayNotifications pushes every reminder for a checkable to the given
// unix time.
func (e *Engine) DelayNotifications(name string, until float64) {
	for _, n := range e.NotificationsFor(name) {
		n.SetNextNotification(until)
	}
}

func (e *Engine) beginExecute(n *Notification, c *checkable.Checkable, typ types.NotificationType, cr *types.CheckResult, author, text string, force bool) {
	now := clock.ToUnix(e.clock.Now())
	logger := log.WithComponent("notification")

	if typ&n.TypeFilter == 0 {
		logger.Debug().
			Str("notification", n.Name).
			Str("type", typ.String()).
			Msg("Type filter does not match, skipping")
		return
	}
	if c.CurrentStateFilter(false)&n.StateFilter == 0 {
		logger.Debug().
			Str("notification", n.Name).
			Msg("State filter does not match, skipping")
		return
	}
	if n.Period != nil && !n.Period.IsInside(e.clock.Now()) {
		logger.Debug().
			Str("notification", n.Name).
			Str("period", n.Period.Name).
			Msg("Not in notification period, skipping")
		return
	}
	if !force && typ == types.NotificationProblem && (n.TimesBegin > 0 || n.TimesEnd > 0) {
		age := now - c.LastHardStateChange()
		if n.TimesBegin > 0 && age < n.TimesBegin {
			logger.Debug().
				Str("notification", n.Name).
				Float64("age", age).
				Msg("Problem younger than escalation window, skipping")
			return
		}
		if n.TimesEnd > 0 && age > n.TimesEnd {
			logger.Debug().
				Str("notification", n.Name).
				Float64("age", age).
				Msg("Problem older than escalation window, skipping")
			return
		}
	}

	// Reminder suppression only constrains repeated problem notifications;
	// users who never saw the initial one still get it.
	n.mu.Lock()
	suppressRepeat := !force && typ == types.NotificationProblem && n.number > 0 &&
		(n.Interval <= 0 || now < n.nextNotification)
	n.mu.Unlock()

	recipients := e.expandRecipients(n)
	sent := 0
	for _, u := range recipients {
		if suppressRepeat && n.WasSentToUser(u.Name) {
			continue
		}
		if !e.userAccepts(u, c, typ) {
			continue
		}

		if err := e.invoker.ExecuteNotification(n.CommandName, e.resolversFor(n, u, c, typ, cr, author, text)); err != nil {
			logger.Warn().
				Err(err).
				Str("notification", n.Name).
				Str("user", u.Name).
				Msg("Notification command failed")
			continue
		}

		n.mu.Lock()
		n.sentToUser[u.Name] = struct{}{}
		n.mu.Unlock()

		logger.Info().
			Str("notification", n.Name).
			Str("user", u.Name).
			Str("checkable", c.ObjectName()).
			Str("type", typ.String()).
			Msg("Sent notification")
		e.emit(events.EventNotificationToUser, c.ObjectName(), &SentPayload{
			Notification: n.Name,
			Checkable:    c.ObjectName(),
			User:         u.Name,
			Type:         typ,
			Text:         text,
		})
		if e.sync != nil {
			e.sync.NotificationSentToUser(n.Name, u.Name, typ)
		}
		sent++
	}

	if sent == 0 {
		return
	}

	e.emit(events.EventNotificationToAll, c.ObjectName(), &SentPayload{
		Notification: n.Name,
		Checkable:    c.ObjectName(),
		Type:         typ,
		Text:         text,
	})
	if e.sync != nil {
		e.sync.NotificationSentToAllUsers(n.Name, typ)
	}

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

// expandRecipients resolves the user and group references into a concrete
// deduplicated user set.
func (e *Engine) expandRecipients(n *Notification) []*User {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*User
	add := func(u *User) {
		if u == nil {
			return
		}
		if _, dup := seen[u.Name]; dup {
			return
		}
		seen[u.Name] = struct{}{}
		out = append(out, u)
	}

	for _, name := range n.Users {
		add(e.users[name])
	}
	for _, name := range n.UserGroups {
		if g, ok := e.groups[name]; ok {
			for _, u := range g.Members() {
				add(u)
			}
		}
	}
	return out
}

func (e *Engine) userAccepts(u *User, c *checkable.Checkable, typ types.NotificationType) bool {
	logger := log.WithComponent("notification")
	if !u.Enable {
		logger.Debug().Str("user", u.Name).Msg("User has notifications disabled, skipping")
		return false
	}
	if typ&u.TypeFilter == 0 {
		logger.Debug().
			Str("user", u.Name).
			Str("type", typ.String()).
			Msg("User type filter does not match, skipping")
		return false
	}
	if c.CurrentStateFilter(false)&u.StateFilter == 0 {
		logger.Debug().Str("user", u.Name).Msg("User state filter does not match, skipping")
		return false
	}
	if u.Period != nil && !u.Period.IsInside(e.clock.Now()) {
		logger.Debug().
			Str("user", u.Name).
			Str("period", u.Period.Name).
			Msg("User is outside their notification period, skipping")
		return false
	}
	return true
}

func (e *Engine) resolversFor(n *Notification, u *User, c *checkable.Checkable, typ types.NotificationType, cr *types.CheckResult, author, text string) []macros.Resolver {
	prefix := "host"
	if !c.IsHost() {
		prefix = "service"
	}
	output := ""
	if cr != nil {
		output = cr.Output
	}
	return []macros.Resolver{
		{Prefix: "notification", Object: map[string]any{
			"type":    typ.String(),
			"author":  author,
			"comment": text,
		}},
		{Prefix: "user", Object: map[string]any{
			"name":         u.Name,
			"display_name": u.DisplayName,
			"email":        u.Email,
			"pager":        u.Pager,
			"vars":         u.Vars,
		}},
		{Prefix: prefix, Object: map[string]any{
			"name":   c.ObjectName(),
			"state":  c.State(),
			"output": output,
			"vars":   c.Vars,
		}},
		{Prefix: "", Object: u.Vars},
		{Prefix: "", Object: c.Vars},
	}
}

func (e *Engine) emit(typ events.Type, object string, data any) {
	if e.broker != nil {
		e.broker.Emit(typ, object, e.clock.Now(), data)
	}
}
