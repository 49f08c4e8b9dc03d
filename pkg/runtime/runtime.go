package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/cluster"
	"github.com/argus-monitor/argus/pkg/command"
	"github.com/argus-monitor/argus/pkg/config"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/extcmd"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/metrics"
	"github.com/argus-monitor/argus/pkg/notify"
	"github.com/argus-monitor/argus/pkg/persist"
	"github.com/argus-monitor/argus/pkg/registry"
	"github.com/argus-monitor/argus/pkg/scheduler"
	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

// Runtime is the composition root: it owns the clock, the object sets,
// and every engine component, and wires them together from a parsed
// configuration document. There are no package-level singletons; tests
// build as many runtimes as they like.
type Runtime struct {
	clk          clock.Clock
	doc          *config.Document
	programStart float64

	broker    *events.Broker
	timers    *clock.TimerService
	deps      *dependency.Registry
	objects   *registry.Registry
	env       *checkable.Env
	runner    *command.Runner
	engine    *notify.Engine
	messenger *cluster.Messenger
	sched     *scheduler.Scheduler
	bus       *extcmd.Bus
	snap      *persist.Snapshotter
	collector *metrics.Collector

	mu       sync.RWMutex
	hosts    map[string]*checkable.Host
	services map[string]*checkable.Service
	periods  map[string]*timeperiod.TimePeriod

	repSub  *events.Subscription
	repDone chan struct{}

	shutdownCh chan bool
	started    bool
}

// New builds a runtime from a validated configuration document. Object
// construction and cross-linking happen here; nothing runs until Start.
func New(doc *config.Document, clk clock.Clock) (*Runtime, error) {
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	r := &Runtime{
		clk:          clk,
		doc:          doc,
		programStart: clock.ToUnix(clk.Now()),
		broker:       events.NewBroker(),
		deps:         dependency.NewRegistry(clk),
		objects:      registry.New(),
		hosts:        make(map[string]*checkable.Host),
		services:     make(map[string]*checkable.Service),
		periods:      make(map[string]*timeperiod.TimePeriod),
		shutdownCh:   make(chan bool, 1),
	}
	r.timers = clock.NewTimerService(clk, 4)

	r.runner = command.NewRunner(clk, doc.NodeName, doc.MaxConcurrentChecks)
	r.engine = notify.NewEngine(clk, r.broker, r.runner)
	if doc.EnableNotifications != nil {
		r.engine.SetEnabled(*doc.EnableNotifications)
	}

	r.messenger = cluster.NewMessenger(cluster.Config{
		Clock:        clk,
		NodeName:     doc.NodeName,
		Broker:       r.broker,
		Capabilities: types.CapabilityExecuteArguments | types.CapabilityNotificationSync,
	})
	r.runner.SetRemoteSender(r.messenger)
	r.engine.SetClusterSync(&clusterSync{r})
	r.engine.SetDependencies(r.deps)

	r.env = checkable.NewEnv(clk, r.broker, r.deps)
	r.env.Notifier = r.engine
	r.env.Lookup = r.lookupCheckable

	r.sched = scheduler.New(scheduler.Config{
		Clock:               clk,
		MaxConcurrentChecks: doc.MaxConcurrentChecks,
		NodeName:            doc.NodeName,
		ProgramStart:        r.programStart,
		ColdStartupWindow:   doc.ColdStartupWindow,
		Deps:                r.deps,
		Endpoints:           r.messenger,
		Executor:            r.runner,
	})

	if doc.StateFile != "" {
		r.snap = persist.NewSnapshotter(persist.Config{
			Clock:   clk,
			Timers:  r.timers,
			Path:    doc.StateFile,
			Collect: r.collectState,
		})
	}

	busCfg := extcmd.Config{
		Objects:       r,
		Notifier:      r.engine,
		Sched:         r.sched,
		Notifications: r.engine,
		Shutdown:      r.requestShutdown,
	}
	if r.snap != nil {
		busCfg.Recorder = r.snap
	}
	r.bus = extcmd.NewBus(busCfg)
	r.collector = metrics.NewCollector(r.broker)

	r.registerTypes()
	r.registerClusterHandlers()

	if err := r.applyConfig(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start brings the runtime up: event distribution, cluster connections,
// the check queue, and the snapshot timer.
func (r *Runtime) Start() error {
	r.broker.Start()
	r.collector.Start()
	r.startReplication()

	if r.doc.Listen != "" {
		if _, err := r.messenger.Listen(r.doc.Listen); err != nil {
			return err
		}
	}
	for _, ep := range r.doc.Endpoints {
		if ep.Address == "" {
			continue
		}
		if err := r.messenger.Dial(ep.Name); err != nil {
			log.WithComponent("runtime").Warn().
				Err(err).
				Str("endpoint", ep.Name).
				Msg("Initial connection to endpoint failed, will stay passive")
		}
	}

	r.mu.RLock()
	for _, h := range r.hosts {
		r.sched.Add(&h.Checkable)
	}
	for _, s := range r.services {
		r.sched.Add(&s.Checkable)
	}
	r.mu.RUnlock()
	r.sched.Start()

	if r.snap != nil {
		r.snap.Start()
	}
	if err := r.objects.ActivateAll(); err != nil {
		return err
	}
	r.started = true
	log.WithComponent("runtime").Info().
		Str("node", r.doc.NodeName).
		Int("hosts", len(r.hosts)).
		Int("services", len(r.services)).
		Msg("Argus runtime started")
	return nil
}

// Stop shuts the runtime down cooperatively: no new dispatches, drain
// in-flight checks, then a final state snapshot.
func (r *Runtime) Stop() {
	r.sched.Stop()
	if r.repSub != nil {
		r.repSub.Cancel()
		<-r.repDone
	}
	r.messenger.Stop()
	if r.snap != nil {
		if err := r.snap.Close(); err != nil {
			log.WithComponent("runtime").Error().Err(err).Msg("Final snapshot failed")
		}
	}
	r.objects.DeactivateAll()
	r.collector.Stop()
	r.timers.Stop()
	r.broker.Stop()
	log.WithComponent("runtime").Info().Msg("Argus runtime stopped")
}

// ShutdownSignal delivers true when a restart was requested, false for a
// plain shutdown.
func (r *Runtime) ShutdownSignal() <-chan bool { return r.shutdownCh }

// Bus returns the external command bus.
func (r *Runtime) Bus() *extcmd.Bus { return r.bus }

// Broker returns the event broker.
func (r *Runtime) Broker() *events.Broker { return r.broker }

// Scheduler returns the check scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Messenger returns the cluster messenger.
func (r *Runtime) Messenger() *cluster.Messenger { return r.messenger }

// NotifyEngine returns the notification engine.
func (r *Runtime) NotifyEngine() *notify.Engine { return r.engine }

// Runner returns the command runner.
func (r *Runtime) Runner() *command.Runner { return r.runner }

// GetHost implements extcmd.Objects.
func (r *Runtime) GetHost(name string) (*checkable.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// GetService implements extcmd.Objects.
func (r *Runtime) GetService(host, service string) (*checkable.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[host+"!"+service]
	return s, ok
}

// Hosts returns all hosts, sorted by name via the registry.
func (r *Runtime) Hosts() []*checkable.Host {
	objs := r.objects.ObjectsByType("Host")
	out := make([]*checkable.Host, 0, len(objs))
	for _, obj := range objs {
		if h, ok := obj.(*checkable.Host); ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *Runtime) requestShutdown(restart bool) {
	select {
	case r.shutdownCh <- restart:
	default:
	}
}

func (r *Runtime) lookupCheckable(name string) *checkable.Checkable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.ContainsRune(name, '!') {
		if s, ok := r.services[name]; ok {
			return &s.Checkable
		}
		return nil
	}
	if h, ok := r.hosts[name]; ok {
		return &h.Checkable
	}
	return nil
}

func (r *Runtime) registerTypes() {
	r.objects.RegisterType("TimePeriod", func() registry.Object { return &timeperiod.TimePeriod{} })
	r.objects.RegisterType("Host", func() registry.Object { return &checkable.Host{} })
	r.objects.RegisterType("Service", func() registry.Object { return &checkable.Service{} })
	r.objects.RegisterType("User", func() registry.Object { return &notify.User{} })
	r.objects.RegisterType("UserGroup", func() registry.Object { return notify.NewUserGroup("") })
	r.objects.RegisterType("Notification", func() registry.Object { return &notify.Notification{} })
}

// checkableState is the persisted runtime slice of one checkable.
type checkableState struct {
	State         int             `json:"state"`
	StateType     types.StateType `json:"state_type"`
	Attempt       int             `json:"attempt"`
	LastCheck     float64         `json:"last_check"`
	NextCheck     float64         `json:"next_check"`
	LastHardState int             `json:"last_hard_state"`
	Ack           types.AckType   `json:"acknowledgement"`
	AckExpiry     float64         `json:"acknowledgement_expiry"`
	DowntimeDepth int             `json:"downtime_depth"`
	Flapping      bool            `json:"flapping"`
	Reachable     bool            `json:"reachable"`
}

func (r *Runtime) collectState() []persist.ObjectState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]persist.ObjectState, 0, len(r.hosts)+len(r.services))
	add := func(objType string, c *checkable.Checkable) {
		blob, err := json.Marshal(&checkableState{
			State:         c.State(),
			StateType:     c.StateType(),
			Attempt:       c.CheckAttempt(),
			LastCheck:     c.LastCheck(),
			NextCheck:     c.NextCheck(),
			LastHardState: c.LastHardState(),
			Ack:           c.Acknowledgement(),
			AckExpiry:     c.AcknowledgementExpiry(),
			DowntimeDepth: c.DowntimeDepth(),
			Flapping:      c.IsFlapping(),
			Reachable:     c.IsReachable(),
		})
		if err != nil {
			return
		}
		out = append(out, persist.ObjectState{Type: objType, Name: c.ObjectName(), State: blob})
	}
	for _, h := range r.hosts {
		add("Host", &h.Checkable)
	}
	for _, s := range r.services {
		add("Service", &s.Checkable)
	}
	return out
}

// RestoreState folds a loaded snapshot back into the object set. Unknown
// objects are skipped: the config may have changed since the dump.
func (r *Runtime) RestoreState(states []persist.ObjectState) {
	for _, st := range states {
		c := r.lookupCheckable(st.Name)
		if c == nil {
			continue
		}
		var saved checkableState
		if err := json.Unmarshal(st.State, &saved); err != nil {
			log.WithComponent("runtime").Warn().
				Str("object", st.Name).
				Msg("Skipping corrupt snapshot record")
			continue
		}
		if saved.NextCheck > 0 {
			c.SetNextCheck(saved.NextCheck)
		}
	}
}

type clusterSync struct{ r *Runtime }

func (s *clusterSync) NotificationSentToUser(notification, user string, typ types.NotificationType) {
	s.r.broadcastToPeers(cluster.MethodNotificationSentToUser, &cluster.NotificationSentParams{
		Notification: notification,
		User:         user,
		Type:         typ,
	})
}

func (s *clusterSync) NotificationSentToAllUsers(notification string, typ types.NotificationType) {
	s.r.broadcastToPeers(cluster.MethodNotificationSentToAllUsers, &cluster.NotificationSentParams{
		Notification: notification,
		Type:         typ,
	})
}

func (r *Runtime) broadcastToPeers(method string, params any) {
	env, err := cluster.NewEnvelope(method, params, clock.ToUnix(r.clk.Now()), r.doc.NodeName)
	if err != nil {
		return
	}
	r.messenger.Broadcast(env, "")
}

func linkErr(kind, name, field, msg string) error {
	return fmt.Errorf("config: %s '%s' field '%s': %s", kind, name, field, msg)
}
