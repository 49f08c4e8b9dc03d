package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// Executor runs one check and returns its result. A nil result with nil
// error means the check produced nothing to apply (remote execution in
// flight, for example).
type Executor interface {
	ExecuteCheck(c *checkable.Checkable) (*types.CheckResult, error)
}

// EndpointProbe answers connectivity questions about cluster endpoints.
type EndpointProbe interface {
	IsConnected(name string) bool
	IsSyncing(name string) bool
}

// AdmitReason is the scheduler's verdict for one dispatch attempt.
type AdmitReason int

const (
	Admitted AdmitReason = iota
	ConcurrencyFull
	ChecksDisabled
	Unreachable
	OutsideCheckPeriod
	RemoteColdStartup
	RemoteDisconnected
)

func (r AdmitReason) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case ConcurrencyFull:
		return "concurrency-full"
	case ChecksDisabled:
		return "checks-disabled"
	case Unreachable:
		return "unreachable"
	case OutsideCheckPeriod:
		return "outside-check-period"
	case RemoteColdStartup:
		return "remote-cold-startup"
	case RemoteDisconnected:
		return "remote-disconnected"
	}
	return "unknown"
}

// DefaultColdStartupWindow is how long after program start a disconnected
// remote endpoint is tolerated silently, in seconds.
const DefaultColdStartupWindow = 300

// Config wires the scheduler's collaborators.
type Config struct {
	Clock               clock.Clock
	MaxConcurrentChecks int
	NodeName            string
	ProgramStart        float64
	ColdStartupWindow   float64
	Deps                *dependency.Registry
	Endpoints           EndpointProbe
	Executor            Executor
}

// Scheduler drives the check queue. One goroutine owns the priority queue;
// execution fans out to worker goroutines bounded by MaxConcurrentChecks.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	queue checkHeap

	pending atomic.Int64

	enableHostChecks    atomic.Bool
	enableServiceChecks atomic.Bool

	wakeCh   chan struct{}
	slotCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	workWG   sync.WaitGroup
}

// New creates a scheduler. Checkables are added with Add; the queue starts
// draining after Start.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 512
	}
	if cfg.ColdStartupWindow <= 0 {
		cfg.ColdStartupWindow = DefaultColdStartupWindow
	}
	s := &Scheduler{
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
		slotCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.enableHostChecks.Store(true)
	s.enableServiceChecks.Store(true)
	return s
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	s.loopWG.Add(1)
	go s.run()
	log.WithComponent("scheduler").Info().
		Int("max_concurrent_checks", s.cfg.MaxConcurrentChecks).
		Msg("Check scheduler started")
}

// Stop halts dispatching and waits for in-flight checks to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWG.Wait()
	s.workWG.Wait()
	log.WithComponent("scheduler").Info().Msg("Check scheduler stopped")
}

// PendingChecks returns the number of checks currently executing.
func (s *Scheduler) PendingChecks() int64 { return s.pending.Load() }

// SetHostChecksEnabled toggles active host checks globally.
func (s *Scheduler) SetHostChecksEnabled(on bool) { s.enableHostChecks.Store(on) }

// SetServiceChecksEnabled toggles active service checks globally.
func (s *Scheduler) SetServiceChecksEnabled(on bool) { s.enableServiceChecks.Store(on) }

// Add inserts a checkable at its current next_check time.
func (s *Scheduler) Add(c *checkable.Checkable) {
	s.mu.Lock()
	heap.Push(&s.queue, &queueItem{c: c, at: c.NextCheck()})
	s.mu.Unlock()
	s.wake()
}

// Remove drops every queued entry for the named checkable.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	s.queue.removeByName(name)
	s.mu.Unlock()
	s.wake()
}

// Reschedule re-enqueues a checkable after its next_check moved.
func (s *Scheduler) Reschedule(c *checkable.Checkable) {
	s.mu.Lock()
	s.queue.removeByName(c.ObjectName())
	heap.Push(&s.queue, &queueItem{c: c, at: c.NextCheck()})
	s.mu.Unlock()
	s.wake()
}

// QueueLen returns the number of queued entries.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.loopWG.Done()

	for {
		item := s.peek()
		if item == nil {
			select {
			case <-s.wakeCh:
				continue
			case <-s.stopCh:
				return
			}
		}

		now := s.cfg.Clock.Now()
		if at := clock.FromUnix(item.at); at.After(now) {
			select {
			case <-s.cfg.Clock.Until(at):
			case <-s.wakeCh:
			case <-s.stopCh:
				return
			}
			continue
		}

		// Admission uses one consistent Now() snapshot per iteration.
		nowUnix := clock.ToUnix(now)
		reason := s.admit(item.c, now)

		if reason == ConcurrencyFull {
			log.WithComponent("scheduler").Debug().
				Str("checkable", item.c.ObjectName()).
				Msg("Concurrency limit reached, deferring dispatch")
			select {
			case <-s.slotCh:
			case <-s.wakeCh:
			case <-s.stopCh:
				return
			}
			continue
		}

		s.pop(item)

		// The queued time may be stale after an external reschedule.
		if item.c.NextCheck() > item.at && item.c.NextCheck() > nowUnix {
			s.mu.Lock()
			heap.Push(&s.queue, &queueItem{c: item.c, at: item.c.NextCheck()})
			s.mu.Unlock()
			continue
		}

		switch reason {
		case Admitted:
			s.dispatch(item.c, nowUnix)
		case ChecksDisabled:
			log.WithComponent("scheduler").Info().
				Str("checkable", item.c.ObjectName()).
				Msgf("Skipping check for object '%s': active checks disabled", item.c.ObjectName())
			s.deferCheck(item.c, nowUnix+item.c.CheckInterval)
		case Unreachable:
			log.WithComponent("scheduler").Info().
				Str("checkable", item.c.ObjectName()).
				Msgf("Skipping check for object '%s': Dependency failed", item.c.ObjectName())
			s.deferCheck(item.c, nowUnix+item.c.CheckInterval)
		case OutsideCheckPeriod:
			until := item.c.CheckPeriod.NextValidEnd(now)
			log.WithComponent("scheduler").Info().
				Str("checkable", item.c.ObjectName()).
				Msgf("Skipping check for object '%s': not in check period '%s', until %s",
					item.c.ObjectName(), item.c.CheckPeriod.Name, until.Format("2006-01-02 15:04:05 -0700"))
			s.deferCheck(item.c, clock.ToUnix(until))
		case RemoteColdStartup:
			log.WithComponent("scheduler").Info().
				Str("checkable", item.c.ObjectName()).
				Str("endpoint", item.c.CommandEndpoint).
				Msg("Remote endpoint not yet connected, deferring check during cold startup")
			s.deferCheck(item.c, nowUnix+item.c.CheckInterval)
		case RemoteDisconnected:
			s.injectRemoteDown(item.c, nowUnix)
			s.deferCheck(item.c, nowUnix+item.c.CheckInterval)
		}
	}
}

func (s *Scheduler) peek() *queueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	return s.queue.items[0]
}

func (s *Scheduler) pop(item *queueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.index >= 0 {
		heap.Remove(&s.queue, item.index)
	}
}

// admit decides whether a check may run now. Reasons are evaluated in a
// fixed order; the first match wins.
func (s *Scheduler) admit(c *checkable.Checkable, now time.Time) AdmitReason {
	if s.pending.Load() >= int64(s.cfg.MaxConcurrentChecks) {
		return ConcurrencyFull
	}

	force := c.ForceNextCheck()

	globalEnabled := s.enableServiceChecks.Load()
	if c.IsHost() {
		globalEnabled = s.enableHostChecks.Load()
	}
	if !force && (!c.EnableActiveChecks.Load() || !globalEnabled) {
		return ChecksDisabled
	}

	if s.cfg.Deps != nil && s.cfg.Deps.StateFor(c.ObjectName()) != dependency.StateOk {
		return Unreachable
	}

	if !force && c.CheckPeriod != nil && !c.CheckPeriod.IsInside(now) {
		return OutsideCheckPeriod
	}

	if ep := c.CommandEndpoint; ep != "" {
		connected := s.cfg.Endpoints != nil && s.cfg.Endpoints.IsConnected(ep)
		syncing := s.cfg.Endpoints != nil && s.cfg.Endpoints.IsSyncing(ep)
		if !connected && !syncing {
			if clock.ToUnix(now)-s.cfg.ProgramStart < s.cfg.ColdStartupWindow {
				return RemoteColdStartup
			}
			return RemoteDisconnected
		}
	}

	return Admitted
}

// deferCheck reschedules without executing and re-enqueues.
func (s *Scheduler) deferCheck(c *checkable.Checkable, at float64) {
	c.SetNextCheck(at)
	s.mu.Lock()
	heap.Push(&s.queue, &queueItem{c: c, at: at})
	s.mu.Unlock()
}

// dispatch reserves a slot, advances next_check so the entry cannot fire
// twice, and hands the check to a worker.
func (s *Scheduler) dispatch(c *checkable.Checkable, nowUnix float64) {
	s.pending.Add(1)
	c.SetForceNextCheck(false)
	s.deferCheck(c, nowUnix+c.CheckInterval)

	log.WithComponent("scheduler").Debug().
		Str("checkable", c.ObjectName()).
		Msgf("Executing check for object '%s'", c.ObjectName())

	s.workWG.Add(1)
	go func() {
		defer s.workWG.Done()
		defer s.releaseSlot()

		cr, err := s.cfg.Executor.ExecuteCheck(c)
		if err != nil {
			log.WithComponent("scheduler").Warn().
				Err(err).
				Str("checkable", c.ObjectName()).
				Msg("Check execution failed")
		}
		if cr != nil {
			if perr := c.ProcessCheckResult(cr); perr != nil {
				log.WithComponent("scheduler").Warn().
					Err(perr).
					Str("checkable", c.ObjectName()).
					Msg("Discarding check result")
			}
			s.Reschedule(c)
		}
		log.WithComponent("scheduler").Debug().
			Str("checkable", c.ObjectName()).
			Msgf("Check finished for object '%s'", c.ObjectName())
	}()
}

func (s *Scheduler) releaseSlot() {
	s.pending.Add(-1)
	select {
	case s.slotCh <- struct{}{}:
	default:
	}
}

// injectRemoteDown synthesizes an Unknown result once the cold-startup
// window has passed and the remote endpoint is still not connected.
func (s *Scheduler) injectRemoteDown(c *checkable.Checkable, nowUnix float64) {
	output := "Remote Argus instance '" + c.CommandEndpoint + "' is not connected to '" + s.cfg.NodeName + "'"
	log.WithComponent("scheduler").Warn().
		Str("checkable", c.ObjectName()).
		Str("endpoint", c.CommandEndpoint).
		Msg(output)

	cr := &types.CheckResult{
		State:          types.ServiceUnknown,
		ExitStatus:     3,
		Output:         output,
		ScheduleStart:  nowUnix,
		ScheduleEnd:    nowUnix,
		ExecutionStart: nowUnix,
		ExecutionEnd:   nowUnix,
		CheckSource:    s.cfg.NodeName,
		Active:         true,
	}
	if err := c.ProcessCheckResult(cr); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).
			Str("checkable", c.ObjectName()).
			Msg("Discarding synthesized check result")
	}
}
