package events

import (
	"sync"
	"time"
)

// Type identifies an engine signal.
type Type string

const (
	EventNewCheckResult         Type = "check.result"
	EventStateChange            Type = "check.state_change"
	EventNextCheckChanged       Type = "check.next_check_changed"
	EventReachabilityChanged    Type = "check.reachability_changed"
	EventFlappingStart          Type = "flapping.start"
	EventFlappingEnd            Type = "flapping.end"
	EventAcknowledgementSet     Type = "ack.set"
	EventAcknowledgementCleared Type = "ack.cleared"
	EventDowntimeStart          Type = "downtime.start"
	EventDowntimeEnd            Type = "downtime.end"
	EventNotificationsRequested Type = "notification.requested"
	EventNotificationToUser     Type = "notification.sent_to_user"
	EventNotificationToAll      Type = "notification.sent_to_all"
	EventEndpointConnected      Type = "endpoint.connected"
	EventEndpointDisconnected   Type = "endpoint.disconnected"
)

// Event is one engine signal. Object names the checkable or endpoint it
// concerns ("host" or "host!service" form for checkables).
type Event struct {
	Type      Type
	Object    string
	Timestamp time.Time
	Data      any
}

// Subscription receives events. Cancel detaches it from the broker and
// closes the channel.
type Subscription struct {
	C      chan *Event
	types  map[Type]bool
	broker *Broker
	once   sync.Once
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broker fans engine events out to subscribers. Publishing never blocks the
// emitter: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*Subscription]bool
	eventCh chan *Event
	stopCh  chan struct{}
	stopped bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[*Subscription]bool),
		eventCh: make(chan *Event, 256),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.stopCh)
}

// Subscribe registers interest in the given event types. With no types, the
// subscription receives everything.
func (b *Broker) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		C:      make(chan *Event, 64),
		broker: b,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.C)
}

// Publish queues an event for distribution.
func (b *Broker) Publish(event *Event) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Broker) Emit(t Type, object string, ts time.Time, data any) {
	b.Publish(&Event{Type: t, Object: object, Timestamp: ts, Data: data})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
