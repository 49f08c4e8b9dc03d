package metrics

import (
	"strconv"
	"strings"

	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/notify"
	"github.com/argus-monitor/argus/pkg/types"
)

// Collector feeds engine events into the Prometheus metrics.
type Collector struct {
	broker *events.Broker
	sub    *events.Subscription
	doneCh chan struct{}
}

// NewCollector creates a collector over the given broker.
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{broker: broker, doneCh: make(chan struct{})}
}

// Start subscribes and begins consuming events.
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe(
		events.EventNewCheckResult,
		events.EventStateChange,
		events.EventNotificationToUser,
		events.EventEndpointConnected,
		events.EventEndpointDisconnected,
	)
	go c.run()
}

// Stop detaches the collector.
func (c *Collector) Stop() {
	if c.sub != nil {
		c.sub.Cancel()
	}
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	for event := range c.sub.C {
		switch event.Type {
		case events.EventNewCheckResult:
			c.observeResult(event)
		case events.EventStateChange:
			kind := "host"
			if strings.ContainsRune(event.Object, '!') {
				kind = "service"
			}
			StateChanges.WithLabelValues(kind).Inc()
		case events.EventNotificationToUser:
			if p, ok := event.Data.(*notify.SentPayload); ok {
				NotificationsSent.WithLabelValues(p.Type.String()).Inc()
			}
		case events.EventEndpointConnected:
			EndpointsConnected.Inc()
		case events.EventEndpointDisconnected:
			EndpointsConnected.Dec()
		}
	}
}

func (c *Collector) observeResult(event *events.Event) {
	cr, ok := event.Data.(*types.CheckResult)
	if !ok {
		return
	}
	CheckResultsProcessed.WithLabelValues(strconv.Itoa(cr.State)).Inc()
	if cr.ExecutionEnd >= cr.ExecutionStart {
		CheckDuration.Observe(cr.ExecutionEnd - cr.ExecutionStart)
	}
	if cr.ExecutionStart >= cr.ScheduleStart {
		CheckLatency.Observe(cr.ExecutionStart - cr.ScheduleStart)
	}
}
