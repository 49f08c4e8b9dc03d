package checkable

import (
	"sort"

	"github.com/google/uuid"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/types"
)

// CommentType classifies how a comment entered the system.
type CommentType string

const (
	CommentUser            CommentType = "user"
	CommentAcknowledgement CommentType = "acknowledgement"
	CommentDowntime        CommentType = "downtime"
)

// Comment is an operator note attached to a checkable.
type Comment struct {
	ID        string
	Author    string
	Text      string
	EntryTime float64
	EntryType CommentType
}

// Downtime is a scheduled maintenance window. A fixed downtime is active
// for exactly [Start, End). A flexible one arms during that window and runs
// for Duration once the checkable enters a problem state. A downtime with
// TriggeredBy set additionally waits for its parent downtime to start.
type Downtime struct {
	ID          string
	Author      string
	Comment     string
	Start       float64
	End         float64
	Fixed       bool
	Duration    float64
	TriggeredBy string

	active      bool
	triggerTime float64
}

// IsActive reports whether the downtime currently suppresses notifications.
func (d *Downtime) IsActive() bool { return d.active }

// AddComment attaches a user comment and returns it.
func (c *Checkable) AddComment(author, text string) *Comment {
	return c.addComment(author, text, CommentUser)
}

func (c *Checkable) addComment(author, text string, entryType CommentType) *Comment {
	cm := &Comment{
		ID:        uuid.New().String(),
		Author:    author,
		Text:      text,
		EntryTime: clock.ToUnix(c.env.Clock.Now()),
		EntryType: entryType,
	}
	c.mu.Lock()
	c.comments[cm.ID] = cm
	c.mu.Unlock()
	return cm
}

// RemoveComment deletes a comment by id.
func (c *Checkable) RemoveComment(id string) bool {
	c.mu.Lock()
	_, ok := c.comments[id]
	delete(c.comments, id)
	c.mu.Unlock()
	return ok
}

// Comments returns the attached comments ordered by entry time.
func (c *Checkable) Comments() []*Comment {
	c.mu.RLock()
	out := make([]*Comment, 0, len(c.comments))
	for _, cm := range c.comments {
		out = append(out, cm)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime < out[j].EntryTime })
	return out
}

// ScheduleDowntime attaches a downtime and immediately evaluates it, so a
// fixed window already in progress takes effect before the call returns.
func (c *Checkable) ScheduleDowntime(author, comment string, start, end float64, fixed bool, duration float64, triggeredBy string) *Downtime {
	dt := &Downtime{
		ID:          uuid.New().String(),
		Author:      author,
		Comment:     comment,
		Start:       start,
		End:         end,
		Fixed:       fixed,
		Duration:    duration,
		TriggeredBy: triggeredBy,
	}

	now := clock.ToUnix(c.env.Clock.Now())
	c.mu.Lock()
	c.downtimes[dt.ID] = dt
	started, ended := c.updateDowntimesLocked(now)
	cr := c.lastResult
	c.mu.Unlock()

	c.emitDowntimeTransitions(started, ended, cr)
	return dt
}

// RemoveDowntime deletes a downtime by id, ending it if active.
func (c *Checkable) RemoveDowntime(id string) bool {
	now := clock.ToUnix(c.env.Clock.Now())
	c.mu.Lock()
	dt, ok := c.downtimes[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.downtimes, id)
	wasActive := dt.active
	dt.active = false
	_, ended := c.updateDowntimesLocked(now)
	cr := c.lastResult
	c.mu.Unlock()

	if wasActive {
		ended = append(ended, dt)
	}
	c.emitDowntimeTransitions(nil, ended, cr)
	return true
}

// Downtimes returns the attached downtimes ordered by start time.
func (c *Checkable) Downtimes() []*Downtime {
	c.mu.RLock()
	out := make([]*Downtime, 0, len(c.downtimes))
	for _, dt := range c.downtimes {
		out = append(out, dt)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// updateDowntimesLocked activates due downtimes, triggers children of newly
// active parents, drops expired entries and recomputes the depth. Caller
// holds c.mu and emits the returned transitions after unlocking.
func (c *Checkable) updateDowntimesLocked(now float64) (started, ended []*Downtime) {
	inProblem := c.state != types.ServiceOK

	// Two passes so a child triggered by a parent that activates in this
	// call is picked up immediately.
	for pass := 0; pass < 2; pass++ {
		for _, dt := range c.downtimes {
			if dt.active {
				continue
			}
			if dt.TriggeredBy != "" {
				parent, ok := c.downtimes[dt.TriggeredBy]
				if !ok || !parent.active {
					continue
				}
			}
			switch {
			case dt.Fixed:
				if now >= dt.Start && now < dt.End {
					dt.active = true
					dt.triggerTime = now
					started = append(started, dt)
				}
			default:
				if inProblem && now >= dt.Start && now < dt.End {
					dt.active = true
					dt.triggerTime = now
					started = append(started, dt)
				}
			}
		}
	}

	for id, dt := range c.downtimes {
		expired := false
		if dt.Fixed {
			expired = now >= dt.End
		} else if dt.active {
			expired = now >= dt.triggerTime+dt.Duration
		} else {
			expired = now >= dt.End
		}
		if expired {
			delete(c.downtimes, id)
			if dt.active {
				dt.active = false
				ended = append(ended, dt)
			}
		}
	}

	depth := 0
	for _, dt := range c.downtimes {
		if dt.active {
			depth++
		}
	}
	c.downtimeDepth = depth
	return started, ended
}

func (c *Checkable) emitDowntimeTransitions(started, ended []*Downtime, cr *types.CheckResult) {
	for _, dt := range started {
		c.env.emit(events.EventDowntimeStart, c.name, dt)
		c.requestNotifications(types.NotificationDowntimeStart, cr, dt.Author, dt.Comment, false)
	}
	for _, dt := range ended {
		c.env.emit(events.EventDowntimeEnd, c.name, dt)
		c.requestNotifications(types.NotificationDowntimeEnd, cr, dt.Author, dt.Comment, false)
	}
}
