package checkable

import (
	"fmt"

	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// AckEvent is the payload of an acknowledgement-set event. It carries
// everything a cluster peer needs to apply the same acknowledgement.
type AckEvent struct {
	Author  string
	Comment string
	Type    types.AckType
	Notify  bool
	Expiry  float64
}

// Acknowledgement returns the current acknowledgement kind.
func (c *Checkable) Acknowledgement() types.AckType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ack
}

// AcknowledgementExpiry returns the ack expiry timestamp, 0 for never.
func (c *Checkable) AcknowledgementExpiry() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ackExpiry
}

// IsAcknowledged reports whether a problem acknowledgement is in place.
func (c *Checkable) IsAcknowledged() bool { return c.Acknowledgement() != types.AckNone }

// AcknowledgeProblem acknowledges the current problem state. expiry of 0
// means the acknowledgement never expires on its own.
func (c *Checkable) AcknowledgeProblem(author, comment string, ackType types.AckType, notify bool, expiry float64) error {
	if ackType != types.AckNormal && ackType != types.AckSticky {
		return fmt.Errorf("invalid acknowledgement type %d for '%s'", ackType, c.name)
	}

	c.mu.Lock()
	if c.state == types.ServiceOK {
		c.mu.Unlock()
		return fmt.Errorf("cannot acknowledge '%s': not in a problem state", c.name)
	}
	if c.ack == ackType && c.ackExpiry == expiry {
		// Re-applying the identical acknowledgement is a no-op, so a
		// replicated ack does not bounce between peers forever.
		c.mu.Unlock()
		return nil
	}
	c.ack = ackType
	c.ackExpiry = expiry
	cr := c.lastResult
	c.mu.Unlock()

	c.addComment(author, comment, CommentAcknowledgement)

	log.WithComponent("checkable").Info().
		Str("checkable", c.name).
		Str("author", author).
		Msg("Problem acknowledged")
	c.env.emit(events.EventAcknowledgementSet, c.name, &AckEvent{
		Author:  author,
		Comment: comment,
		Type:    ackType,
		Notify:  notify,
		Expiry:  expiry,
	})

	if notify {
		c.requestNotifications(types.NotificationAcknowledgement, cr, author, comment, false)
	}
	return nil
}

// ClearAcknowledgement removes the acknowledgement and its comments.
func (c *Checkable) ClearAcknowledgement() {
	c.mu.Lock()
	had := c.ack != types.AckNone
	c.ack = types.AckNone
	c.ackExpiry = 0
	var drop []string
	for id, cm := range c.comments {
		if cm.EntryType == CommentAcknowledgement {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(c.comments, id)
	}
	c.mu.Unlock()

	if had {
		c.env.emit(events.EventAcknowledgementCleared, c.name, nil)
	}
}

// expireAcknowledgementLocked applies the per-result ack lifecycle. A sticky
// ack survives everything except a hard OK/Up; a normal ack also clears when
// the raw state moves away from the acknowledged problem. Both honor the
// expiry timestamp. Caller holds c.mu and emits the cleared event when true
// is returned.
func (c *Checkable) expireAcknowledgementLocked(now float64, rawChanged bool) bool {
	if c.ack == types.AckNone {
		return false
	}

	clear := c.ackExpiry != 0 && now >= c.ackExpiry
	hardOK := c.state == types.ServiceOK && c.stateType == types.StateTypeHard
	switch c.ack {
	case types.AckSticky:
		clear = clear || hardOK
	case types.AckNormal:
		clear = clear || hardOK || rawChanged
	}
	if !clear {
		return false
	}

	c.ack = types.AckNone
	c.ackExpiry = 0
	return true
}
