// Package notify fans state-transition notifications out to users. A
// request passes the global and per-checkable switches, then each attached
// notification applies its own type, state, period, and reminder-interval
// gates before expanding users and groups into a concrete recipient set.
// Each surviving user gets the notification command invoked once and is
// recorded so reminders do not repeat toward them.
package notify
