// Package checkable implements the host/service state machine.
//
// A Checkable is the common record behind Host and Service: check schedule,
// soft/hard state transitions, flap detection over the last 20 results,
// acknowledgement lifecycle, comments and downtimes. Processing one check
// result walks a fixed sequence:
//
//	validate -> apply state transition -> update timestamps -> record flap
//	bit -> expire acknowledgement -> update downtimes -> advance schedule
//	-> emit events and notification requests
//
// Results for the same checkable apply strictly in submission order.
// Events and notification requests fire after the transition has committed,
// so a subscriber never observes a half-applied result.
package checkable
