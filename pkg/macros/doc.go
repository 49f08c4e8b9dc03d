// Package macros expands $name$ and $object.path$ tokens in command lines
// and notification templates against an ordered list of resolver objects.
package macros
