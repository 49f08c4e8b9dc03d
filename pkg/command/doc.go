// Package command executes check commands: plugin processes under a
// bounded worker pool, the dummy/sleep/null built-ins, remote dispatch via
// the cluster messenger, and HTTPS calls against an IFW agent. Every
// failure mode is folded into a CheckResult so the state machine and the
// notification pipeline convey it without special cases.
package command
