/*
Package log provides structured logging for Argus using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Str("object", "web1!http").Msg("Check finished")

	checkLog := log.WithService("web1", "http")
	checkLog.Warn().Msg("Skipping check for object 'web1!http': Dependency failed")

# Integration Points

Every engine component logs through this package: the scheduler logs
admission decisions, the checkable state machine logs state transitions, the
cluster messenger logs connect/disconnect and send failures, and the
notification engine logs fan-out results. Log lines that the test suite
asserts on (skip reasons, "Executing check", "Check finished") are emitted at
the severity given in the scheduler's admission table.
*/
package log
