// Package extcmd accepts structured admin operations: passive check
// results, acknowledgements, downtimes, comments, custom notifications,
// and reschedules. Commands arrive either as pre-split fields or in the
// classic "[<ts>] NAME;arg;arg" line format. Malformed input fails with
// ErrBadRequest and a Warning log entry; the submitter is never trusted.
package extcmd
