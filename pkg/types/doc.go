/*
Package types defines the core value types shared across the Argus engine:
state codes, state types, acknowledgement kinds, filter bitmasks, check
results, and command descriptions.

The package holds plain data with no behavior beyond small pure helpers, so
every other package can depend on it without cycles. Checkable state itself
lives in pkg/checkable; cluster identities live in pkg/cluster.
*/
package types
