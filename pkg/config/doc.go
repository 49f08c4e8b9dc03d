// Package config parses the YAML configuration file into declarative
// specs. Validation here is field-level only: names, enums, and numeric
// ranges, with errors naming the offending object and field. Resolving
// references between objects is the runtime's link phase, where the full
// object set exists.
package config
