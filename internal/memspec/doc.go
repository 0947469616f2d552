// Package memspec resolves operator-facing memory size specs.
//
// A spec is either an absolute byte count (optionally with a K/M/G/T unit
// suffix) or a percentage of a reference memory figure ("20%"). Percentages
// resolve against the process memory limit, falling back to physical memory
// when no limit is set. Parsing is pure: the same inputs always yield the
// same result.
package memspec
