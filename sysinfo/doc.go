// Package sysinfo reports the live system facts the budget planner consumes:
// the process memory limit, physical memory, and the open-file-descriptor
// soft limit.
//
// The memory limit is derived once at construction from an operator spec
// (typically a percentage of physical memory) and stays fixed for the
// provider's lifetime. Facts are read-only; the package never mutates
// system state.
package sysinfo
