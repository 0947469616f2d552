// Package bitutil provides bit-level helpers for capacity math.
//
// The budget planner rounds cache and allocator capacities to power-of-two
// granularities; these helpers keep that arithmetic in one place.
package bitutil
