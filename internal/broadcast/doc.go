// Package broadcast fans a captured message batch out to a set of
// destinations with per-destination failure isolation and an aggregate
// delivery report.
package broadcast
