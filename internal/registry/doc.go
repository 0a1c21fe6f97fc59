// Package registry holds the two durable operator registries: the
// principal registry (owner + delegated admins) and the per-principal
// channel registry. Both follow a load-mutate-persist discipline under a
// single writer lock; a failed persist rolls the mutation back.
package registry
