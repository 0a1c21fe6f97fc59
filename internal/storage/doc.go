// Package storage is the durable store behind the principal and channel
// registries, plus an audit trail of operator actions.
//
// Tables are loaded at startup and saved whole on every mutation; each save
// is atomic so a crash right after an acknowledged change never loses it.
package storage
