// Package flow implements the per-operator conversation state machine:
// which input the bot is waiting for, the in-progress broadcast batch, and
// the destination selection. All transitions are keyed by principal and
// safe for concurrent dispatch.
package flow
