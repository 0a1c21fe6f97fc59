// Package router turns raw transport updates into flow events: it gates on
// authorization and rate limits, decodes commands, menu labels and inline
// callbacks, runs handlers on a bounded worker pool behind a middleware
// chain, and renders replies with the appropriate keyboards.
package router
