// Package logx wraps zerolog with a small, stable logging API.
//
// It exists so the rest of the codebase logs through one surface that can
// be re-pointed (console, file) at runtime without rebuilding loggers held
// by long-lived components.
package logx
