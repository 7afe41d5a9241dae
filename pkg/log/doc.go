// Package log provides structured logging for farmd built on zerolog.
//
// Call Init once at startup, then derive component loggers with
// WithComponent. Console output is the default; JSON output is intended
// for production deployments where logs are shipped.
package log
