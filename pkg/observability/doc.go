// Package observability provides the ambient concerns shared by every trove
// component: structured JSON logging on top of slog, Prometheus metrics for
// storage and access-control activity, and HTTP health probes for the server
// binary.
//
// Components receive a *Logger and *Metrics by injection; nothing in this
// package is a process-wide mutable singleton.
package observability
