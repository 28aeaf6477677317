// Package metric holds the plotter's Prometheus plumbing: a registry that
// components register their collectors with, the core service metrics, and an
// HTTP server exposing /metrics and /health.
//
// Components take a *MetricsRegistry in their deps struct; a nil registry
// means "no metrics" and every Record* helper on a nil *Metrics is a no-op.
package metric
