// Package metrics exposes the dispatcher's Prometheus collectors and the
// /metrics handler. Collectors are package-level and registered at init so
// any component can record without plumbing.
package metrics
