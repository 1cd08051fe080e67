// Package metrics defines and registers the Prometheus collectors for the
// control plane and exposes them over HTTP alongside health and readiness
// endpoints. All collectors are package-level and registered at init, so
// any package can instrument without setup. Gather flattens the default
// registry into metric points for streaming clients.
package metrics
