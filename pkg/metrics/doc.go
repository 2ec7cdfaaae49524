// Package metrics defines Prometheus metrics for ghauth, covering
// authentication attempts, device flow polls and browser callbacks.
package metrics
