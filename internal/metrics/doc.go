// Package metrics defines the Prometheus metrics exported by the voice pipeline.
package metrics
