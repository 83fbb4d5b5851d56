// Package api exposes the operational HTTP surface of the crawler service:
// liveness, readiness and Prometheus metrics.
package api
