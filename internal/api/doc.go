// Package api hosts the HTTP server, middleware, and REST handlers for the
// scheduler. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for submission, inspection, removal and schedule toggles.
//   - /v1/queue for pause, resume and stats.
//   - GET /v1/runs for run history when a RunRepository is configured.
//   - GET /v1/events streams status transitions as server-sent events.
package api
