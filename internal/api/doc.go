// Package api hosts the HTTP server, middleware, and handlers for the job
// endpoints. Notable routes:
//   - POST /pull-data and POST /update-analysis to trigger jobs.
//   - GET /pull-status and GET /update-status for lock-free status snapshots.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
