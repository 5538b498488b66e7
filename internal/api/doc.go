// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/nodes and /v1/nodes/{id}/targets for node management.
//   - POST /v1/nodes/{id}/optimize for manual optimizer passes.
//   - POST /v1/jobs for mining job submission.
//   - POST /v1/crawls for launching crawls and inspecting their progress.
package api
