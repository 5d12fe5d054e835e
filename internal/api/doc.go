// Package api hosts the operations HTTP server. Routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/cycles/last for the most recent cycle report.
//   - GET /v1/schedule for the scheduler state and next trigger.
//   - POST /v1/cycles/run to start a cycle outside the schedule.
package api
