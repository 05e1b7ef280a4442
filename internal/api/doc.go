// Package api hosts the HTTP server, middleware and JSON handlers for the
// recipe import service. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/uploads to stage image bytes for an image job.
//   - POST /v1/jobs to submit, GET /v1/jobs to list the caller's jobs.
//   - GET /v1/jobs/{job_id} for status, POST /v1/jobs/{job_id}/cancel to stop one.
//
// Every /v1 route requires the owner header set by the authenticating proxy;
// jobs owned by someone else answer 404.
package api
