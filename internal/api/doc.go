// Package api hosts the control HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes; readyz asks the browser fetcher.
//   - GET /metrics for Prometheus scraping.
//   - /v1/watches for watch management, pause toggles, cloning and
//     out-of-schedule checks.
//   - POST /v1/checknow to queue every non-paused watch, optionally by tag.
//   - GET /v1/fetchers to list the registered fetch strategies.
package api
