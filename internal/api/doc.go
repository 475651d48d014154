// Package api hosts the operations HTTP server. Routes:
//   - GET /healthz reports liveness, the degraded flag and the last recovery
//     sweep.
//   - GET /readyz pings the record store and lane backend.
//   - GET /metrics serves Prometheus collectors.
//   - GET /v1/stats and GET /v1/jobs/{job_id} expose queue and job state.
package api
