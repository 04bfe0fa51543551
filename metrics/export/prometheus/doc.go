// Package prometheus renders goIdP metrics in the Prometheus text
// exposition format without depending on a client library.
//
// Counter names are goidp_*_total; the session validation histogram is
// goidp_session_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
