// Package api hosts the read API over persisted summaries. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the record store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/articles lists summaries newest first, filtered by ?tag= and
//     paged with ?limit= and the opaque ?cursor= from the previous page.
//   - GET /v1/articles/{id} returns one summary by fingerprint.
//
// When auth is enabled the /v1 routes require the key in X-API-Key or the
// api_key query parameter.
package api
