/*
Package httpserver hosts the service's HTTP listeners.

Server runs up to three listeners:

  - the public API, serving the registered API routes together with health
    and drain endpoints (and pprof when enabled)
  - the admin API, only when AdminListenAddr is set, serving the admin routes
  - the Prometheus metrics server, when a metrics server and MetricsAddr are set

Health endpoints:

	GET /livez        - always 200 while the process runs
	GET /readyz       - 200, or 503 after a drain
	GET /drain        - mark not ready; API routes answer 503 from now on
	GET /undrain      - mark ready again

Shutdown drains first, waits DrainDuration so load balancers notice, then
stops every listener gracefully.
*/
package httpserver
