/*
Package api holds the HTTP surface of the shard router.

Subpackages:

1. routerhandler - client-facing query and attestation endpoints
2. adminhandler - pool membership administration
3. shardapi - the attested shard protocol, both the shard-side handler and the router-side transport

# Client API

	POST /api/v1/query                      encrypted query in, merged encrypted reply out
	GET  /api/v1/attestation/{report_data}  router enclave attestation bound to 64 bytes of report data

Failed queries return a JSON ErrorResponse with status 400 (invalid request),
503 (no shard answered), 502 (merge failure) or 504 (deadline exceeded).

# Admin API

	GET    /api/admin/shards
	POST   /api/admin/shards
	DELETE /api/admin/shards/{shard_id}
	POST   /api/admin/shards/sync

# Shard API

	POST /api/v1/handshake  JSON HandshakeRequest in, HandshakeResponse out
	POST /api/v1/query      sealed payload with X-Session-Id and X-Session-Seq headers
*/
package api
