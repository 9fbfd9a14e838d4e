// Command router serves the attested shard router.
//
// It accepts encrypted queries on /api/v1/query, fans them out to every shard
// in its pool over mutually attested channels, and merges the answers inside
// the merge enclave. Shards come from static flags or a YAML file, DNS SRV
// records, or an onchain registry, and can be managed at runtime through the
// admin API when --admin-addr is set.
//
// Example:
//
//	router --attestation-type dummy --allow-dummy-attestation --dev-enclave \
//	  --shard a=insecure-fog-view://localhost:3225 \
//	  --shard b=insecure-fog-view://localhost:3226
package main
