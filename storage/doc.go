// Package storage persists the router's audit trail in content-addressed
// backends.
//
// Every object is keyed by the SHA-256 of its bytes and filed under a
// namespace derived from its interfaces.ContentType: serialized audit events
// go under "audit", raw attestation evidence referenced by those events goes
// under "evidence". Storing the same bytes twice is a no-op that yields the
// same ContentID.
//
// Backends are selected by URI:
//
//	file:///var/lib/router/audit
//	s3://[KEY:SECRET@]bucket/prefix?region=us-east-1[&endpoint=http://minio:9000]
//	ipfs://localhost:5001/?timeout=30s
//	vault://vault.internal:8200/secret/router[?token=...&tls=false]
//
// Several URIs can be combined with StorageBackendFactory.CreateMultiBackend,
// which writes to every available backend and reads from the first one that
// has the object.
package storage

import (
	"fmt"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// namespace returns the directory-like prefix objects of the given type are stored under.
func namespace(contentType interfaces.ContentType) (string, error) {
	switch contentType {
	case interfaces.AuditEventType, interfaces.EvidenceType:
		return contentType.String(), nil
	default:
		return "", fmt.Errorf("unsupported content type: %d", contentType)
	}
}
