package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
)

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(log *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: log}
}

// StorageBackendFor creates a backend for a single location URI of the form
// [scheme]://[auth@]host[:port][/path][?params]. See the package
// documentation for the supported schemes.
func (sf *StorageBackendFactory) StorageBackendFor(locationURI string) (interfaces.StorageBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return sf.createFileBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "ipfs":
		return sf.createIPFSBackend(u)
	case "vault":
		return sf.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a MultiStorageBackend over every URI that yields
// a valid backend. Invalid URIs are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []string) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// file:///absolute/path or file://relative/path
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}
	return NewFileBackend(path, sf.log)
}

// s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=https://minio:9000
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	query := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return NewS3Backend(cfg, sf.log)
}

// ipfs://host:port/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(u *url.URL) (interfaces.StorageBackend, error) {
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := u.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid IPFS timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSBackend(u.Hostname(), port, u.Path, timeout, sf.log)
}

// vault://host:port/mount/path?token=...&tls=false
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	cfg := VaultConfig{
		Address: fmt.Sprintf("%s://%s", scheme, u.Host),
		Mount:   parts[0],
		Token:   query.Get("token"),
	}
	if len(parts) == 2 {
		cfg.Path = parts[1]
	}
	return NewVaultBackend(cfg, sf.log)
}
