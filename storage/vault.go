package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// VaultConfig describes a KV v2 mount in HashiCorp Vault.
type VaultConfig struct {
	// Address of the Vault server, e.g. https://vault.example.com:8200.
	Address string
	// Mount is the KV v2 mount path, e.g. "secret".
	Mount string
	// Path is the prefix within the mount.
	Path string
	// Token authenticates the router. Falls back to VAULT_TOKEN when empty.
	Token   string
	Timeout time.Duration
}

// VaultBackend stores objects as KV v2 secrets. Evidence can carry details of
// the shard fleet's hardware, which some deployments prefer to keep out of
// general-purpose object storage.
type VaultBackend struct {
	client      *api.Client
	mount       string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend using token authentication.
func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: cfg.Timeout}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	dataPath := strings.Trim(cfg.Path, "/")

	return &VaultBackend{
		client:      client,
		mount:       mount,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mount, dataPath),
	}, nil
}

// Fetch reads an object. Returns ErrContentNotFound if no secret exists at its path.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	path, err := b.secretPath(id, contentType)
	if err != nil {
		return nil, err
	}

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	return decoded, nil
}

// Store writes an object under its content hash.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)

	path, err := b.secretPath(id, contentType)
	if err != nil {
		return id, err
	}

	_, err = b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mount, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) (string, error) {
	ns, err := namespace(contentType)
	if err != nil {
		return "", err
	}
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s/%s", b.mount, ns, id), nil
	}
	return fmt.Sprintf("%s/data/%s/%s/%s", b.mount, b.dataPath, ns, id), nil
}
