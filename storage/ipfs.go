package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// IPFSBackend stores objects in the mutable file system of an IPFS node, so
// they stay addressable by content hash while being pinned by the node.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend connects to the IPFS HTTP API at host:port. Objects are kept
// under root in the node's MFS.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	apiAddr := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiAddr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	if root == "" {
		root = "/attested-shard-router"
	}
	root = "/" + strings.Trim(root, "/")

	return &IPFSBackend{
		shell:       sh,
		apiAddr:     apiAddr,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiAddr, root, timeout),
	}, nil
}

// Fetch reads an object. Returns ErrContentNotFound if it does not exist and
// ErrBackendUnavailable if the node is down.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	p, err := b.mfsPath(id, contentType)
	if err != nil {
		return nil, err
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.apiAddr))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}

	if !id.Matches(data) {
		return nil, fmt.Errorf("IPFS object %s does not match its content id", p)
	}
	return data, nil
}

// Store writes an object under its content hash.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p, err := b.mfsPath(id, contentType)
	if err != nil {
		return id, err
	}

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err = b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS", slog.String("path", p))
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddr)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) (string, error) {
	ns, err := namespace(contentType)
	if err != nil {
		return "", err
	}
	return path.Join(b.root, ns, id.String()), nil
}
