package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// FileBackend stores objects on the local file system, one directory per namespace.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir, creating the
// namespace directories if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, ct := range []interfaces.ContentType{interfaces.AuditEventType, interfaces.EvidenceType} {
		ns, _ := namespace(ct)
		if err := os.MkdirAll(filepath.Join(baseDir, ns), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ns, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads an object. Returns ErrContentNotFound if it was never stored.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath, err := b.filePath(id, contentType)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes an object under its content hash. Existing objects are left untouched.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	filePath, err := b.filePath(id, contentType)
	if err != nil {
		return id, err
	}

	if _, err := os.Stat(filePath); err == nil {
		return id, nil
	}

	// Write to a temporary file first so readers never observe a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return id, nil
}

// Available reports whether the base directory is still present.
func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	return err == nil && info.IsDir()
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", b.baseDir)
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) (string, error) {
	ns, err := namespace(contentType)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, ns, id.String()), nil
}
