package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, discardLog)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(dir, "audit"))
	assert.DirExists(t, filepath.Join(dir, "evidence"))
	assert.True(t, backend.Available(context.Background()))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	event := []byte(`{"kind":"tampered"}`)
	id, err := backend.Store(context.Background(), event, interfaces.AuditEventType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(event), id)
	assert.FileExists(t, filepath.Join(dir, "audit", id.String()))

	again, err := backend.Store(context.Background(), event, interfaces.AuditEventType)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := backend.Fetch(context.Background(), id, interfaces.AuditEventType)
	require.NoError(t, err)
	assert.Equal(t, event, got)

	// Namespaces are separate.
	_, err = backend.Fetch(context.Background(), id, interfaces.EvidenceType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Store(context.Background(), event, interfaces.ContentType(42))
	assert.Error(t, err)

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, backend.Available(context.Background()))
}

func TestFactory(t *testing.T) {
	factory := NewStorageBackendFactory(discardLog)
	dir := t.TempDir()

	backend, err := factory.StorageBackendFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.StorageBackendFor("s3://KEY:SECRET@audit-bucket/router?region=eu-west-1&endpoint=http://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "s3://KEY:***@audit-bucket/router?region=eu-west-1&endpoint=http://localhost:9000", backend.LocationURI())

	backend, err = factory.StorageBackendFor("ipfs://localhost/audit?timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "ipfs-localhost:5001", backend.Name())

	backend, err = factory.StorageBackendFor("vault://vault.internal:8200/secret/router?token=t&tls=false")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-router", backend.Name())

	for _, uri := range []string{
		"ftp://example.com/audit",
		"vault://vault.internal:8200/",
		"ipfs://localhost:5001/?timeout=soon",
		"file://",
	} {
		_, err := factory.StorageBackendFor(uri)
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI, uri)
	}

	multi, err := factory.CreateMultiBackend([]string{"ftp://nope", "file://" + dir})
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+dir+"]", multi.LocationURI())

	_, err = factory.CreateMultiBackend([]string{"ftp://nope"})
	assert.Error(t, err)
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all available", []bool{true, true}, true},
		{"some available", []bool{false, true, false}, true},
		{"none available", []bool{false, false}, false},
		{"no backends", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for _, available := range tt.backends {
				m := &MockStorageBackend{name: "mock"}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, discardLog)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	data := []byte("evidence")
	id := interfaces.ComputeID(data)
	failure := errors.New("connection reset")

	tests := []struct {
		name      string
		setup     func(a, b *MockStorageBackend)
		expected  []byte
		expectErr error
	}{
		{
			name: "first backend has it",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(data, nil)
			},
			expected: data,
		},
		{
			name: "falls back after failure",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(nil, failure)
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(data, nil)
			},
			expected: data,
		},
		{
			name: "skips unavailable",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(false)
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(data, nil)
			},
			expected: data,
		},
		{
			name: "missing everywhere",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(nil, interfaces.ErrContentNotFound)
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(nil, interfaces.ErrContentNotFound)
			},
			expectErr: interfaces.ErrContentNotFound,
		},
		{
			name: "mixed failures",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(nil, interfaces.ErrContentNotFound)
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, id, interfaces.EvidenceType).Return(nil, failure)
			},
			expectErr: failure,
		},
		{
			name: "nothing available",
			setup: func(a, b *MockStorageBackend) {
				a.On("Available", mock.Anything).Return(false)
				b.On("Available", mock.Anything).Return(false)
			},
			expectErr: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := &MockStorageBackend{name: "a"}, &MockStorageBackend{name: "b"}
			tt.setup(a, b)

			multi := NewMultiStorageBackend([]interfaces.StorageBackend{a, b}, discardLog)
			got, err := multi.Fetch(context.Background(), id, interfaces.EvidenceType)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)

			a.AssertExpectations(t)
			b.AssertExpectations(t)
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	first, err := NewFileBackend(t.TempDir(), discardLog)
	require.NoError(t, err)
	second, err := NewFileBackend(t.TempDir(), discardLog)
	require.NoError(t, err)

	broken := &MockStorageBackend{name: "broken"}
	broken.On("Available", mock.Anything).Return(true)
	broken.On("Store", mock.Anything, mock.Anything, interfaces.AuditEventType).Return(interfaces.ContentID{}, errors.New("disk full"))

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{broken, first, second}, discardLog)

	data := []byte(`{"kind":"attestation_rejected"}`)
	id, err := multi.Store(context.Background(), data, interfaces.AuditEventType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	for _, b := range []*FileBackend{first, second} {
		got, err := b.Fetch(context.Background(), id, interfaces.AuditEventType)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	got, err := multi.Fetch(context.Background(), id, interfaces.AuditEventType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	down := &MockStorageBackend{name: "down"}
	down.On("Available", mock.Anything).Return(false)
	onlyBroken := NewMultiStorageBackend([]interfaces.StorageBackend{broken, down}, discardLog)
	_, err = onlyBroken.Store(context.Background(), data, interfaces.AuditEventType)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}
