package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/storage"
	"github.com/stretchr/testify/require"
)

// listDir returns the object names a file backend holds for a content type.
func listDir(t *testing.T, backend *storage.FileBackend, ct interfaces.ContentType) []string {
	t.Helper()
	dir := strings.TrimPrefix(backend.LocationURI(), "file://")
	entries, err := os.ReadDir(filepath.Join(dir, ct.String()))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names
}
