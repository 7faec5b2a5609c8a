package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIP(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"gemeinden.shp": "shp",
		"gemeinden.dbf": "dbf",
		"doc/readme.txt": "read me",
	})

	dest := t.TempDir()
	paths, err := ExtractZIP(zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	data, err := os.ReadFile(filepath.Join(dest, "doc", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "read me", string(data))

	shp, err := FindByExt(paths, ".SHP")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "gemeinden.shp"), shp)

	_, err = FindByExt(paths, ".prj")
	assert.Error(t, err)
}

func TestExtractZIP_ZipSlip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../evil.txt": "x"})
	_, err := ExtractZIP(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")
}

func TestExtractZIP_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := ExtractZIP(path, t.TempDir())
	assert.Error(t, err)
}

func TestOpenEntry(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"feed/routes.txt": "route_id,route_type\n"})
	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	rc, err := OpenEntry(&r.Reader, "routes.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "route_id,route_type\n", string(data))

	_, err = OpenEntry(&r.Reader, "stops.txt")
	assert.Error(t, err)
}
