package aviutil

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestExtractDatabase(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "db.zip")
	buildZip(t, zipPath, map[string]string{
		`Garmin\dgrw.txt`: "navdata",
		"notes.txt":       "hello",
	})

	dest := t.TempDir()
	written, err := ExtractDatabase(zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	content, err := os.ReadFile(filepath.Join(dest, "Garmin", "dgrw.txt"))
	require.NoError(t, err)
	assert.Equal(t, "navdata", string(content))

	content, err = os.ReadFile(filepath.Join(dest, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestCopySFFs(t *testing.T) {
	src := t.TempDir()
	sffPath := filepath.Join(src, "a.sff")
	require.NoError(t, os.WriteFile(sffPath, []byte("sff-data"), 0o644))

	dest := t.TempDir()
	copied, err := CopySFFs([]string{sffPath}, dest)
	require.NoError(t, err)
	require.Len(t, copied, 1)

	content, err := os.ReadFile(copied[0])
	require.NoError(t, err)
	assert.Equal(t, "sff-data", string(content))
}

func TestPlaceFeatureKey(t *testing.T) {
	src := t.TempDir()
	keyPath := filepath.Join(src, "grm_feat_key.zip")
	require.NoError(t, os.WriteFile(keyPath, []byte("key-data"), 0o644))

	dest := t.TempDir()
	target, err := PlaceFeatureKey(keyPath, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, LdrSysDir, FeatureKeyName), target)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "key-data", string(content))
}

func TestNeedsFeatureKey(t *testing.T) {
	assert.True(t, NeedsFeatureKey("feat_unlk.dat"))
	assert.False(t, NeedsFeatureKey("navdata_2501.zip"))
}
