package jdm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Document {
	return Document{
		Ver: DocumentVersion,
		Ss: []ServiceSnapshot{
			{
				UniqueServiceID: "123",
				ServiceCode:     "NAVDATA",
				Version:         "2501",
				F: []FileEntry{
					{FP: "dgrw.txt", FS: 1234, SH: "deadbeef", FH: "cafef00d"},
				},
			},
		},
	}
}

func TestMarshalThenVerify(t *testing.T) {
	data, err := Marshal(sampleDoc())
	require.NoError(t, err)

	doc, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, Verify(doc))

	assert.Len(t, doc.Z, 8)
	assert.NotEqual(t, zPlaceholder, doc.Z)
}

func TestVerifyDetectsTamperedZ(t *testing.T) {
	data, err := Marshal(sampleDoc())
	require.NoError(t, err)

	doc, err := Parse(data)
	require.NoError(t, err)

	doc.Z = "00000000"
	assert.Error(t, Verify(doc))
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)
	require.NoError(t, Save(path, sampleDoc()))

	doc, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Verify(doc))
	assert.Equal(t, "NAVDATA", doc.Ss[0].ServiceCode)
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello world, this is test content for hashing")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	entry, err := HashFile(path, "data.bin", HashPrefixSizeGarmin)
	require.NoError(t, err)
	assert.Equal(t, "data.bin", entry.FP)
	assert.Equal(t, int64(len(content)), entry.FS)
	assert.NotEmpty(t, entry.SH)
	assert.NotEmpty(t, entry.FH)
}
