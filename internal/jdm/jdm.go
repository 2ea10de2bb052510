// Package jdm reads and writes the ".jdm" sidecar file a directory
// transfer leaves next to the files it copied: a small JSON manifest
// recording which service versions are present and a content hash for
// each file, so a later transfer can tell what's already up to date
// without re-reading every file's full content.
package jdm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// Filename is the sidecar's fixed name.
const Filename = ".jdm"

// zPlaceholder stands in for the document's own checksum while that
// checksum is being computed; it must be exactly as long as a real
// 8-hex-digit CRC32Q value so the substitution can happen in place
// without re-serializing.
const zPlaceholder = "DEADBEEF"

// HashPrefixSize is the number of leading bytes hashed into a
// FileEntry's SH field. Avidyne services checksum a larger prefix
// than Garmin ones.
const (
	HashPrefixSizeAvidyne = 0x8000
	HashPrefixSizeGarmin  = 0x2000
)

// MaxFullHashSize is the largest file FH is computed for; beyond this
// size FH is left empty rather than hashing the whole file on every
// transfer.
const MaxFullHashSize = 100 * 1024 * 1024

// FileEntry records one transferred file's identity and content
// hashes. Field order matches the document's own key order (see
// Document) so the on-disk JSON has a stable, sorted-looking shape.
type FileEntry struct {
	FH string `json:"fh"`
	FP string `json:"fp"`
	FS int64  `json:"fs"`
	SH string `json:"sh"`
}

// ServiceSnapshot is one transferred service's record: its catalog
// fingerprint (see catalog.ServiceGroup.Fingerprint) plus the files it put
// on disk.
type ServiceSnapshot struct {
	F               []FileEntry `json:"f"`
	ServiceCode     string      `json:"service_code"`
	UniqueServiceID string      `json:"unique_service_id"`
	Version         string      `json:"version"`
}

// Document is the full sidecar contents.
type Document struct {
	Ss  []ServiceSnapshot `json:"ss"`
	Ver string            `json:"ver"`
	Z   string            `json:"z"`
}

// DocumentVersion is the sidecar format version this package writes.
const DocumentVersion = "1.1"

// HashFile computes a FileEntry's SH (prefix hash) and FH (full-file
// hash, or "" if the file exceeds MaxFullHashSize) for a file already
// on disk at path, recorded under the sidecar-relative name fp.
func HashFile(path, fp string, prefixSize int) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, errors.Wrap(err, "opening file for hashing")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, errors.Wrap(err, "statting file for hashing")
	}

	prefix := make([]byte, prefixSize)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileEntry{}, errors.Wrap(err, "reading file prefix")
	}
	sh := checksum.CRC32Q(0, prefix[:n])

	var fh string
	if info.Size() <= MaxFullHashSize {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return FileEntry{}, errors.Wrap(err, "seeking to hash full file")
		}
		full, err := io.ReadAll(f)
		if err != nil {
			return FileEntry{}, errors.Wrap(err, "reading full file")
		}
		fh = fmt.Sprintf("%08x", checksum.CRC32Q(0, full))
	}

	return FileEntry{
		FP: fp,
		FS: info.Size(),
		SH: fmt.Sprintf("%08x", sh),
		FH: fh,
	}, nil
}

// marshalWithZ serializes doc as compact JSON with Z forced to z,
// used both to compute the real checksum (z = placeholder) and to
// recheck it later (z = the placeholder, again, for verification).
func marshalWithZ(doc Document, z string) ([]byte, error) {
	doc.Z = z
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encoding sidecar JSON")
	}
	return data, nil
}

// Marshal serializes doc to its canonical on-disk form: compact JSON
// with Z computed as the CRC32Q of the document serialized with Z set
// to the placeholder, substituted back in place afterward.
func Marshal(doc Document) ([]byte, error) {
	placeholderJSON, err := marshalWithZ(doc, zPlaceholder)
	if err != nil {
		return nil, err
	}
	crc := checksum.CRC32Q(0, placeholderJSON)
	z := fmt.Sprintf("%08x", crc)

	marker := []byte(`"` + zPlaceholder + `"`)
	replacement := []byte(`"` + z + `"`)
	if !bytes.Contains(placeholderJSON, marker) {
		return nil, errors.New("placeholder not found in serialized sidecar")
	}
	return bytes.Replace(placeholderJSON, marker, replacement, 1), nil
}

// Parse decodes a sidecar document from its on-disk JSON form. It
// does not re-verify Z; call Verify for that.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.Wrap(err, "parsing sidecar JSON")
	}
	return doc, nil
}

// Verify recomputes a parsed document's checksum the same way Marshal
// does and confirms it matches the stored Z field.
func Verify(doc Document) error {
	placeholderJSON, err := marshalWithZ(doc, zPlaceholder)
	if err != nil {
		return err
	}
	want := checksum.CRC32Q(0, placeholderJSON)
	got, err := strconv.ParseUint(doc.Z, 16, 32)
	if err != nil {
		return errors.Wrap(err, "parsing stored z field")
	}
	if uint32(got) != want {
		return &checksum.Mismatch{Expected: want, Got: uint32(got)}
	}
	return nil
}

// Save writes doc to path in its canonical form.
func Save(path string, doc Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads and parses the sidecar at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrap(err, "reading sidecar file")
	}
	return Parse(data)
}
