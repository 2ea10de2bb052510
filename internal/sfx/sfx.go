// Package sfx parses and emits Avidyne DSF self-extracting archives:
// human-readable ".dsf.txt" scripts on one side, the binary ".dsf"
// wire format on the other.
package sfx

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MagicHeader opens every binary SFX file.
var MagicHeader = []byte("!AVIDYNE_SFX!")

// MagicFooter closes every binary SFX file.
const MagicFooter uint32 = 0x03040506

const (
	Version105 = "1.05"
	Version307 = "3.07"
	Version309 = "3.09"
)

// isThreeXVersion reports whether a version string carries the 3.x
// per-section bitmask/conditional-info fields.
func isThreeXVersion(version string) bool {
	return version == Version307 || version == Version309
}

func isKnownVersion(version string) bool {
	return version == Version105 || isThreeXVersion(version)
}

// MalformedSFX is returned when a binary SFX stream fails one of its
// structural invariants (bad magic, bad padding, unexpected version or
// size). A Copy-section checksum failure is a *checksum.Mismatch.
type MalformedSFX struct {
	Reason string
}

func (e MalformedSFX) Error() string { return "malformed SFX file: " + e.Reason }

// SectionContext holds the metadata common to every section: the
// header string (prefixed with the cycle id for the first section
// only), the conditional bitmask, optional conditional info string,
// and the trailing parameter string.
type SectionContext struct {
	Header          string
	Bitmask         uint32
	ConditionalInfo *string
	Param           string
}

// SecurityContext is supplied by the caller at emit time: the
// distribution cycle, the target card's volume id, and how many
// transfers remain on it.
type SecurityContext struct {
	Cycle              string
	VolumeID           uint32
	RemainingTransfers uint32
}

// Section is one tagged block of an SFX file.
type Section interface {
	Context() *SectionContext
	Kind() byte
}

// File is the full in-memory representation of an SFX script, in
// either direction.
type File struct {
	Version  string
	Sections []Section
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "reading u32")
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "writing u32")
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "reading length-prefixed bytes")
	}
	return buf, nil
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := writeU32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return errors.Wrap(err, "writing length-prefixed bytes")
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}
