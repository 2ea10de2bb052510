package featunlk

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// SlotInfo is the parsed, verified view of one feature's 913-byte
// stride within feat_unlk.dat.
type SlotInfo struct {
	Feature    Feature
	Empty      bool
	SecurityID uint16
	VolumeID   uint32
	FileCRC    uint32
	Preview    []byte
}

// VerifySlot parses and verifies one feature slot. slotBytes must be
// exactly SlotStride bytes, as read from the feature's fixed offset.
// It checks that Content-1, Content-2, and the trailing overall CRC
// each close to zero under the feat-unlk checksum, then decodes the
// fields out of Content-1.
func VerifySlot(feature Feature, slotBytes []byte) (*SlotInfo, error) {
	if len(slotBytes) != SlotStride {
		return nil, errors.Errorf("slot must be %d bytes, got %d", SlotStride, len(slotBytes))
	}

	content1 := slotBytes[:Content1Len]
	content2 := slotBytes[Content1Len : Content1Len+Content2Len]
	overallCRC := slotBytes[Content1Len+Content2Len : Content1Len+Content2Len+4]

	if allZero(content1) {
		return &SlotInfo{Feature: feature, Empty: true}, nil
	}

	if err := checksum.VerifyFeatUnlk(content1); err != nil {
		return nil, errors.Wrap(err, "content1 failed checksum")
	}
	if err := checksum.VerifyFeatUnlk(content2); err != nil {
		return nil, errors.Wrap(err, "content2 failed checksum")
	}
	trailer := append(append([]byte{}, content2...), overallCRC...)
	if got := checksum.FeatUnlk(0, trailer); got != 0 {
		return nil, errors.Errorf("overall checksum failed: %#08x", got)
	}

	cursor := 0
	readU16 := func() uint16 {
		v := binary.LittleEndian.Uint16(content1[cursor:])
		cursor += 2
		return v
	}
	readU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(content1[cursor:])
		cursor += 4
		return v
	}

	gotMagic1 := readU16()
	if gotMagic1 != magic1 {
		return nil, errors.Errorf("unexpected magic1: %#04x", gotMagic1)
	}
	secIDField := readU16()
	securityID := uint16((int(secIDField) + secIDOffset) & 0xFFFF)

	gotMagic2 := readU32()
	if gotMagic2 != magic2 {
		return nil, errors.Errorf("unexpected magic2: %#08x", gotMagic2)
	}

	featureMask := readU32()
	if featureMask != 1<<feature.Bit {
		return nil, errors.Errorf("feature mask %#08x does not match feature bit %d", featureMask, feature.Bit)
	}

	readU32() // reserved

	volumeID := DecodeVolumeID(readU32())

	if feature.Name == Navigation.Name {
		gotMagic3 := readU16()
		if gotMagic3 != magic3 {
			return nil, errors.Errorf("unexpected magic3: %#04x", gotMagic3)
		}
	}

	fileCRC := readU32()

	preview := append([]byte(nil), content1[cursor:cursor+previewLen]...)
	cursor += previewLen
	if feature.Name != Navigation.Name && !allZero(preview) {
		return nil, errors.New("non-navigation feature carries a nonzero preview")
	}

	return &SlotInfo{
		Feature:    feature,
		SecurityID: securityID,
		VolumeID:   volumeID,
		FileCRC:    fileCRC,
		Preview:    preview,
	}, nil
}

// VerifyAgainstFile cross-checks a parsed slot against the file CRC
// and preview of the candidate feature file it should describe. It
// compares the values it is given (as CopyWithFeatUnlk returns them);
// it does not read or checksum the file itself.
func (s *SlotInfo) VerifyAgainstFile(fileCRC uint32, preview []byte) error {
	if s.Empty {
		return errors.New("slot has no content")
	}
	if s.FileCRC != fileCRC {
		return errors.Errorf("file crc mismatch: slot has %#08x, file computes to %#08x", s.FileCRC, fileCRC)
	}
	if s.Feature.Name == Navigation.Name && !bytesEqual(s.Preview, preview) {
		return errors.New("navigation preview mismatch")
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
