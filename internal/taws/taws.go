// Package taws lays out TAWS (Terrain Awareness and Warning System)
// data-card images: physical sectors addressed through a bad-sector
// skip list, each block trailed by a footer carrying the block's
// logical index and a page-size-specific checksum.
package taws

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// SectorSize is the physical erase/addressing unit of a TAWS card.
const SectorSize = 0x10800

// Page size and footer size for the two known TAWS image layouts.
const (
	BlockSize512   = 0x200
	FooterSize512  = 0x10
	BlockSize2048  = 0x800
	FooterSize2048 = 0x40
)

// OffsetSerial is the byte offset of the little-endian u32 serial
// number within the image's first logical block.
const OffsetSerial = 0x01f6

// badBlockIndex marks an unused slot in a physical block's footer:
// the block at that physical position was never written.
const badBlockIndex = 0xffffffff

// UnexpectedSectorCount reports a physical image whose size doesn't
// correspond to either known TAWS card geometry.
type UnexpectedSectorCount struct {
	Sectors int
}

func (e UnexpectedSectorCount) Error() string {
	return fmt.Sprintf("unexpected number of sectors: %d", e.Sectors)
}

// Layout describes the block/footer geometry of a TAWS image, derived
// from its total physical sector count.
type Layout struct {
	BlockSize       int
	FooterSize      int
	BlocksPerSector int
}

// GuessLayout picks the block/footer geometry for a physical image
// from its sector count. The two known geometries are fixed by card
// hardware: 4096 sectors use 2048-byte pages, 1985 sectors use
// 512-byte pages. Any other sector count is a card this package
// doesn't know how to lay out.
func GuessLayout(sectorCount int) (Layout, error) {
	var blockSize, footerSize int
	switch sectorCount {
	case 0x1000:
		blockSize, footerSize = BlockSize2048, FooterSize2048
	case 0x7c1:
		blockSize, footerSize = BlockSize512, FooterSize512
	default:
		return Layout{}, UnexpectedSectorCount{Sectors: sectorCount}
	}
	if SectorSize%(blockSize+footerSize) != 0 {
		return Layout{}, errors.Errorf("sector size %#x not a multiple of block+footer %#x", SectorSize, blockSize+footerSize)
	}
	return Layout{
		BlockSize:       blockSize,
		FooterSize:      footerSize,
		BlocksPerSector: SectorSize / (blockSize + footerSize),
	}, nil
}

// LayoutForSize is a convenience wrapper over GuessLayout that derives
// the sector count from a physical image's byte size.
func LayoutForSize(imageSize int64) (Layout, error) {
	return GuessLayout(int(imageSize / SectorSize))
}

// ParseBadSectors reads the bad-block table (the second logical
// block, conventionally called "xblk") and expands it into the list
// of bad physical sector numbers it names. The table layout is a
// little-endian u16 count at byte 6, followed by that many u16
// block IDs starting at byte 8.
//
// For 2048-byte-page images each ID names a block pair, so it expands
// to two consecutive bad sectors (2*id, 2*id+1). For 512-byte-page
// images each ID is a multiple of 4 naming a single bad sector
// (id/4).
func ParseBadSectors(xblk []byte, blockSize int) ([]int, error) {
	if len(xblk) < 8 {
		return nil, errors.New("bad-block table is too short")
	}
	count := int(binary.LittleEndian.Uint16(xblk[6:8]))
	need := 8 + count*2
	if len(xblk) < need {
		return nil, errors.Errorf("bad-block table truncated: need %d bytes, got %d", need, len(xblk))
	}

	var badSectors []int
	for i := 0; i < count; i++ {
		id := int(binary.LittleEndian.Uint16(xblk[8+2*i : 10+2*i]))
		if blockSize == BlockSize2048 {
			badSectors = append(badSectors, 2*id, 2*id+1)
		} else {
			if id%4 != 0 {
				return nil, errors.Errorf("bad-block id %d is not a multiple of 4", id)
			}
			badSectors = append(badSectors, id/4)
		}
	}
	return badSectors, nil
}

// LogicalToPhysical translates a logical sector number to its
// physical position given an ascending list of bad physical sectors:
// walking the bad list in order, each bad sector at or before the
// running sector number bumps it by one. badSectors must already be
// sorted ascending.
func LogicalToPhysical(badSectors []int, logical int) int {
	sector := logical
	for _, bad := range badSectors {
		if bad > sector {
			break
		}
		sector++
	}
	return sector
}

// ParseSerial reads the little-endian u32 serial number out of a
// TAWS image's first logical block.
func ParseSerial(header []byte) (uint32, error) {
	if len(header) < OffsetSerial+4 {
		return 0, errors.New("header is too short to contain a serial number")
	}
	return binary.LittleEndian.Uint32(header[OffsetSerial : OffsetSerial+4]), nil
}

// WriteSerial returns a copy of header with the serial number field
// overwritten, leaving every other byte untouched.
func WriteSerial(header []byte, serial uint32) []byte {
	out := append([]byte(nil), header...)
	binary.LittleEndian.PutUint32(out[OffsetSerial:OffsetSerial+4], serial)
	return out
}

// BuildFooter constructs the footer for one physical block: a
// little-endian u32 logical index, zero-padded to footerSize-4,
// followed by the page-size-specific checksum(s).
//
// For the 512-byte layout the footer carries two checksums: a
// CRC-16/MCRF4XX over (data, index+padding), then the datablock
// checksum over (data, footer-so-far). For the 2048-byte layout it's
// a single 32-bit datablock checksum over (data, index+padding).
func BuildFooter(data []byte, logicalIndex uint32, footerSize int) ([]byte, error) {
	footer := make([]byte, 0, footerSize)
	footer = binary.LittleEndian.AppendUint32(footer, logicalIndex)
	for len(footer) < footerSize-4 {
		footer = append(footer, 0)
	}

	switch footerSize {
	case FooterSize512:
		mcrf := checksum.TAWSMcrf4xx(data, checksum.TAWSMcrf4xxDefaultSeed)
		mcrf = checksum.TAWSMcrf4xx(footer, mcrf)
		footer = binary.LittleEndian.AppendUint16(footer, mcrf)
		blockCRC := checksum.TAWSDatablock512(data, footer)
		footer = binary.LittleEndian.AppendUint16(footer, blockCRC)
	case FooterSize2048:
		blockCRC := checksum.TAWSDatablock2048(data, footer)
		footer = binary.LittleEndian.AppendUint32(footer, blockCRC)
	default:
		return nil, errors.Errorf("unsupported footer size %d", footerSize)
	}
	if len(footer) != footerSize {
		return nil, errors.Errorf("built footer of length %d, want %d", len(footer), footerSize)
	}
	return footer, nil
}

// VerifyBlock recomputes a physical block's footer checksum(s) and
// confirms them against the stored values. footer must be the full
// footer including its trailing checksum field(s).
func VerifyBlock(data, footer []byte) error {
	switch len(data) {
	case BlockSize2048:
		want := binary.LittleEndian.Uint32(footer[len(footer)-4:])
		got := checksum.TAWSDatablock2048(data, footer[:len(footer)-4])
		if got != want {
			return &checksum.Mismatch{Expected: want, Got: got}
		}
	case BlockSize512:
		want := binary.LittleEndian.Uint16(footer[len(footer)-2:])
		got := checksum.TAWSDatablock512(data, footer[:len(footer)-2])
		if uint16(got) != want {
			return &checksum.Mismatch{Expected: uint32(want), Got: uint32(got)}
		}

		crc := checksum.TAWSMcrf4xx(data, checksum.TAWSMcrf4xxDefaultSeed)
		crc = checksum.TAWSMcrf4xx(footer[:len(footer)-2], crc)
		if crc != 0 {
			return errors.Errorf("mcrf4xx checksum did not close to zero: %#04x", crc)
		}
	default:
		return errors.Errorf("unexpected data block length %d", len(data))
	}
	return nil
}

// ParseFooterIndex reads a footer's logical-index field. A stored
// index of 0xffffffff marks a physical block that was never written;
// the returned ok is false in that case. Otherwise the top byte is
// masked off before comparing against an expected running index, per
// the image format.
func ParseFooterIndex(footer []byte) (index uint32, ok bool) {
	raw := binary.LittleEndian.Uint32(footer[:4])
	if raw == badBlockIndex {
		return 0, false
	}
	return raw & 0x00ffffff, true
}

// ExtractLogical reads a physical TAWS image and writes out the
// logical image it encodes: logical sectors are mapped past the bad
// sectors named in the bad-block table, and each sector's blocks are
// copied verbatim in logical order. A block whose footer marks it
// unwritten is skipped, and the walk goes on with the next block.
func ExtractLogical(dest io.Writer, src io.ReaderAt, imageSize int64) ([]int, error) {
	layout, err := LayoutForSize(imageSize)
	if err != nil {
		return nil, err
	}
	sectorCount := int(imageSize / SectorSize)

	xblk := make([]byte, layout.BlockSize)
	if _, err := src.ReadAt(xblk, int64(layout.BlockSize+layout.FooterSize)); err != nil {
		return nil, errors.Wrap(err, "reading bad-block table")
	}
	badSectors, err := ParseBadSectors(xblk, layout.BlockSize)
	if err != nil {
		return nil, err
	}

	goodSectorCount := sectorCount - len(badSectors)
	data := make([]byte, layout.BlockSize)
	footer := make([]byte, layout.FooterSize)

	for logicalSector := 0; logicalSector < goodSectorCount; logicalSector++ {
		physicalSector := LogicalToPhysical(badSectors, logicalSector)
		if physicalSector > sectorCount {
			return nil, errors.Errorf("physical sector %d exceeds image size (%d sectors)", physicalSector, sectorCount)
		}

		base := int64(physicalSector) * SectorSize
		for blockIdx := 0; blockIdx < layout.BlocksPerSector; blockIdx++ {
			offset := base + int64(blockIdx*(layout.BlockSize+layout.FooterSize))
			if _, err := src.ReadAt(data, offset); err != nil {
				return nil, errors.Wrapf(err, "reading block at physical sector %d", physicalSector)
			}
			if _, err := src.ReadAt(footer, offset+int64(layout.BlockSize)); err != nil {
				return nil, errors.Wrapf(err, "reading footer at physical sector %d", physicalSector)
			}

			currentIdx := physicalSector*layout.BlocksPerSector + blockIdx
			idx, ok := ParseFooterIndex(footer)
			if !ok {
				continue
			}
			if int(idx) != currentIdx {
				return nil, errors.Errorf("unexpected logical index %#x (expected %#x)", idx, currentIdx)
			}

			if _, err := dest.Write(data); err != nil {
				return nil, errors.Wrap(err, "writing logical block")
			}
		}
	}

	return badSectors, nil
}

// BuildImage writes a logical payload into a physical TAWS image,
// starting at startingLogicalSector, translating each logical sector
// through the existing image's bad-block table (read from dest,
// which must already contain a valid header and bad-block table).
func BuildImage(dest io.WriterAt, src io.Reader, imageSize int64, startingLogicalSector int) error {
	layout, err := LayoutForSize(imageSize)
	if err != nil {
		return err
	}
	sectorCount := int(imageSize / SectorSize)

	xblk := make([]byte, layout.BlockSize)
	xblkOffset := int64(layout.BlockSize + layout.FooterSize)
	xblkReader, ok := dest.(io.ReaderAt)
	if !ok {
		return errors.New("dest must support ReadAt to recover the bad-block table")
	}
	if _, err := xblkReader.ReadAt(xblk, xblkOffset); err != nil {
		return errors.Wrap(err, "reading bad-block table")
	}
	badSectors, err := ParseBadSectors(xblk, layout.BlockSize)
	if err != nil {
		return err
	}

	currentIdx := -1
	blockInSector := 0
	physicalSector := 0
	blockNum := 0

	for {
		data := make([]byte, layout.BlockSize)
		n, readErr := io.ReadFull(src, data)
		if n == 0 && readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return errors.Wrap(readErr, "reading logical payload")
		}
		for i := n; i < layout.BlockSize; i++ {
			data[i] = 0xff
		}

		if blockNum%layout.BlocksPerSector == 0 {
			logicalSector := startingLogicalSector + blockNum/layout.BlocksPerSector
			physicalSector = LogicalToPhysical(badSectors, logicalSector)
			if physicalSector > sectorCount {
				return errors.New("logical payload does not fit in the image")
			}
			currentIdx = physicalSector * layout.BlocksPerSector
			blockInSector = 0
		}

		offset := int64(physicalSector)*SectorSize + int64(blockInSector*(layout.BlockSize+layout.FooterSize))
		if _, err := dest.WriteAt(data, offset); err != nil {
			return errors.Wrap(err, "writing logical block")
		}

		footer, err := BuildFooter(data, uint32(currentIdx), layout.FooterSize)
		if err != nil {
			return err
		}
		if _, err := dest.WriteAt(footer, offset+int64(layout.BlockSize)); err != nil {
			return errors.Wrap(err, "writing footer")
		}

		currentIdx++
		blockInSector++
		blockNum++

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	return nil
}
