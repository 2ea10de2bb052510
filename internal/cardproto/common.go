// Package cardproto implements the Skybound and Garmin data-card
// programmer wire protocols behind one shared ProgrammingDevice
// capability set.
package cardproto

import (
	"fmt"
	"time"
)

// CardType is a tagged variant over the two card geometries this
// module understands.
type CardType struct {
	Name         string
	SectorSize   int
	ReadSize     int
	MinWriteSize int
	MaxWriteSize int
}

var (
	NavData = CardType{Name: "NavData", SectorSize: 0x10000, ReadSize: 0x1000, MinWriteSize: 0x1000, MaxWriteSize: 0x1000}
	TAWS    = CardType{Name: "TAWS", SectorSize: 0x10800, ReadSize: 0xF800, MinWriteSize: 0x0840, MaxWriteSize: 0xFFC0}
)

// ChipInfo is what the IID table maps a (manufacturer, device) pair
// to: the card's geometry class, how many sectors each chip holds,
// and a human description for display.
type ChipInfo struct {
	CardType       CardType
	SectorsPerChip int
	Description    string
}

// iidKey is (manufacturer_id, chip_id).
type iidKey struct {
	Manufacturer byte
	Chip         byte
}

// iidTable maps chip identity to geometry, shared by both drivers —
// Skybound derives the pair from a 4-byte chip IID, Garmin from a
// 4-byte card id, but both land in the same table.
var iidTable = map[iidKey]ChipInfo{
	{0x89, 0xa2}: {NavData, 0x10, "non-WAAS (white)"},
	{0x01, 0xad}: {NavData, 0x20, "non-WAAS (green)"},
	{0x01, 0x41}: {NavData, 0x40, "WAAS (silver)"},
	{0x89, 0x7e}: {NavData, 0x40, "WAAS (orange)"},
}

// LookupIID resolves a (manufacturer, device) pair. ok is false if
// the pair isn't in the fixed table.
func LookupIID(manufacturer, device byte) (ChipInfo, bool) {
	info, ok := iidTable[iidKey{manufacturer, device}]
	return info, ok
}

// UnsupportedCard is raised when the programmer reports an IID
// combination that isn't in the fixed table, or an invalid chip
// arrangement (count < 2, or mixed chip types).
type UnsupportedCard struct {
	IIDs []uint32
}

func (e *UnsupportedCard) Error() string {
	return fmt.Sprintf("unsupported data card with chip IIDs: %s. Please file a bug!", hexIIDs(e.IIDs))
}

func hexIIDs(iids []uint32) string {
	s := "["
	for i, iid := range iids {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%08x", iid)
	}
	return s + "]"
}

// CardMissing means has_card() reported no card present.
type CardMissing struct{}

func (CardMissing) Error() string { return "data card has disappeared!" }

// WrongFirmware is returned by check_supports_write when the card's
// label requires a firmware this programmer doesn't have.
type WrongFirmware struct {
	Have, Need string
}

func (e *WrongFirmware) Error() string {
	return fmt.Sprintf("card requires firmware %q, programmer has %q", e.Need, e.Have)
}

// UnexpectedResponse is returned whenever a wire-level command's
// response doesn't match the documented shape.
type UnexpectedResponse struct {
	Got, Want []byte
}

func (e *UnexpectedResponse) Error() string {
	return fmt.Sprintf("unexpected response: got % x, want % x", e.Got, e.Want)
}

// ProgrammingDevice is the capability set shared by the Skybound and
// Garmin drivers: card presence/identity, firmware description, and
// the read/erase/write block streams.
type ProgrammingDevice interface {
	HasCard() (bool, error)
	InitDataCard() error
	FirmwareVersion() (string, error)
	FirmwareDescription() (string, error)
	ChipIIDs() ([]uint32, error)

	TotalSectors() int
	TotalSize() int
	CardType() CardType

	CheckCard() error
	CheckSupportsWrite() error

	// ReadBlocks streams num_sectors worth of blocks starting at
	// start_sector. The returned BlockReader must be drained to
	// completion or the device's before_read/begin_read session
	// never gets its matching end.
	ReadBlocks(startSector, numSectors int) BlockReader

	// EraseSectors erases num_sectors sectors starting at
	// start_sector, one at a time.
	EraseSectors(startSector, numSectors int) SectorEraser

	// WriteBlocks streams num_sectors worth of blocks from source,
	// one block at a time.
	WriteBlocks(startSector, numSectors int, source BlockSource) SectorWriter
}

// BlockReader, SectorEraser, and SectorWriter are pull-based
// iterators: each Next call performs exactly one device transaction
// and returns io.EOF-flavored termination via done.
type BlockReader interface {
	// Next returns the next block, or done=true once num_sectors *
	// blocks-per-sector blocks have been read.
	Next() (block []byte, done bool, err error)
}

type SectorEraser interface {
	Next() (done bool, err error)
}

type SectorWriter interface {
	Next() (done bool, err error)
}

// BlockSource supplies the next block of exactly n bytes to write.
type BlockSource func(n int) ([]byte, error)

// DefaultTimeout matches the USB transport's default.
const DefaultTimeout = 5 * time.Second
