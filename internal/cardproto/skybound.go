package cardproto

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/usbtransport"
)

// skyboundMemoryOffsets are the four physical base offsets at which
// the four possible chips on a Skybound card are addressed.
var skyboundMemoryOffsets = [4]uint16{0x00E0, 0x0160, 0x01A0, 0x01C0}

// skyboundFirmwareNames maps the firmware version string to a
// marketing name, used only for display.
var skyboundFirmwareNames = map[string]string{
	"20071203": "G2 Black",
	"20140530": "G2 Orange",
}

const (
	skyboundBlockSize      = 0x1000
	skyboundBlocksPerSector = 0x10
)

// Skybound implements ProgrammingDevice for the Skybound/Jeppesen
// flash-card programmer, a simple command-and-response protocol over
// bulk endpoints.
type Skybound struct {
	dev *usbtransport.Device

	chips          int
	sectorsPerChip int
	cardInfo       string
}

// NewSkybound wraps an already-opened, endpoint-discovered transport.
func NewSkybound(dev *usbtransport.Device) *Skybound {
	return &Skybound{dev: dev}
}

// Init turns the LED on, mirroring the Python driver's init().
func (s *Skybound) Init() error {
	return s.setLED(true)
}

// Close turns the LED off.
func (s *Skybound) Close() error {
	return s.setLED(false)
}

func (s *Skybound) setLED(on bool) error {
	if on {
		return s.dev.BulkWrite([]byte{0x12}, DefaultTimeout)
	}
	return s.dev.BulkWrite([]byte{0x13}, DefaultTimeout)
}

func (s *Skybound) HasCard() (bool, error) {
	if err := s.dev.BulkWrite([]byte{0x18}, DefaultTimeout); err != nil {
		return false, err
	}
	buf, err := s.dev.BulkRead(0x40, DefaultTimeout)
	if err != nil {
		return false, err
	}
	switch {
	case len(buf) == 1 && buf[0] == 0x00:
		return true, nil
	case len(buf) == 1 && buf[0] == 0x01:
		return false, nil
	default:
		return false, &UnexpectedResponse{Got: buf}
	}
}

func (s *Skybound) CheckCard() error {
	has, err := s.HasCard()
	if err != nil {
		return err
	}
	if !has {
		return CardMissing{}
	}
	return nil
}

// skyboundOrangeFirmware is the firmware version required to write
// orange-label (WAAS) cards.
const skyboundOrangeFirmware = "20140530"

// CheckSupportsWrite enforces that orange-label cards are only
// written by programmers running orange-label firmware.
func (s *Skybound) CheckSupportsWrite() error {
	if s.cardInfo != "WAAS (orange)" {
		return nil
	}
	version, err := s.FirmwareVersion()
	if err != nil {
		return err
	}
	if version != skyboundOrangeFirmware {
		return &WrongFirmware{Have: version, Need: skyboundOrangeFirmware}
	}
	return nil
}

func (s *Skybound) beforeRead() error  { return s.dev.BulkWrite([]byte{0x40}, DefaultTimeout) }
func (s *Skybound) beforeWrite() error { return s.dev.BulkWrite([]byte{0x42}, DefaultTimeout) }

func (s *Skybound) getIID() (uint32, error) {
	if err := s.dev.BulkWrite([]byte{0x50, 0x04}, DefaultTimeout); err != nil {
		return 0, err
	}
	buf, err := s.dev.BulkRead(0x40, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(buf) != 4 {
		return 0, &UnexpectedResponse{Got: buf}
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (s *Skybound) selectPhysicalSector(sectorID uint16) error {
	buf := []byte{0x30, 0x00, 0x00, byte(sectorID), byte(sectorID >> 8)}
	return s.dev.BulkWrite(buf, DefaultTimeout)
}

// translateSector converts a logical sector into one of the four
// physical base offsets plus an in-chip displacement.
func (s *Skybound) translateSector(sectorID int) uint16 {
	offsetIdx := sectorID / s.sectorsPerChip
	base := skyboundMemoryOffsets[offsetIdx]
	if s.sectorsPerChip > 0x20 {
		offsetFor16MB := uint16(0x200 * ((sectorID / 0x20) % 2))
		return base + uint16(sectorID%0x20) + offsetFor16MB
	}
	return base + uint16(sectorID%s.sectorsPerChip)
}

func (s *Skybound) selectSector(sectorID int) error {
	return s.selectPhysicalSector(s.translateSector(sectorID))
}

func (s *Skybound) ChipIIDs() ([]uint32, error) {
	var iids []uint32
	for _, offset := range skyboundMemoryOffsets {
		if err := s.selectPhysicalSector(offset); err != nil {
			return nil, err
		}
		if err := s.beforeRead(); err != nil {
			return nil, err
		}
		iid, err := s.getIID()
		if err != nil {
			return nil, err
		}
		if iid == 0x90009000 || iid == 0xFF00FF00 {
			break
		}
		iids = append(iids, iid)
	}
	return iids, nil
}

func (s *Skybound) InitDataCard() error {
	has, err := s.HasCard()
	if err != nil {
		return err
	}
	if !has {
		return CardMissing{}
	}

	iids, err := s.ChipIIDs()
	if err != nil {
		return err
	}
	if len(iids) == 0 {
		return errors.New("unsupported data card - possibly Terrain/Obstacles")
	}

	info, err := resolveChipSet(iids)
	if err != nil {
		return err
	}
	s.chips = len(iids)
	s.sectorsPerChip = info.SectorsPerChip
	s.cardInfo = info.Description
	return nil
}

// resolveChipSet validates a card's chip IIDs and resolves its
// geometry: at least two chips, all reporting the identical IID, and
// that IID present in the fixed table.
func resolveChipSet(iids []uint32) (ChipInfo, error) {
	if len(iids) < 2 {
		return ChipInfo{}, &UnsupportedCard{IIDs: iids}
	}

	distinct := map[uint32]bool{}
	for _, iid := range iids {
		distinct[iid] = true
	}
	if len(distinct) > 1 {
		return ChipInfo{}, &UnsupportedCard{IIDs: iids}
	}

	iid := iids[0]
	manufacturer := byte(iid >> 24)
	chip := byte(iid >> 8)

	info, ok := LookupIID(manufacturer, chip)
	if !ok {
		return ChipInfo{}, &UnsupportedCard{IIDs: iids}
	}
	return info, nil
}

func (s *Skybound) CardType() CardType { return NavData }

func (s *Skybound) TotalSectors() int { return s.chips * s.sectorsPerChip }
func (s *Skybound) TotalSize() int    { return s.TotalSectors() * NavData.SectorSize }

func (s *Skybound) FirmwareVersion() (string, error) {
	if err := s.dev.BulkWrite([]byte{0x60}, DefaultTimeout); err != nil {
		return "", err
	}
	buf, err := s.dev.BulkRead(0x40, DefaultTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

func (s *Skybound) FirmwareDescription() (string, error) {
	version, err := s.FirmwareVersion()
	if err != nil {
		return "", err
	}
	name, ok := skyboundFirmwareNames[version]
	if !ok {
		name = "unknown"
	}
	return version + " (" + name + ")", nil
}

func (s *Skybound) readBlock() ([]byte, error) {
	if err := s.dev.BulkWrite([]byte{0x28}, DefaultTimeout); err != nil {
		return nil, err
	}
	return s.dev.BulkRead(skyboundBlockSize, DefaultTimeout)
}

func (s *Skybound) writeBlock(data []byte) error {
	if len(data) != skyboundBlockSize {
		return errors.Errorf("data must be %d bytes, got %d", skyboundBlockSize, len(data))
	}

	var expected byte
	if s.sectorsPerChip == 0x10 {
		if err := s.dev.BulkWrite([]byte{0x2A, 0x03}, DefaultTimeout); err != nil {
			return err
		}
		expected = 0x80
	} else {
		if err := s.dev.BulkWrite([]byte{0x2A, 0x04}, DefaultTimeout); err != nil {
			return err
		}
		expected = data[len(data)-1]
	}

	if err := s.dev.BulkWrite(data, DefaultTimeout); err != nil {
		return err
	}
	buf, err := s.dev.BulkRead(0x40, DefaultTimeout)
	if err != nil {
		return err
	}
	if len(buf) != 4 || buf[0] != expected || buf[1] != 0 || buf[2] != 0 || buf[3] != 0 {
		return &UnexpectedResponse{Got: buf, Want: []byte{expected, 0, 0, 0}}
	}
	return nil
}

func (s *Skybound) eraseSector() error {
	var key byte
	if s.sectorsPerChip == 0x10 {
		key = 0x03
		if err := s.dev.BulkWrite([]byte{0x16}, DefaultTimeout); err != nil {
			return err
		}
	} else {
		key = 0x04
	}
	if err := s.dev.BulkWrite([]byte{0x52, key}, DefaultTimeout); err != nil {
		return err
	}
	buf, err := s.dev.BulkRead(0x40, DefaultTimeout)
	if err != nil {
		return err
	}
	if len(buf) != 1 || buf[0] != key {
		return &UnexpectedResponse{Got: buf, Want: []byte{key}}
	}
	return nil
}

// loopHelper blinks the LED on alternating iterations and verifies
// the card hasn't been pulled out mid-transfer, exactly like the
// reference driver's per-block bookkeeping.
func (s *Skybound) loopHelper(i int) error {
	if err := s.setLED(i%2 == 0); err != nil {
		return err
	}
	return s.CheckCard()
}

type skyboundBlockReader struct {
	dev            *Skybound
	sector, endSec int
	blockInSector  int
	begun          bool
}

func (s *Skybound) ReadBlocks(startSector, numSectors int) BlockReader {
	return &skyboundBlockReader{dev: s, sector: startSector, endSec: startSector + numSectors}
}

func (r *skyboundBlockReader) Next() ([]byte, bool, error) {
	if !r.begun {
		if err := r.dev.beforeRead(); err != nil {
			return nil, false, err
		}
		r.begun = true
	}
	if r.sector >= r.endSec {
		return nil, true, nil
	}
	if r.blockInSector == 0 {
		if err := r.dev.selectSector(r.sector); err != nil {
			return nil, false, err
		}
	}
	if err := r.dev.loopHelper(r.blockInSector); err != nil {
		return nil, false, err
	}
	block, err := r.dev.readBlock()
	if err != nil {
		return nil, false, err
	}
	r.blockInSector++
	if r.blockInSector == skyboundBlocksPerSector {
		r.blockInSector = 0
		r.sector++
	}
	return block, false, nil
}

type skyboundSectorEraser struct {
	dev            *Skybound
	sector, endSec int
	begun          bool
}

func (s *Skybound) EraseSectors(startSector, numSectors int) SectorEraser {
	return &skyboundSectorEraser{dev: s, sector: startSector, endSec: startSector + numSectors}
}

func (e *skyboundSectorEraser) Next() (bool, error) {
	if !e.begun {
		if err := e.dev.beforeWrite(); err != nil {
			return false, err
		}
		e.begun = true
	}
	if e.sector >= e.endSec {
		return true, nil
	}
	if err := e.dev.loopHelper(e.sector); err != nil {
		return false, err
	}
	if err := e.dev.selectSector(e.sector); err != nil {
		return false, err
	}
	if err := e.dev.eraseSector(); err != nil {
		return false, err
	}
	e.sector++
	return false, nil
}

type skyboundSectorWriter struct {
	dev            *Skybound
	sector, endSec int
	blockInSector  int
	source         BlockSource
	begun          bool
}

func (s *Skybound) WriteBlocks(startSector, numSectors int, source BlockSource) SectorWriter {
	return &skyboundSectorWriter{dev: s, sector: startSector, endSec: startSector + numSectors, source: source}
}

func (w *skyboundSectorWriter) Next() (bool, error) {
	if !w.begun {
		if err := w.dev.beforeWrite(); err != nil {
			return false, err
		}
		w.begun = true
	}
	if w.sector >= w.endSec {
		return true, nil
	}
	if w.blockInSector == 0 {
		if err := w.dev.selectSector(w.sector); err != nil {
			return false, err
		}
	}
	if err := w.dev.loopHelper(w.blockInSector); err != nil {
		return false, err
	}
	block, err := w.source(skyboundBlockSize)
	if err != nil {
		return false, err
	}
	if err := w.dev.writeBlock(block); err != nil {
		return false, err
	}
	w.blockInSector++
	if w.blockInSector == skyboundBlocksPerSector {
		w.blockInSector = 0
		w.sector++
	}
	return false, nil
}
