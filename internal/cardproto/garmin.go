package cardproto

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/dimaryaz/jdmtool/internal/usbtransport"
)

// garminNoCardIDs are the two sentinel card ids the reader reports
// when no data card is inserted, across two hardware generations.
var garminNoCardIDs = map[uint32]bool{
	0x00697641: true, // "newer" 010-10579-20
	0x00090304: true, // "older" 011-01277-00
}

// Garmin implements ProgrammingDevice over Garmin's control-transfer
// protocol, used by both the NavData and TAWS G1000 programmers.
type Garmin struct {
	dev *usbtransport.Device

	firmware string
	cardType CardType

	chips          int
	sectorsPerChip int
	cardInfo       string
}

func NewGarmin(dev *usbtransport.Device) *Garmin {
	return &Garmin{dev: dev, cardType: NavData}
}

// Init reads and caches the firmware version string, as the
// reference driver does on device open.
func (g *Garmin) Init() error {
	buf, err := g.dev.ControlRead(0xC0, 0x8A, 0x0000, 0x0000, 512, DefaultTimeout)
	if err != nil {
		return err
	}
	g.firmware = strings.TrimRight(string(buf), "\x00")
	return nil
}

// Close is a no-op for Garmin devices.
func (g *Garmin) Close() error { return nil }

func (g *Garmin) getCardID() (uint32, error) {
	buf, err := g.dev.ControlRead(0xC0, 0x82, 0x0000, 0x0000, 4, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(buf) != 4 {
		return 0, &UnexpectedResponse{Got: buf}
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (g *Garmin) HasCard() (bool, error) {
	id, err := g.getCardID()
	if err != nil {
		return false, err
	}
	return !garminNoCardIDs[id], nil
}

func (g *Garmin) CheckCard() error {
	has, err := g.HasCard()
	if err != nil {
		return err
	}
	if !has {
		return CardMissing{}
	}
	return nil
}

// CheckSupportsWrite is always satisfied for Garmin: there's no
// orange/green firmware distinction on this driver.
func (g *Garmin) CheckSupportsWrite() error { return nil }

func (g *Garmin) ChipIIDs() ([]uint32, error) {
	id, err := g.getCardID()
	if err != nil {
		return nil, err
	}
	return []uint32{id}, nil
}

func (g *Garmin) InitDataCard() error {
	cardID, err := g.getCardID()
	if err != nil {
		return err
	}
	if garminNoCardIDs[cardID] {
		return CardMissing{}
	}

	g.chips = int((cardID & 0x00ff0000) >> 16)
	manufacturer := byte(cardID & 0xff)
	chip := byte((cardID & 0x0000ff00) >> 8)

	info, ok := LookupIID(manufacturer, chip)
	if !ok {
		return &UnsupportedCard{IIDs: []uint32{cardID}}
	}
	g.cardType = info.CardType
	g.sectorsPerChip = info.SectorsPerChip
	g.cardInfo = info.Description

	if err := g.endRead(); err != nil {
		return err
	}
	return g.endWrite()
}

func (g *Garmin) CardType() CardType { return g.cardType }
func (g *Garmin) TotalSectors() int  { return g.chips * g.sectorsPerChip }
func (g *Garmin) TotalSize() int     { return g.TotalSectors() * g.cardType.SectorSize }

func (g *Garmin) FirmwareVersion() (string, error)     { return g.firmware, nil }
func (g *Garmin) FirmwareDescription() (string, error) { return g.firmware, nil }

func be16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// beginErase arms a multi-sector erase. The "unknown" fields are
// faithfully reproduced from the reference tool but their effect (if
// any) isn't documented upstream either.
func (g *Garmin) beginErase(startSector, sectorCount int) error {
	if err := g.CheckCard(); err != nil {
		return err
	}

	var unknown1, unknown2 uint16 = 0, 1
	if g.cardType == TAWS {
		unknown1, unknown2 = 3, 2
	}

	buf := bytes.Join([][]byte{
		be16(unknown1), be16(uint16(startSector)), {0, 0, 0, 0},
		be16(uint16(sectorCount)), be16(unknown2), {0, 0},
	}, nil)
	return g.dev.ControlWrite(0x40, 0x85, 0x0000, 0x0000, buf, DefaultTimeout)
}

func (g *Garmin) beginWrite(startSector int) error {
	if err := g.CheckCard(); err != nil {
		return err
	}

	var unknown1, unknown2 uint16 = 4, 0
	if g.cardType == TAWS {
		unknown1, unknown2 = 5, 8
	}

	buf := bytes.Join([][]byte{
		be16(unknown1), be16(uint16(startSector)), be16(0), {0, 0}, be16(unknown2),
	}, nil)
	return g.dev.ControlWrite(0x40, 0x86, 0x0000, 0x0000, buf, DefaultTimeout)
}

func (g *Garmin) endWrite() error {
	return g.dev.ControlWrite(0x40, 0x87, 0x0000, 0x0000, nil, DefaultTimeout)
}

func (g *Garmin) beginRead(startSector int) error {
	if err := g.CheckCard(); err != nil {
		return err
	}

	var unknown uint16 = 4
	if g.cardType == TAWS {
		unknown = 0
	}

	buf := bytes.Join([][]byte{
		be16(unknown), be16(uint16(startSector)), be16(0), {0, 0, 0, 0},
	}, nil)
	return g.dev.ControlWrite(0x40, 0x81, 0x0000, 0x0000, buf, DefaultTimeout)
}

func (g *Garmin) endRead() error {
	return g.dev.ControlWrite(0x40, 0x83, 0x0000, 0x0000, nil, DefaultTimeout)
}

type garminBlockReader struct {
	dev         *Garmin
	startSector int
	remaining   int
	begun       bool
	err         error
}

func (g *Garmin) ReadBlocks(startSector, numSectors int) BlockReader {
	return &garminBlockReader{
		dev:         g,
		startSector: startSector,
		remaining:   numSectors * g.cardType.SectorSize,
	}
}

func (r *garminBlockReader) Next() ([]byte, bool, error) {
	if r.err != nil {
		return nil, false, r.err
	}
	if !r.begun {
		if err := r.dev.beginRead(r.startSector); err != nil {
			return nil, false, err
		}
		r.begun = true
	}
	if r.remaining <= 0 {
		if err := r.dev.endRead(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	blockSize := r.dev.cardType.ReadSize
	block, err := r.dev.dev.BulkRead(blockSize, DefaultTimeout)
	if err != nil {
		r.err = err
		_ = r.dev.endRead()
		return nil, false, err
	}
	n := blockSize
	if r.remaining < n {
		n = r.remaining
	}
	r.remaining -= blockSize
	return block[:min(n, len(block))], false, nil
}

type garminSectorEraser struct {
	dev         *Garmin
	startSector int
	idx         int
	total       int
	begun       bool
}

func (g *Garmin) EraseSectors(startSector, numSectors int) SectorEraser {
	return &garminSectorEraser{dev: g, startSector: startSector, total: numSectors}
}

var garminEraseResponsePrefix = []byte{0x42, 0x6C, 0x4B, 0x65, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

func (e *garminSectorEraser) Next() (bool, error) {
	if !e.begun {
		if err := e.dev.beginErase(e.startSector, e.total); err != nil {
			return false, err
		}
		e.begun = true
	}
	if e.idx >= e.total {
		if err := e.dev.endWrite(); err != nil {
			return false, err
		}
		return true, nil
	}

	buf, err := e.dev.dev.BulkRead(0x0C, DefaultTimeout)
	if err != nil {
		_ = e.dev.endWrite()
		return false, err
	}
	if len(buf) != 12 || !bytes.Equal(buf[:10], garminEraseResponsePrefix) {
		_ = e.dev.endWrite()
		return false, &UnexpectedResponse{Got: buf}
	}
	if int(binary.BigEndian.Uint16(buf[10:12])) != e.idx {
		_ = e.dev.endWrite()
		return false, &UnexpectedResponse{Got: buf}
	}
	e.idx++
	return false, nil
}

type garminSectorWriter struct {
	dev         *Garmin
	startSector int
	remaining   int
	source      BlockSource
	begun       bool
}

func (g *Garmin) WriteBlocks(startSector, numSectors int, source BlockSource) SectorWriter {
	return &garminSectorWriter{
		dev:         g,
		startSector: startSector,
		remaining:   numSectors * g.cardType.SectorSize,
		source:      source,
	}
}

// padForWrite pads a short final block to the card type's minimum
// write granularity with 0xFF, matching flash-erased-state bytes.
func padForWrite(block []byte, minWriteSize int) []byte {
	if len(block) >= minWriteSize {
		return block
	}
	padded := make([]byte, minWriteSize)
	copy(padded, block)
	for i := len(block); i < minWriteSize; i++ {
		padded[i] = 0xFF
	}
	return padded
}

func (w *garminSectorWriter) Next() (bool, error) {
	if !w.begun {
		if err := w.dev.beginWrite(w.startSector); err != nil {
			return false, err
		}
		w.begun = true
	}
	if w.remaining <= 0 {
		if err := w.dev.endWrite(); err != nil {
			return false, err
		}
		return true, nil
	}

	blockSize := w.dev.cardType.MaxWriteSize
	readSize := blockSize
	if w.remaining < readSize {
		readSize = w.remaining
	}
	block, err := w.source(readSize)
	if err != nil {
		_ = w.dev.endWrite()
		return false, err
	}
	if len(block) != readSize {
		_ = w.dev.endWrite()
		return false, &UnexpectedResponse{Got: block}
	}
	if err := w.dev.dev.BulkWrite(padForWrite(block, w.dev.cardType.MinWriteSize), DefaultTimeout); err != nil {
		_ = w.dev.endWrite()
		return false, err
	}
	w.remaining -= blockSize
	return false, nil
}
