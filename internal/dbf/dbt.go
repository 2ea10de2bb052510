package dbf

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/storage"
)

// DbtBlockSize is the fixed dBase-III memo block size.
const DbtBlockSize = 512

// rawDbtHeader is the 512-byte on-disk memo file header. Only the
// first part carries real fields; the rest of the block is reserved
// and is zero-filled on write.
type rawDbtHeader struct {
	NextFreeBlock uint32
	DbfName       [8]byte
	Reserved1     uint32
	BlockLength   uint16
}

// DbtHeader is the decoded memo file header.
type DbtHeader struct {
	NextFreeBlock uint32
	DbfName       string
	// BlockLength is 0 for dBase-III (fixed 512-byte blocks,
	// terminated by 0x1A 0x1A) or non-zero for dBase-IV (per-record
	// 8-byte prefix FF FF 08 00 + u32 total length).
	BlockLength uint16
}

// ReadDbtHeader reads the fixed 512-byte memo file header.
func ReadDbtHeader(r *storage.Reader) (DbtHeader, error) {
	var raw rawDbtHeader
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return DbtHeader{}, errors.Wrap(err, "reading DBT header")
	}
	if _, err := r.ReadBytes(DbtBlockSize - 18); err != nil {
		return DbtHeader{}, errors.Wrap(err, "reading DBT header padding")
	}
	return DbtHeader{
		NextFreeBlock: raw.NextFreeBlock,
		DbfName:       string(bytes.TrimRight(raw.DbfName[:], "\x00")),
		BlockLength:   raw.BlockLength,
	}, nil
}

// WriteDbtHeader writes the 512-byte memo file header, zero-padding
// the remainder of the block.
func WriteDbtHeader(w writerAt, h DbtHeader) error {
	var raw rawDbtHeader
	raw.NextFreeBlock = h.NextFreeBlock
	copy(raw.DbfName[:], h.DbfName)
	raw.BlockLength = h.BlockLength
	if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
		return errors.Wrap(err, "writing DBT header")
	}
	_, err := w.Write(make([]byte, DbtBlockSize-18))
	return err
}

// ReadDbtIIIMemo reads one dBase-III memo starting at the current
// reader position: 512-byte blocks until the 0x1A 0x1A terminator.
func ReadDbtIIIMemo(r *storage.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		block, err := r.ReadBytes(DbtBlockSize)
		if err != nil {
			return nil, errors.Wrap(err, "reading DBT block")
		}
		if idx := bytes.Index(block, []byte{0x1A, 0x1A}); idx >= 0 {
			buf.Write(block[:idx])
			return buf.Bytes(), nil
		}
		buf.Write(block)
	}
}

// WriteDbtIIIMemo writes data as whole 512-byte blocks terminated by
// 0x1A 0x1A and null-padded to a block boundary, the way the vendor
// tool does, and returns the block count written.
func WriteDbtIIIMemo(w writerAt, data []byte) (int, error) {
	payload := append(append([]byte{}, data...), 0x1A, 0x1A)
	blocks := (len(payload) + DbtBlockSize - 1) / DbtBlockSize
	padded := make([]byte, blocks*DbtBlockSize)
	copy(padded, payload)
	if _, err := w.Write(padded); err != nil {
		return 0, err
	}
	return blocks, nil
}

// ReadDbtIVMemo reads one dBase-IV memo: an 8-byte prefix
// (FF FF 08 00 + u32 total length) followed by length-8 bytes of
// payload.
func ReadDbtIVMemo(r *storage.Reader) ([]byte, error) {
	prefix, err := r.ReadBytes(8)
	if err != nil {
		return nil, errors.Wrap(err, "reading DBT-IV memo prefix")
	}
	if prefix[0] != 0xFF || prefix[1] != 0xFF || prefix[2] != 0x08 || prefix[3] != 0x00 {
		return nil, errors.Errorf("bad DBT-IV memo prefix: % x", prefix[:4])
	}
	total := binary.LittleEndian.Uint32(prefix[4:8])
	if total < 8 {
		return nil, errors.Errorf("bad DBT-IV memo total length: %d", total)
	}
	return r.ReadBytes(int(total - 8))
}

// WriteDbtIVMemo writes one dBase-IV memo record, computing the
// block count from blockLength and null-padding to a block boundary.
func WriteDbtIVMemo(w writerAt, data []byte, blockLength uint16) (int, error) {
	total := uint32(len(data) + 8)
	var prefix [8]byte
	prefix[0], prefix[1], prefix[2], prefix[3] = 0xFF, 0xFF, 0x08, 0x00
	binary.LittleEndian.PutUint32(prefix[4:8], total)

	blocks := (int(total) + int(blockLength) - 1) / int(blockLength)
	padded := make([]byte, blocks*int(blockLength))
	copy(padded, prefix[:])
	copy(padded[8:], data)

	_, err := w.Write(padded)
	return blocks, err
}
