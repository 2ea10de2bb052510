// Package dbf implements a minimal xBase (dBase-III/IV) reader and
// writer sufficient for ChartView's airports/charts/chrtlink/notams
// tables and their associated .dbt memo files.
package dbf

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/storage"
)

// Version is the only dBase version this codec understands: the low
// two bits of the header info byte must read 3.
const Version = 3

// rawHeader is the 32-byte on-disk layout of a DBF header.
type rawHeader struct {
	Info        uint8
	Year        uint8
	Month       uint8
	Day         uint8
	NumRecords  uint32
	HeaderBytes uint16
	RecordBytes uint16
	Reserved    [20]byte
}

// Header is the decoded form of a DBF header.
type Header struct {
	LastUpdate  time.Time
	NumRecords  uint32
	HeaderBytes uint16
	RecordBytes uint16
}

// ReadHeader reads the 32-byte header and the field descriptor array
// that follows it, up to the 0x0D array terminator.
func ReadHeader(r *storage.Reader) (Header, []Field, error) {
	var raw rawHeader
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, nil, errors.Wrap(err, "reading DBF header")
	}
	if raw.Info&0x03 != Version {
		return Header{}, nil, errors.Errorf("unsupported DBF version: %d", raw.Info&0x03)
	}

	header := Header{
		LastUpdate:  time.Date(1900+int(raw.Year), time.Month(raw.Month), int(raw.Day), 0, 0, 0, 0, time.UTC),
		NumRecords:  raw.NumRecords,
		HeaderBytes: raw.HeaderBytes,
		RecordBytes: raw.RecordBytes,
	}

	numFields := (int(raw.HeaderBytes) - 33) / 32
	if numFields < 0 {
		return Header{}, nil, errors.Errorf("invalid header_bytes: %d", raw.HeaderBytes)
	}

	fields := make([]Field, numFields)
	for i := range fields {
		f, err := readField(r)
		if err != nil {
			return Header{}, nil, errors.Wrapf(err, "reading field descriptor #%d", i)
		}
		fields[i] = f
	}

	terminator, err := r.ReadByte()
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "reading field array terminator")
	}
	if terminator != 0x0D {
		return Header{}, nil, errors.Errorf("missing field array terminator: got 0x%02x", terminator)
	}

	return header, fields, nil
}

// WriteHeader writes the header and field descriptors, computing
// HeaderBytes from len(fields) the way the vendor tool does (it is
// not trusted from the caller).
func WriteHeader(w writerAt, header Header, fields []Field) error {
	header.HeaderBytes = uint16(len(fields)*32 + 33)

	raw := rawHeader{
		Info:        Version,
		Year:        uint8(header.LastUpdate.Year() - 1900),
		Month:       uint8(header.LastUpdate.Month()),
		Day:         uint8(header.LastUpdate.Day()),
		NumRecords:  header.NumRecords,
		HeaderBytes: header.HeaderBytes,
		RecordBytes: header.RecordBytes,
	}
	if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
		return errors.Wrap(err, "writing DBF header")
	}

	for i, f := range fields {
		if err := writeField(w, f); err != nil {
			return errors.Wrapf(err, "writing field descriptor #%d", i)
		}
	}

	_, err := w.Write([]byte{0x0D})
	return err
}

// writerAt is the subset of io.Writer the header/record writers need;
// named so call sites don't have to import io just for this.
type writerAt interface {
	Write(p []byte) (int, error)
}

func (h Header) String() string {
	return fmt.Sprintf("DBF: %d records, updated %s", h.NumRecords, h.LastUpdate.Format("2006-01-02"))
}
