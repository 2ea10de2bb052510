// Package chartview merges Jeppesen ChartView subscription archives
// (one ZIP per coverage region) into a single charts.bin plus a
// filtered set of supporting DBF/DBT tables, the way the Avidyne
// ground tool does for a multi-region install.
package chartview

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// HeaderSize is the on-disk size of a charts.bin header.
const HeaderSize = 27

// RecordSize is the on-disk size of one charts.bin index record.
const RecordSize = 40

// HeaderMagic is the fixed magic value every charts.bin header must
// carry in its second field.
const HeaderMagic = 0x1000000 + 27

// InvalidChart is returned when a charts.bin header's magic doesn't
// match HeaderMagic.
type InvalidChart struct {
	Got uint32
}

func (e InvalidChart) Error() string {
	return errors.Errorf("invalid charts.bin: bad magic 0x%08x", e.Got).Error()
}

// Header is the decoded 27-byte charts.bin header.
type Header struct {
	Checksum    uint32
	NumFiles    uint32
	IndexOffset uint32
	DBBeginDate string
}

// ReadHeader decodes a charts.bin header from its fixed 27-byte wire
// form: <u32 checksum><u32 magic><u32 num_files><u32 index_offset>
// <11-byte ASCII begin-date>.
func ReadHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, errors.Errorf("charts.bin header must be %d bytes, got %d", HeaderSize, len(data))
	}
	checksum := binary.LittleEndian.Uint32(data[0:4])
	magic := binary.LittleEndian.Uint32(data[4:8])
	if magic != HeaderMagic {
		return Header{}, InvalidChart{Got: magic}
	}
	numFiles := binary.LittleEndian.Uint32(data[8:12])
	indexOffset := binary.LittleEndian.Uint32(data[12:16])
	dbBeginDate := strings.TrimRight(string(data[16:27]), "\x00")
	return Header{
		Checksum:    checksum,
		NumFiles:    numFiles,
		IndexOffset: indexOffset,
		DBBeginDate: dbBeginDate,
	}, nil
}

// WriteBytes encodes the header back to its 27-byte wire form.
func (h Header) WriteBytes() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Checksum)
	buf = binary.LittleEndian.AppendUint32(buf, HeaderMagic)
	buf = binary.LittleEndian.AppendUint32(buf, h.NumFiles)
	buf = binary.LittleEndian.AppendUint32(buf, h.IndexOffset)
	dateField := make([]byte, 11)
	copy(dateField, h.DBBeginDate)
	buf = append(buf, dateField...)
	return buf
}

// Record is one entry in the charts.bin index: a payload name plus
// its offset/size within the file and 6 bytes of opaque metadata
// carried through unchanged.
type Record struct {
	Name     string
	Offset   uint32
	Size     uint32
	Metadata [6]byte
}

// ReadRecord decodes one 40-byte index entry: 26-byte name, u32
// offset, u32 size, 6 bytes metadata.
func ReadRecord(data []byte) (Record, error) {
	if len(data) != RecordSize {
		return Record{}, errors.Errorf("charts.bin record must be %d bytes, got %d", RecordSize, len(data))
	}
	name := strings.TrimRight(string(data[0:26]), "\x00")
	offset := binary.LittleEndian.Uint32(data[26:30])
	size := binary.LittleEndian.Uint32(data[30:34])
	var metadata [6]byte
	copy(metadata[:], data[34:40])
	return Record{Name: name, Offset: offset, Size: size, Metadata: metadata}, nil
}

// WriteBytes encodes the record back to its 40-byte wire form.
func (r Record) WriteBytes() []byte {
	buf := make([]byte, 0, RecordSize)
	nameField := make([]byte, 26)
	copy(nameField, r.Name)
	buf = append(buf, nameField...)
	buf = binary.LittleEndian.AppendUint32(buf, r.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, r.Size)
	buf = append(buf, r.Metadata[:]...)
	return buf
}

// readDatabaseBeginDate extracts the Database_Begin_Date value from a
// charts.ini file. The format is a minimal subset of Windows INI
// (section headers in brackets, "key=value" lines); nothing in this
// codebase needs a general-purpose INI parser, so this reads just the
// one key the merge needs.
func readDatabaseBeginDate(chartsIni []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(chartsIni))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "Database_Begin_Date") {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "reading charts.ini")
	}
	return "", errors.New("charts.ini has no Database_Begin_Date key")
}
