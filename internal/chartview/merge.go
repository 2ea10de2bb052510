package chartview

import (
	"archive/zip"
	"encoding/binary"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// Source is one ChartView region archive: a ZIP containing exactly
// one *.bin chart payload plus charts.ini and a set of DBF/DBT
// tables. Name is the archive's base filename (e.g. "US1_charts.bin"
// or "US1_vfrcharts.bin"), used by GuessSubscription.
type Source interface {
	Name() string
	ReadMember(name string) ([]byte, error)
	MemberNames() []string
}

// ZipSource adapts a *zip.ReadCloser (or *zip.Reader) to Source. Each
// member is read fully into memory on demand: charts.bin needs random
// access to its own index, which a ZIP deflate stream doesn't support
// directly, so the whole payload is decompressed once up front.
type ZipSource struct {
	name    string
	reader  *zip.Reader
	entries map[string]*zip.File
}

// OpenZipSource indexes a ChartView archive's members by lowercased
// name, the way the original tool's entry_map does, so lookups are
// case-insensitive.
func OpenZipSource(name string, r *zip.Reader) *ZipSource {
	entries := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		entries[strings.ToLower(f.Name)] = f
	}
	return &ZipSource{name: name, reader: r, entries: entries}
}

func (s *ZipSource) Name() string { return s.name }

func (s *ZipSource) ReadMember(name string) ([]byte, error) {
	f, ok := s.entries[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("%s: no such member %q", s.name, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: opening %q", s.name, name)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading %q", s.name, name)
	}
	return data, nil
}

func (s *ZipSource) MemberNames() []string {
	names := make([]string, 0, len(s.reader.File))
	for _, f := range s.reader.File {
		names = append(names, f.Name)
	}
	return names
}

// findChartsBinMember returns the single member ending in ".bin"
// among a source's entries.
func findChartsBinMember(s Source) (string, error) {
	for _, name := range s.MemberNames() {
		if strings.HasSuffix(strings.ToLower(name), ".bin") {
			return name, nil
		}
	}
	return "", errors.Errorf("%s: no charts.bin member found", s.Name())
}

// MergeResult carries what the later ChartView stages (subscription
// guessing, DBF filtering) need from the charts.bin merge.
type MergeResult struct {
	DBBeginDate string
	Records     []Record
	// SourceRecords holds, per input source in order, the record
	// names that source contributed (pre-merge names, before the
	// final sort) — this is what GuessSubscription intersects
	// against the coverage table.
	SourceRecords [][]string
}

// MergeChartsBin merges one or more sources' charts.bin payloads into
// dest: a new header (aggregate file/record counts, the first
// source's Database_Begin_Date), each source's payload bytes appended
// in order with offsets rewritten, then the accumulated index sorted
// by name. The checksum is a CRC32Q computed over everything after
// the initial 4 checksum bytes, seeded at 0 and written back at offset
// 0 once the whole stream is known.
func MergeChartsBin(dest io.WriteSeeker, sources []Source) (*MergeResult, error) {
	if len(sources) == 0 {
		return nil, errors.New("no chart sources given")
	}

	chartsIni, err := sources[0].ReadMember("charts.ini")
	if err != nil {
		return nil, err
	}
	dbBeginDate, err := readDatabaseBeginDate(chartsIni)
	if err != nil {
		return nil, err
	}

	type parsedSource struct {
		header  Header
		records []Record
		payload []byte
	}
	parsed := make([]parsedSource, len(sources))
	totalFiles := uint32(0)
	totalPayload := uint32(0)

	for i, src := range sources {
		binName, err := findChartsBinMember(src)
		if err != nil {
			return nil, err
		}
		data, err := src.ReadMember(binName)
		if err != nil {
			return nil, err
		}
		if len(data) < HeaderSize {
			return nil, errors.Errorf("%s: charts.bin too short", src.Name())
		}
		header, err := ReadHeader(data[:HeaderSize])
		if err != nil {
			return nil, errors.Wrapf(err, "%s", src.Name())
		}
		end := int(header.IndexOffset) + int(header.NumFiles)*RecordSize
		if end > len(data) {
			return nil, errors.Errorf("%s: index runs past end of file", src.Name())
		}
		records := make([]Record, header.NumFiles)
		for j := range records {
			start := int(header.IndexOffset) + j*RecordSize
			rec, err := ReadRecord(data[start : start+RecordSize])
			if err != nil {
				return nil, errors.Wrapf(err, "%s: record #%d", src.Name(), j)
			}
			if rec.Size == 0 || rec.Size >= 0x1000000 {
				return nil, errors.Errorf("%s: record %q has invalid size %d", src.Name(), rec.Name, rec.Size)
			}
			records[j] = rec
		}
		parsed[i] = parsedSource{header: header, records: records, payload: data}
		totalFiles += header.NumFiles
		totalPayload += header.IndexOffset - HeaderSize
	}

	newHeader := Header{
		NumFiles:    totalFiles,
		IndexOffset: totalPayload + HeaderSize,
		DBBeginDate: dbBeginDate,
	}

	crc := uint32(0)
	writeCRC := func(b []byte) error {
		if _, err := dest.Write(b); err != nil {
			return errors.Wrap(err, "writing charts.bin")
		}
		crc = checksum.CRC32Q(crc, b)
		return nil
	}

	headerBytes := newHeader.WriteBytes()
	if _, err := dest.Write(headerBytes[:4]); err != nil {
		return nil, errors.Wrap(err, "writing charts.bin header")
	}
	if err := writeCRC(headerBytes[4:]); err != nil {
		return nil, err
	}

	var allRecords []Record
	sourceRecordNames := make([][]string, len(sources))
	totalOffset := uint32(HeaderSize)

	for i, ps := range parsed {
		names := make([]string, 0, len(ps.records))
		for _, rec := range ps.records {
			names = append(names, rec.Name)

			if int(rec.Offset)+int(rec.Size) > len(ps.payload) {
				return nil, errors.Errorf("%s: record %q payload runs past end of file", sources[i].Name(), rec.Name)
			}
			contents := ps.payload[rec.Offset : rec.Offset+rec.Size]

			rec.Offset = totalOffset
			totalOffset += rec.Size
			allRecords = append(allRecords, rec)

			if err := writeCRC(contents); err != nil {
				return nil, err
			}
		}
		sourceRecordNames[i] = names
	}

	sort.Slice(allRecords, func(a, b int) bool { return allRecords[a].Name < allRecords[b].Name })

	for _, rec := range allRecords {
		if err := writeCRC(rec.WriteBytes()); err != nil {
			return nil, err
		}
	}

	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seeking to write final checksum")
	}
	crcBytes := binary.LittleEndian.AppendUint32(nil, crc)
	if _, err := dest.Write(crcBytes); err != nil {
		return nil, errors.Wrap(err, "writing final checksum")
	}

	return &MergeResult{
		DBBeginDate:   dbBeginDate,
		Records:       allRecords,
		SourceRecords: sourceRecordNames,
	}, nil
}

// chartNameWithoutExt strips a record name's extension for
// subscription-table lookups, e.g. "KJFK01.bin" -> "KJFK01".
func chartNameWithoutExt(name string) string {
	ext := path.Ext(name)
	return strings.ToUpper(strings.TrimSuffix(name, ext))
}
