package chartview

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimaryaz/jdmtool/internal/checksum"
	"github.com/dimaryaz/jdmtool/internal/dbf"
	"github.com/dimaryaz/jdmtool/internal/storage"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{NumFiles: 3, IndexOffset: 1234, DBBeginDate: "2024-01-01"}
	got, err := ReadHeader(h.WriteBytes())
	require.NoError(t, err)
	assert.Equal(t, h.NumFiles, got.NumFiles)
	assert.Equal(t, h.IndexOffset, got.IndexOffset)
	assert.Equal(t, h.DBBeginDate, got.DBBeginDate)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	_, err := ReadHeader(make([]byte, HeaderSize))
	var invalid InvalidChart
	assert.ErrorAs(t, err, &invalid)
}

func TestRecordRoundTrip(t *testing.T) {
	r := Record{Name: "KJFK01", Offset: 100, Size: 200, Metadata: [6]byte{1, 2, 3, 4, 5, 6}}
	got, err := ReadRecord(r.WriteBytes())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

// buildZip creates an in-memory ZIP archive with the given named
// byte payloads.
func buildZip(t *testing.T, files map[string][]byte) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

// buildChartsBin constructs a minimal single-record charts.bin blob.
func buildChartsBin(t *testing.T, name string, payload []byte, beginDate string) []byte {
	t.Helper()
	header := Header{NumFiles: 1, IndexOffset: uint32(HeaderSize + len(payload)), DBBeginDate: beginDate}
	rec := Record{Name: name, Offset: HeaderSize, Size: uint32(len(payload))}

	body := append([]byte{}, header.WriteBytes()[4:]...)
	body = append(body, payload...)
	body = append(body, rec.WriteBytes()...)

	crc := checksum.CRC32Q(0, body)
	full := header.WriteBytes()
	full[0], full[1], full[2], full[3] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
	return append(full[:4:4], body...)
}

func TestMergeChartsBinTwoSources(t *testing.T) {
	ini := []byte("[CHARTS]\nDatabase_Begin_Date=2024-03-01\n")

	bin1 := buildChartsBin(t, "KJFK01.bin", []byte("jfk-data"), "2024-03-01")
	zip1 := buildZip(t, map[string][]byte{
		"charts.ini": ini,
		"charts.bin": bin1,
	})
	src1 := OpenZipSource("US1_charts.bin", zip1)

	bin2 := buildChartsBin(t, "KBOS01.bin", []byte("bos-data-longer"), "2024-03-01")
	zip2 := buildZip(t, map[string][]byte{
		"charts.ini": ini,
		"charts.bin": bin2,
	})
	src2 := OpenZipSource("US2_charts.bin", zip2)

	var dest bytes.Buffer
	result, err := MergeChartsBin(newSeekBuffer(&dest), []Source{src1, src2})
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01", result.DBBeginDate)
	require.Len(t, result.Records, 2)
	// Sorted by name: KBOS01.bin < KJFK01.bin
	assert.Equal(t, "KBOS01.bin", result.Records[0].Name)
	assert.Equal(t, "KJFK01.bin", result.Records[1].Name)

	merged, err := ReadHeader(dest.Bytes()[:HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), merged.NumFiles)

	wantCRC := checksum.CRC32Q(0, dest.Bytes()[4:])
	gotCRC := binary.LittleEndian.Uint32(dest.Bytes()[:4])
	assert.Equal(t, wantCRC, gotCRC)
}

func TestMergeChartsBinRejectsInvalidSize(t *testing.T) {
	ini := []byte("[CHARTS]\nDatabase_Begin_Date=2024-03-01\n")
	header := Header{NumFiles: 1, IndexOffset: HeaderSize, DBBeginDate: "2024-03-01"}
	rec := Record{Name: "x.bin", Offset: HeaderSize, Size: 0}
	bin := append(header.WriteBytes(), rec.WriteBytes()...)

	zipR := buildZip(t, map[string][]byte{"charts.ini": ini, "charts.bin": bin})
	src := OpenZipSource("US1_charts.bin", zipR)

	var dest bytes.Buffer
	_, err := MergeChartsBin(newSeekBuffer(&dest), []Source{src})
	assert.Error(t, err)
}

func TestGuessSubscription(t *testing.T) {
	table := CoverageTable{
		"US_ALL": {"KJFK", "KBOS", "KLAX"},
		"US_NE":  {"KJFK", "KBOS"},
	}
	sources := []Source{fakeNamedSource{"US1_charts.bin"}}
	names := [][]string{{"KJFK01.bin", "KBOS02.bin"}}

	guesses, err := GuessSubscription(table, sources, names)
	require.NoError(t, err)
	require.Len(t, guesses, 1)
	assert.Equal(t, "US_NE", guesses[0].Key)
	assert.False(t, guesses[0].IsVFR)
}

func TestGuessSubscriptionVFR(t *testing.T) {
	table := CoverageTable{"US_ALL": {"KJFK"}}
	sources := []Source{fakeNamedSource{"US1_vfrcharts.bin"}}
	names := [][]string{{"KJFK01.bin"}}

	guesses, err := GuessSubscription(table, sources, names)
	require.NoError(t, err)
	assert.True(t, guesses[0].IsVFR)
}

func TestGuessSubscriptionNoCoverage(t *testing.T) {
	table := CoverageTable{"US_ALL": {"KJFK"}}
	sources := []Source{fakeNamedSource{"US1_charts.bin"}}
	names := [][]string{{"KBOS01.bin"}}

	_, err := GuessSubscription(table, sources, names)
	assert.Error(t, err)
}

type fakeNamedSource struct{ name string }

func (f fakeNamedSource) Name() string                         { return f.name }
func (f fakeNamedSource) ReadMember(string) ([]byte, error)     { return nil, nil }
func (f fakeNamedSource) MemberNames() []string                { return nil }

func TestFilterByAirportAndRenumber(t *testing.T) {
	fields := []dbf.Field{
		{Name: AirportCodeField, Type: dbf.TypeCharacter, Length: 4},
		{Name: ChartIndexField, Type: dbf.TypeNumeric, Length: 5},
	}
	var buf bytes.Buffer
	require.NoError(t, dbf.WriteHeader(&buf, dbf.Header{LastUpdate: time.Now(), NumRecords: 3}, fields))
	require.NoError(t, dbf.WriteRecord(&buf, fields, dbf.Record{"KJFK", int64(10)}))
	require.NoError(t, dbf.WriteRecord(&buf, fields, dbf.Record{"KXXX", int64(11)}))
	require.NoError(t, dbf.WriteRecord(&buf, fields, dbf.Record{"KBOS", int64(12)}))

	var out bytes.Buffer
	kept, gotFields, err := FilterByAirport(storage.NewReader(&buf), &out, AirportCodeField, map[string]bool{"KJFK": true, "KBOS": true})
	require.NoError(t, err)
	require.Len(t, kept, 2)

	remap, err := RenumberIndices(kept, gotFields, ChartIndexField)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remap[10])
	assert.Equal(t, int64(2), remap[12])
}

func TestWriteCRCFiles(t *testing.T) {
	files := fakeFileSource{
		dest:   map[string][]byte{"charts.bin": []byte("merged")},
		source: map[string][]byte{"notams.dbt": []byte("original")},
	}
	processed := map[string]bool{"charts.bin": true}

	var buf bytes.Buffer
	err := WriteCRCFiles(&buf, files, processed)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "charts.bin,0x")
	assert.Contains(t, buf.String(), "notams.dbt,0x")
}

type fakeFileSource struct {
	dest, source map[string][]byte
}

func (f fakeFileSource) ReadDest(name string) ([]byte, error)   { return f.dest[name], nil }
func (f fakeFileSource) ReadSource(name string) ([]byte, error) { return f.source[name], nil }

// seekBuffer adapts a *bytes.Buffer to io.WriteSeeker for tests: it
// buffers all writes in memory and supports only the kind of seeking
// MergeChartsBin actually performs (seek to 0 to patch the checksum).
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func newSeekBuffer(buf *bytes.Buffer) *seekBuffer { return &seekBuffer{buf: buf} }

func (s *seekBuffer) Write(p []byte) (int, error) {
	data := s.buf.Bytes()
	if s.pos < len(data) {
		n := copy(data[s.pos:], p)
		s.pos += n
		if n < len(p) {
			s.buf.Write(p[n:])
			s.pos += len(p) - n
		}
		return len(p), nil
	}
	n, err := s.buf.Write(p)
	s.pos += n
	return n, err
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = int(offset)
	case 1:
		s.pos += int(offset)
	case 2:
		s.pos = s.buf.Len() + int(offset)
	}
	return int64(s.pos), nil
}
