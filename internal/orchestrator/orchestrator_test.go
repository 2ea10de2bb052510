package orchestrator

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimaryaz/jdmtool/internal/cardproto"
	"github.com/dimaryaz/jdmtool/internal/catalog"
)

func TestDispatchTarget(t *testing.T) {
	tests := []struct {
		name        string
		xml         string
		isChartView bool
		want        Target
	}{
		{
			name:        "avidyne_e2",
			xml:         `<media><card_type>2</card_type><oem_avidyne_e2>1</oem_avidyne_e2></media>`,
			isChartView: false,
			want:        TargetAvidyneSFX,
		},
		{
			name:        "avidyne_raw",
			xml:         `<media><card_type>2</card_type><oem_avidyne>1</oem_avidyne></media>`,
			isChartView: false,
			want:        TargetAvidyneRaw,
		},
		{
			name:        "garmin_simple",
			xml:         `<media><card_type>2</card_type><oem_garmin>1</oem_garmin></media>`,
			isChartView: false,
			want:        TargetGarminSimple,
		},
		{
			name:        "garmin_chartview",
			xml:         `<media><card_type>2</card_type><oem_garmin>1</oem_garmin></media>`,
			isChartView: true,
			want:        TargetGarminChartView,
		},
		{
			name:        "datacard",
			xml:         `<media><card_type>7</card_type></media>`,
			isChartView: false,
			want:        TargetDataCard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, err := catalog.Parse(strings.NewReader("<services><service>" + tt.xml + "</service></services>"))
			require.NoError(t, err)
			media := services[0].Media()
			require.Len(t, media, 1)

			got, err := DispatchTarget(media[0], tt.isChartView)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatchTargetUnsupported(t *testing.T) {
	services, err := catalog.Parse(strings.NewReader(`<services><service><media><card_type>99</card_type></media></service></services>`))
	require.NoError(t, err)

	_, err = DispatchTarget(services[0].Media()[0], false)
	assert.Error(t, err)
}

func TestTransferAvidyneRaw(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "db.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	fw, err := w.Create("dgrw.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("navdata"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	dest := t.TempDir()
	written, err := TransferAvidyneRaw(zipPath, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"dgrw.txt"}, written)

	content, err := os.ReadFile(filepath.Join(dest, "dgrw.txt"))
	require.NoError(t, err)
	assert.Equal(t, "navdata", string(content))
}

// fakeDevice is a minimal in-memory ProgrammingDevice with one block
// per sector.
type fakeDevice struct {
	data       []byte
	sectorSize int
}

func (f *fakeDevice) HasCard() (bool, error)              { return true, nil }
func (f *fakeDevice) InitDataCard() error                 { return nil }
func (f *fakeDevice) FirmwareVersion() (string, error)    { return "1.0", nil }
func (f *fakeDevice) FirmwareDescription() (string, error) { return "fake", nil }
func (f *fakeDevice) ChipIIDs() ([]uint32, error)         { return nil, nil }
func (f *fakeDevice) TotalSectors() int                   { return len(f.data) / f.sectorSize }
func (f *fakeDevice) TotalSize() int                      { return len(f.data) }
func (f *fakeDevice) CardType() cardproto.CardType {
	return cardproto.CardType{Name: "fake", SectorSize: f.sectorSize, ReadSize: f.sectorSize, MinWriteSize: f.sectorSize, MaxWriteSize: f.sectorSize}
}
func (f *fakeDevice) CheckCard() error         { return nil }
func (f *fakeDevice) CheckSupportsWrite() error { return nil }

type fakeBlockReader struct {
	data       []byte
	sectorSize int
	pos        int
}

func (r *fakeBlockReader) Next() ([]byte, bool, error) {
	if r.pos >= len(r.data) {
		return nil, true, nil
	}
	end := r.pos + r.sectorSize
	block := r.data[r.pos:end]
	r.pos = end
	return block, false, nil
}

func (f *fakeDevice) ReadBlocks(startSector, numSectors int) cardproto.BlockReader {
	start := startSector * f.sectorSize
	end := start + numSectors*f.sectorSize
	return &fakeBlockReader{data: f.data[start:end], sectorSize: f.sectorSize}
}

type fakeEraser struct{ n int }

func (e *fakeEraser) Next() (bool, error) {
	if e.n <= 0 {
		return true, nil
	}
	e.n--
	return false, nil
}

func (f *fakeDevice) EraseSectors(startSector, numSectors int) cardproto.SectorEraser {
	for i := startSector * f.sectorSize; i < (startSector+numSectors)*f.sectorSize; i++ {
		f.data[i] = 0xff
	}
	return &fakeEraser{n: numSectors}
}

type fakeWriter struct {
	dev        *fakeDevice
	pos, end   int
	source     cardproto.BlockSource
}

func (w *fakeWriter) Next() (bool, error) {
	if w.pos >= w.end {
		return true, nil
	}
	n := w.dev.sectorSize
	block, err := w.source(n)
	if err != nil {
		return false, err
	}
	copy(w.dev.data[w.pos:w.pos+n], block)
	w.pos += n
	return false, nil
}

func (f *fakeDevice) WriteBlocks(startSector, numSectors int, source cardproto.BlockSource) cardproto.SectorWriter {
	start := startSector * f.sectorSize
	return &fakeWriter{dev: f, pos: start, end: start + numSectors*f.sectorSize, source: source}
}

func TestDataCardTransferRoundTrip(t *testing.T) {
	dev := &fakeDevice{data: make([]byte, 4*16), sectorSize: 16}
	for i := range dev.data {
		dev.data[i] = 0xff
	}

	payload := []byte("hello world this is test data!!")
	log := zerolog.Nop()

	err := DataCardTransfer(log, dev, payload, 0, 1024, false, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, dev.data[:len(payload)])
}

func TestDataCardTransferSizeOutOfRange(t *testing.T) {
	dev := &fakeDevice{data: make([]byte, 4*16), sectorSize: 16}
	log := zerolog.Nop()

	err := DataCardTransfer(log, dev, []byte("x"), 1024, 2048, false, nil)
	assert.Error(t, err)
	var sizeErr CardSizeOutOfRange
	assert.ErrorAs(t, err, &sizeErr)
}

func TestVerifyFailedError(t *testing.T) {
	err := VerifyFailed{Sector: 3, Block: 2}
	assert.Contains(t, err.Error(), "sector 3")
	assert.Contains(t, err.Error(), "block 2")
}
