package taws

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuessLayout(t *testing.T) {
	l, err := GuessLayout(0x1000)
	require.NoError(t, err)
	assert.Equal(t, BlockSize2048, l.BlockSize)
	assert.Equal(t, FooterSize2048, l.FooterSize)

	l, err = GuessLayout(0x7c1)
	require.NoError(t, err)
	assert.Equal(t, BlockSize512, l.BlockSize)
	assert.Equal(t, FooterSize512, l.FooterSize)

	_, err = GuessLayout(123)
	var unexpected UnexpectedSectorCount
	assert.ErrorAs(t, err, &unexpected)
}

func buildXblk(blockSize int, ids []uint16) []byte {
	xblk := make([]byte, blockSize)
	binary.LittleEndian.PutUint16(xblk[6:8], uint16(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint16(xblk[8+2*i:10+2*i], id)
	}
	return xblk
}

func TestParseBadSectors2048(t *testing.T) {
	xblk := buildXblk(BlockSize2048, []uint16{3, 5})
	bad, err := ParseBadSectors(xblk, BlockSize2048)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 10, 11}, bad)
}

func TestParseBadSectors512(t *testing.T) {
	xblk := buildXblk(BlockSize512, []uint16{4, 8})
	bad, err := ParseBadSectors(xblk, BlockSize512)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, bad)
}

func TestParseBadSectorsRejectsNonMultipleOf4(t *testing.T) {
	xblk := buildXblk(BlockSize512, []uint16{5})
	_, err := ParseBadSectors(xblk, BlockSize512)
	assert.Error(t, err)
}

func TestLogicalToPhysical(t *testing.T) {
	bad := []int{2, 3, 7}
	assert.Equal(t, 0, LogicalToPhysical(bad, 0))
	assert.Equal(t, 1, LogicalToPhysical(bad, 1))
	// Logical 2 lands on physical 2, but 2 is bad, so it bumps to 3,
	// which is also bad, bumping again to 4.
	assert.Equal(t, 4, LogicalToPhysical(bad, 2))
	assert.Equal(t, 5, LogicalToPhysical(bad, 3))
	assert.Equal(t, 8, LogicalToPhysical(bad, 5))
}

func TestSerialRoundTrip(t *testing.T) {
	header := make([]byte, OffsetSerial+4)
	updated := WriteSerial(header, 0xdeadbeef)
	got, err := ParseSerial(updated)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), got)
	// Original is untouched.
	orig, err := ParseSerial(header)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), orig)
}

func TestBuildAndVerifyFooter512(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, BlockSize512)
	footer, err := BuildFooter(data, 42, FooterSize512)
	require.NoError(t, err)
	require.Len(t, footer, FooterSize512)

	idx, ok := ParseFooterIndex(footer)
	require.True(t, ok)
	assert.Equal(t, uint32(42), idx)

	require.NoError(t, VerifyBlock(data, footer))
}

func TestBuildAndVerifyFooter2048(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, BlockSize2048)
	footer, err := BuildFooter(data, 7, FooterSize2048)
	require.NoError(t, err)
	require.Len(t, footer, FooterSize2048)

	require.NoError(t, VerifyBlock(data, footer))
}

func TestVerifyBlockDetectsCorruption(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, BlockSize2048)
	footer, err := BuildFooter(data, 1, FooterSize2048)
	require.NoError(t, err)

	data[0] ^= 0xff
	assert.Error(t, VerifyBlock(data, footer))
}

func TestParseFooterIndexUnwritten(t *testing.T) {
	footer := make([]byte, FooterSize2048)
	binary.LittleEndian.PutUint32(footer[:4], badBlockIndex)
	_, ok := ParseFooterIndex(footer)
	assert.False(t, ok)
}

// memWriterAt is a simple in-memory io.WriterAt/io.ReaderAt for tests.
type memWriterAt struct {
	buf []byte
}

func newMemWriterAt(size int) *memWriterAt {
	return &memWriterAt{buf: make([]byte, size)}
}

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.buf) {
		return 0, bytes.ErrTooLarge
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memWriterAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func TestBuildImageAndExtractRoundTrip(t *testing.T) {
	const sectors = 0x7c1
	layout, err := GuessLayout(sectors)
	require.NoError(t, err)

	img := newMemWriterAt(sectors * SectorSize)

	// Mark every block's footer as unwritten up front, matching a
	// freshly-formatted card: ExtractLogical skips these.
	unwritten := make([]byte, 4)
	binary.LittleEndian.PutUint32(unwritten, badBlockIndex)
	recordSize := layout.BlockSize + layout.FooterSize
	for off := int64(layout.BlockSize); off+4 <= int64(sectors*SectorSize); off += int64(recordSize) {
		_, err := img.WriteAt(unwritten, off)
		require.NoError(t, err)
	}

	xblk := buildXblk(layout.BlockSize, nil)
	_, err = img.WriteAt(xblk, int64(layout.BlockSize+layout.FooterSize))
	require.NoError(t, err)

	// BuildImage writes starting at logical sector 1, leaving sector 0
	// (header + bad-block table) alone, matching how the original tool
	// writes a database into an already-formatted image.
	payload := bytes.Repeat([]byte{0x42}, layout.BlockSize*layout.BlocksPerSector*2)
	err = BuildImage(img, bytes.NewReader(payload), int64(sectors*SectorSize), 1)
	require.NoError(t, err)

	var out bytes.Buffer
	badSectors, err := ExtractLogical(&out, img, int64(sectors*SectorSize))
	require.NoError(t, err)
	assert.Empty(t, badSectors)
	assert.Equal(t, payload, out.Bytes())
}
