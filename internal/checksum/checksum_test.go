package checksum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32QReference(t *testing.T) {
	got := CRC32Q(0, []byte("hello world"))
	assert.Equal(t, uint32(0x13AA9356), got)
}

func TestSFXReference(t *testing.T) {
	got := SFXChecksum(0, []byte("hello world"))
	assert.Equal(t, uint32(0xCD5FD321), got)
}

func TestFeatUnlkReference(t *testing.T) {
	got := FeatUnlk(FeatUnlkDefaultSeed, []byte("hello world"))
	assert.Equal(t, uint32(0xF2B5EE7A), got)
}

func TestCRC32QClosure(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("hello world"),
		[]byte(""),
		[]byte{0x00, 0xFF, 0x10, 0x20},
		make([]byte, 4096),
	} {
		c := CRC32Q(0, data)
		var trailer [4]byte
		binary.BigEndian.PutUint32(trailer[:], c)
		require.NoError(t, VerifyCRC32Q(append(append([]byte{}, data...), trailer[:]...)))
	}
}

func TestFeatUnlkClosure(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("hello world"),
		[]byte(""),
		[]byte{0x00, 0xFF, 0x10, 0x20},
		make([]byte, 4096),
	} {
		c := FeatUnlk(FeatUnlkDefaultSeed, data)
		var trailer [4]byte
		binary.LittleEndian.PutUint32(trailer[:], c)
		require.NoError(t, VerifyFeatUnlk(append(append([]byte{}, data...), trailer[:]...)))
	}
}

func TestVerifyCRC32QDetectsCorruption(t *testing.T) {
	data := []byte("hello world")
	c := CRC32Q(0, data)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], c)
	buf := append(append([]byte{}, data...), trailer[:]...)
	buf[0] ^= 0xFF

	err := VerifyCRC32Q(buf)
	require.Error(t, err)
	var mismatch *Mismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint32(0), mismatch.Expected)
	assert.NotEqual(t, uint32(0), mismatch.Got)
}

func repeatingPattern(n int, mult int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte((i * mult) % 256)
	}
	return buf
}

func TestTAWSDatablock512Reference(t *testing.T) {
	datablock := repeatingPattern(0x200, 7)
	footer := repeatingPattern(0xE, 3)
	assert.Equal(t, uint16(0x6075), TAWSDatablock512(datablock, footer))
}

func TestTAWSDatablock2048Reference(t *testing.T) {
	datablock := repeatingPattern(0x800, 5)
	footer := repeatingPattern(0x3C, 11)
	assert.Equal(t, uint32(0x3ee), TAWSDatablock2048(datablock, footer))
}

func TestTAWSMcrf4xxCheckValue(t *testing.T) {
	// The standard CRC-16/MCRF4XX check value for the ASCII string
	// "123456789".
	got := TAWSMcrf4xx([]byte("123456789"), TAWSMcrf4xxDefaultSeed)
	assert.Equal(t, uint16(0x6F91), got)
}

func TestTablesAreStable(t *testing.T) {
	// Regression guard: the tables are computed once in init and must
	// never drift between calls.
	first := CRC32Q(0, []byte("a"))
	second := CRC32Q(0, []byte("a"))
	assert.Equal(t, first, second)
}
