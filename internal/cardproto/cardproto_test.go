package cardproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIIDKnownEntries(t *testing.T) {
	cases := []struct {
		manufacturer, chip byte
		wantSectors        int
		wantDesc           string
	}{
		{0x89, 0xa2, 0x10, "non-WAAS (white)"},
		{0x01, 0xad, 0x20, "non-WAAS (green)"},
		{0x01, 0x41, 0x40, "WAAS (silver)"},
		{0x89, 0x7e, 0x40, "WAAS (orange)"},
	}
	for _, c := range cases {
		info, ok := LookupIID(c.manufacturer, c.chip)
		require.True(t, ok, "expected %02x/%02x to be known", c.manufacturer, c.chip)
		assert.Equal(t, c.wantSectors, info.SectorsPerChip)
		assert.Equal(t, c.wantDesc, info.Description)
		assert.Equal(t, NavData, info.CardType)
	}
}

func TestLookupIIDUnknown(t *testing.T) {
	_, ok := LookupIID(0xff, 0xff)
	assert.False(t, ok)
}

func TestResolveChipSetHomogeneous(t *testing.T) {
	// 0x89/0xa2 -> white, 0x10 sectors/chip, two identical chips.
	iid := uint32(0x89)<<24 | uint32(0xa2)<<8
	info, err := resolveChipSet([]uint32{iid, iid})
	require.NoError(t, err)
	assert.Equal(t, 0x10, info.SectorsPerChip)
	assert.Equal(t, "non-WAAS (white)", info.Description)
}

func TestResolveChipSetSingleChipUnsupported(t *testing.T) {
	iid := uint32(0x89)<<24 | uint32(0xa2)<<8
	_, err := resolveChipSet([]uint32{iid})
	var unsupported *UnsupportedCard
	assert.ErrorAs(t, err, &unsupported)
}

func TestResolveChipSetMixedIIDsUnsupported(t *testing.T) {
	white := uint32(0x89)<<24 | uint32(0xa2)<<8
	green := uint32(0x01)<<24 | uint32(0xad)<<8
	_, err := resolveChipSet([]uint32{white, green, white})
	var unsupported *UnsupportedCard
	assert.ErrorAs(t, err, &unsupported)
}

func TestResolveChipSetUnknownIID(t *testing.T) {
	bogus := uint32(0xde)<<24 | uint32(0xad)<<8
	_, err := resolveChipSet([]uint32{bogus, bogus, bogus})
	var unsupported *UnsupportedCard
	assert.ErrorAs(t, err, &unsupported)
}

func TestTranslateSectorSmallChip(t *testing.T) {
	// sectorsPerChip <= 0x20: base offset plus in-chip remainder.
	s := &Skybound{sectorsPerChip: 0x10}
	assert.Equal(t, skyboundMemoryOffsets[0]+0, s.translateSector(0))
	assert.Equal(t, skyboundMemoryOffsets[0]+0x0f, s.translateSector(0x0f))
	assert.Equal(t, skyboundMemoryOffsets[1]+0, s.translateSector(0x10))
	assert.Equal(t, skyboundMemoryOffsets[3]+0x05, s.translateSector(0x35))
}

func TestTranslateSectorLargeChipAlternates(t *testing.T) {
	// sectorsPerChip > 0x20: every other 0x20-sector block adds 0x200.
	s := &Skybound{sectorsPerChip: 0x40}
	assert.Equal(t, skyboundMemoryOffsets[0]+0, s.translateSector(0))
	assert.Equal(t, skyboundMemoryOffsets[0]+0x200, s.translateSector(0x20))
	assert.Equal(t, skyboundMemoryOffsets[0]+0x05, s.translateSector(0x05))
	assert.Equal(t, skyboundMemoryOffsets[0]+0x200+0x05, s.translateSector(0x25))
	// moves on to the next chip's base offset after two 0x20 blocks.
	assert.Equal(t, skyboundMemoryOffsets[1]+0, s.translateSector(0x40))
}

func TestTranslateSectorIsUniquePerSectorWithinChip(t *testing.T) {
	s := &Skybound{sectorsPerChip: 0x40}
	seen := map[uint16]bool{}
	for sector := 0; sector < 0x40; sector++ {
		addr := s.translateSector(sector)
		assert.False(t, seen[addr], "sector %#x collided with a previous sector at address %#x", sector, addr)
		seen[addr] = true
	}
}

func TestCheckSupportsWriteOnlyGatesOrangeCards(t *testing.T) {
	s := &Skybound{cardInfo: "non-WAAS (white)"}
	assert.NoError(t, s.CheckSupportsWrite())
}
