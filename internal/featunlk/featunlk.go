// Package featunlk reads and writes Garmin G1000 "feat_unlk.dat"
// feature-unlock files: a 913-byte stride per feature, each carrying
// a content block, a vendor-metadata block, and a self-verifying CRC
// trailer.
package featunlk

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

const (
	SlotStride  = 913
	Content1Len = 0x55  // 85
	Content2Len = 0x338 // 824

	secIDOffset = 191

	magic1 = 0x1
	magic2 = 0x7648329A
	magic3 = 0x6501

	navigationPreviewStart = 129
	navigationPreviewEnd   = 146
	previewLen             = navigationPreviewEnd - navigationPreviewStart

	chunkSize = 0x8000
)

// Feature names one of the twenty fixed slots in feat_unlk.dat: its
// byte offset, the bit it sets in the feature-mask field, and every
// filename the vendor tooling has used for it across firmware
// revisions.
type Feature struct {
	Name      string
	Offset    int
	Bit       uint
	Filenames []string
}

var (
	Navigation       = Feature{"NAVIGATION", 0, 0, []string{"ldr_sys/avtn_db.bin", "avtn_db.bin", ".System/AVTN/avtn_db.bin"}}
	ConfigEnable     = Feature{"CONFIG_ENABLE", 913, 2, nil}
	Terrain          = Feature{"TERRAIN", 1826, 3, []string{"terrain_9as.tdb", "trn.dat", ".System/AVTN/terrain.tdb"}}
	Obstacle         = Feature{"OBSTACLE", 2739, 4, []string{"terrain.odb", ".System/AVTN/obstacle.odb"}}
	AptTerrain       = Feature{"APT_TERRAIN", 3652, 5, []string{"terrain.adb"}}
	ChartView        = Feature{"CHARTVIEW", 4565, 6, []string{"Charts/crcfiles.txt", "crcfiles.txt"}}
	SafeTaxi         = Feature{"SAFETAXI", 5478, 7, []string{"safetaxi.bin", ".System/AVTN/safetaxi.img"}}
	FliteCharts      = Feature{"FLITE_CHARTS", 6391, 8, []string{"fc_tpc/fc_tpc.dat", "fc_tpc.dat", ".System/AVTN/FliteCharts/fc_tpc.dat"}}
	Basemap          = Feature{"BASEMAP", 7304, 10, []string{"bmap.bin"}}
	AirportDir       = Feature{"AIRPORT_DIR", 8217, 10, []string{"apt_dir.gca", "fbo.gpi"}}
	AirSport         = Feature{"AIR_SPORT", 9130, 10, []string{"air_sport.gpi", "Poi/air_sport.gpi"}}
	Navigation2      = Feature{"NAVIGATION_2", 10043, 10, nil}
	Sectionals       = Feature{"SECTIONALS", 10956, 10, []string{"rasters/rasters.xml", "rasters.xml"}}
	Obstacle2        = Feature{"OBSTACLE2", 11869, 10, []string{"standard.odb"}}
	NavDB2           = Feature{"NAV_DB2", 12782, 10, []string{"ldr_sys/nav_db2.bin", "nav_db2.bin"}}
	NavDB2Standby    = Feature{"NAV_DB2_STBY", 13695, 10, nil}
	SystemCopy       = Feature{"SYSTEM_COPY", 14608, 11, nil}
	ConfigEnableNoSN = Feature{"CONFIG_ENABLE_NO_SERNO", 15521, 2, nil}
	SafeTaxi2        = Feature{"SAFETAXI2", 16434, 10, []string{"safetaxi2.gca"}}
	Basemap2         = Feature{"BASEMAP2", 17347, 10, []string{"bmap2.bin"}}
)

// Features lists all twenty slots in table order.
var Features = []Feature{
	Navigation, ConfigEnable, Terrain, Obstacle, AptTerrain, ChartView,
	SafeTaxi, FliteCharts, Basemap, AirportDir, AirSport, Navigation2,
	Sectionals, Obstacle2, NavDB2, NavDB2Standby, SystemCopy,
	ConfigEnableNoSN, SafeTaxi2, Basemap2,
}

// filenameToFeature maps every alias filename to its feature, built
// once at init.
var filenameToFeature = func() map[string]Feature {
	m := map[string]Feature{}
	for _, f := range Features {
		for _, name := range f.Filenames {
			m[name] = f
		}
	}
	return m
}()

// LookupFeature resolves a filename to its feature slot.
func LookupFeature(filename string) (Feature, bool) {
	f, ok := filenameToFeature[filename]
	return f, ok
}

// UnsupportedFilename is returned when a filename has no known
// feature mapping.
type UnsupportedFilename struct {
	Filename string
}

func (e UnsupportedFilename) Error() string {
	return "unsupported filename: " + e.Filename
}

// EncodeVolumeID and DecodeVolumeID implement the vendor's
// reversible volume-id obfuscation; each is the other's inverse.
func EncodeVolumeID(v uint32) uint32 {
	return ^((v << 31) | (v >> 1)) & 0xFFFFFFFF
}

func DecodeVolumeID(encoded uint32) uint32 {
	return ^((encoded << 1) | (encoded >> 31)) & 0xFFFFFFFF
}

// TruncateSystemID folds a 64-bit system id into 32 bits the way the
// vendor format stores it.
func TruncateSystemID(systemID uint64) uint32 {
	return uint32(systemID&0xFFFFFFFF) + uint32(systemID>>32)
}

// CopyWithFeatUnlk streams src to dest (chunkSize bytes at a time, so
// callers can report progress), computing the running feat-unlk CRC
// and capturing the Navigation preview bytes from the first block.
// The final 4 bytes of the stream must be the file's own CRC, making
// the running checksum land on zero; that declared CRC is returned
// for use as the slot's file CRC.
func CopyWithFeatUnlk(dest io.Writer, src io.Reader, feature Feature, progress func(int)) (fileCRC uint32, preview []byte, err error) {
	var lastBlock []byte
	buf := make([]byte, chunkSize)
	chk := checksum.FeatUnlkDefaultSeed

	for {
		n, readErr := io.ReadFull(src, buf)
		if n == 0 {
			break
		}
		block := buf[:n]

		if lastBlock == nil && feature.Name == Navigation.Name {
			if len(block) >= navigationPreviewEnd {
				preview = append([]byte(nil), block[navigationPreviewStart:navigationPreviewEnd]...)
			}
		}

		if _, werr := dest.Write(block); werr != nil {
			return 0, nil, errors.Wrap(werr, "writing feature file")
		}
		chk = checksum.FeatUnlk(chk, block)
		if progress != nil {
			progress(len(block))
		}
		lastBlock = append([]byte(nil), block...)

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, nil, errors.Wrap(readErr, "reading source file")
		}
	}

	if chk != 0 {
		return 0, nil, &checksum.Mismatch{Expected: 0, Got: chk}
	}
	if len(lastBlock) < 4 {
		return 0, nil, errors.New("source file too short to carry a trailing CRC")
	}
	fileCRC = binary.LittleEndian.Uint32(lastBlock[len(lastBlock)-4:])
	return fileCRC, preview, nil
}

// UpdateFeatUnlkSlot composes Content-1, Content-2, and the overall
// CRC for feature and writes them at the feature's fixed offset
// within w, which must support WriteAt (a feat_unlk.dat opened
// read/write; writing past its end extends the file to cover the
// slot).
func UpdateFeatUnlkSlot(w io.WriterAt, feature Feature, volID uint32, securityID uint16, systemID uint64, fileCRC uint32, preview []byte) error {
	content1, err := buildContent1(feature, volID, securityID, fileCRC, preview)
	if err != nil {
		return err
	}
	content2 := buildContent2(systemID)

	overallCRC := checksum.FeatUnlk(checksum.FeatUnlkDefaultSeed, append(append([]byte{}, content1...), content2...))

	if _, err := w.WriteAt(content1, int64(feature.Offset)); err != nil {
		return errors.Wrap(err, "writing content1")
	}
	if _, err := w.WriteAt(content2, int64(feature.Offset+Content1Len)); err != nil {
		return errors.Wrap(err, "writing content2")
	}
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, overallCRC)
	if _, err := w.WriteAt(crcBuf, int64(feature.Offset+Content1Len+Content2Len)); err != nil {
		return errors.Wrap(err, "writing overall crc")
	}
	return nil
}

func buildContent1(feature Feature, volID uint32, securityID uint16, fileCRC uint32, preview []byte) ([]byte, error) {
	buf := make([]byte, 0, Content1Len)
	buf = binary.LittleEndian.AppendUint16(buf, magic1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16((int(securityID)-secIDOffset+0x10000)&0xFFFF))
	buf = binary.LittleEndian.AppendUint32(buf, magic2)
	buf = binary.LittleEndian.AppendUint32(buf, 1<<feature.Bit)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, EncodeVolumeID(volID))

	if feature.Name == Navigation.Name {
		buf = binary.LittleEndian.AppendUint16(buf, magic3)
	}

	buf = binary.LittleEndian.AppendUint32(buf, fileCRC)

	if feature.Name == Navigation.Name {
		if len(preview) != previewLen {
			return nil, errors.Errorf("navigation preview must be %d bytes, got %d", previewLen, len(preview))
		}
		buf = append(buf, preview...)
	} else {
		buf = append(buf, make([]byte, previewLen)...)
	}

	buf = append(buf, make([]byte, Content1Len-len(buf)-4)...)

	chk := checksum.FeatUnlk(checksum.FeatUnlkDefaultSeed, buf)
	buf = binary.LittleEndian.AppendUint32(buf, chk)
	if len(buf) != Content1Len {
		return nil, errors.Errorf("internal error: content1 is %d bytes, want %d", len(buf), Content1Len)
	}
	return buf, nil
}

func buildContent2(systemID uint64) []byte {
	buf := make([]byte, 0, Content2Len)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, TruncateSystemID(systemID))
	buf = append(buf, make([]byte, Content2Len-len(buf)-4)...)

	chk := checksum.FeatUnlk(checksum.FeatUnlkDefaultSeed, buf)
	buf = binary.LittleEndian.AppendUint32(buf, chk)
	return buf
}
