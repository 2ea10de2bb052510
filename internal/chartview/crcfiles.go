package chartview

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// CRCFilesList is the fixed set of output filenames crcfiles.txt
// reports on, in emission order.
var CRCFilesList = []string{
	"charts.bin",
	"charts.dbf",
	"chrtlink.dbf",
	"airports.dbf",
	"notams.dbf",
	"notams.dbt",
}

// FileSource supplies the bytes for one crcfiles.txt entry: Processed
// reads from the merge's destination directory (the file this merge
// just produced), unprocessed falls back to reading straight from the
// originating source archive (a file the merge passed through
// unchanged, like crcfiles.txt's own predecessor entries).
type FileSource interface {
	ReadDest(name string) ([]byte, error)
	ReadSource(name string) ([]byte, error)
}

// WriteCRCFiles emits one "<filename>,0x<8-hex>\r\n" line per entry in
// CRCFilesList. processed marks which filenames were actually
// regenerated by this merge (and so must be read back from the
// destination directory); everything else is read from the
// originating source archive instead.
func WriteCRCFiles(w io.Writer, files FileSource, processed map[string]bool) error {
	for _, name := range CRCFilesList {
		var (
			data []byte
			err  error
		)
		if processed[name] {
			data, err = files.ReadDest(name)
		} else {
			data, err = files.ReadSource(name)
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s for crcfiles.txt", name)
		}

		crc := checksum.CRC32Q(0, data)
		if _, err := fmt.Fprintf(w, "%s,0x%08x\r\n", name, crc); err != nil {
			return errors.Wrap(err, "writing crcfiles.txt")
		}
	}
	return nil
}
