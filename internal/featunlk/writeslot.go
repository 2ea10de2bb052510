package featunlk

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FeatUnlkFilename is the name of the sidecar file in destDir that
// WriteSlot updates.
const FeatUnlkFilename = "feat_unlk.dat"

// WriteSlot resolves filename to its feature, copies src to
// <destDir>/<filename> while computing the running feat-unlk CRC and
// (for Navigation) capturing the preview, then updates the feature's
// slot in <destDir>/feat_unlk.dat, creating the file if it doesn't
// exist yet.
func WriteSlot(src io.Reader, destDir, filename string, volumeID uint32, securityID uint16, systemID uint64) error {
	feature, ok := LookupFeature(filename)
	if !ok {
		return UnsupportedFilename{Filename: filename}
	}

	destPath := filepath.Join(destDir, filename)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrap(err, "creating destination directory")
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, "creating destination file")
	}
	defer dest.Close()

	fileCRC, preview, err := CopyWithFeatUnlk(dest, src, feature, nil)
	if err != nil {
		return errors.Wrapf(err, "copying %s", filename)
	}
	if err := dest.Close(); err != nil {
		return errors.Wrap(err, "closing destination file")
	}

	featUnlkPath := filepath.Join(destDir, FeatUnlkFilename)
	touch, err := os.OpenFile(featUnlkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating feat_unlk.dat")
	}
	if err := touch.Close(); err != nil {
		return errors.Wrap(err, "creating feat_unlk.dat")
	}
	out, err := os.OpenFile(featUnlkPath, os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening feat_unlk.dat")
	}
	defer out.Close()

	if err := UpdateFeatUnlkSlot(out, feature, volumeID, securityID, systemID, fileCRC, preview); err != nil {
		return errors.Wrap(err, "updating feat_unlk.dat")
	}
	return out.Close()
}
