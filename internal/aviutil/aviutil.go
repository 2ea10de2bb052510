// Package aviutil places a downloaded service's files onto a
// directory-mode target: an SD card or mounted filesystem that a
// Garmin avionics unit reads databases from directly, as opposed to
// the raw-block programmer targets internal/cardproto writes.
package aviutil

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LdrSysDir is the subdirectory a feature-unlock key is dropped into
// on the target, matching the LDR_SYS path Garmin units expect.
const LdrSysDir = "ldr_sys"

// FeatureKeyName is the on-target filename for a copied feature-unlock
// key.
const FeatureKeyName = "grm_feat_key.zip"

// FeatureUnlockFilename is the catalog database filename that signals
// a service needs a feature-unlock key to function.
const FeatureUnlockFilename = "feat_unlk.dat"

// NeedsFeatureKey reports whether a media entry's database filename
// requires a feature-unlock key on the target.
func NeedsFeatureKey(databaseFilename string) bool {
	return databaseFilename == FeatureUnlockFilename
}

// ExtractDatabase unpacks a downloaded database zip onto dest,
// normalizing backslash-separated entry names (some vendor archives
// are built on Windows and ship them as-is) and returns the paths
// written, relative to dest.
func ExtractDatabase(zipPath, dest string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening database archive")
	}
	defer r.Close()

	var written []string
	for _, f := range r.File {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		target := filepath.Join(dest, filepath.FromSlash(name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating directory %s", target)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", target)
		}

		if err := extractOne(f, target); err != nil {
			return nil, errors.Wrapf(err, "extracting %s", name)
		}
		written = append(written, name)
	}
	return written, nil
}

func extractOne(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// CopySFFs copies each OEM sidecar database file to dest, keeping its
// base name, and returns the destination paths.
func CopySFFs(sffPaths []string, dest string) ([]string, error) {
	var copied []string
	for _, src := range sffPaths {
		target := filepath.Join(dest, filepath.Base(src))
		if err := copyFile(src, target); err != nil {
			return nil, errors.Wrapf(err, "copying %s", src)
		}
		copied = append(copied, target)
	}
	return copied, nil
}

// PlaceFeatureKey copies a feature-unlock key into dest's ldr_sys/
// subdirectory under its fixed on-target name, creating the
// subdirectory if needed.
func PlaceFeatureKey(keyPath, dest string) (string, error) {
	ldrSys := filepath.Join(dest, LdrSysDir)
	if err := os.MkdirAll(ldrSys, 0o755); err != nil {
		return "", errors.Wrap(err, "creating ldr_sys directory")
	}
	target := filepath.Join(ldrSys, FeatureKeyName)
	if err := copyFile(keyPath, target); err != nil {
		return "", errors.Wrap(err, "copying feature-unlock key")
	}
	return target, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
