package cmd

import (
	"path/filepath"

	"github.com/dimaryaz/jdmtool/internal/config"
	"github.com/dimaryaz/jdmtool/internal/jdm"
)

// resolveServicesXML returns the --services-xml flag value, or the
// config dir's cached copy if the flag wasn't given.
func resolveServicesXML() (string, error) {
	if servicesXMLPath != "" {
		return servicesXMLPath, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "services.xml"), nil
}

// resolveDownloadsDir returns the --downloads-dir flag value, or the
// config dir's downloads/ subdirectory if the flag wasn't given.
func resolveDownloadsDir() (string, error) {
	if downloadsDir != "" {
		return downloadsDir, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "downloads"), nil
}

// sidecarPath returns the .jdm sidecar path for a given target
// directory.
func sidecarPath(destDir string) string {
	return filepath.Join(destDir, jdm.Filename)
}
