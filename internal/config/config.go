// Package config persists small pieces of user state — the
// last-used device path, cached volume IDs, the Jeppesen customer
// number — as JSON under the OS-specific user config directory. It is
// read from disk on every Load and rewritten in full on every Save;
// there is no partial/incremental update support, matching the
// "global state" model described for the rest of the pipeline.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// AppName names the subdirectory this package creates under the OS
// config root (e.g. ~/.config/jdmtool on Linux).
const AppName = "jdmtool"

const fileName = "config.json"

// Settings is the full persisted document. Fields are optional; a
// freshly-created Settings is the zero value.
type Settings struct {
	// LastDevicePath is the most recently used programmer device
	// path or mount point, offered as the default next time.
	LastDevicePath string `json:"last_device_path,omitempty"`

	// VolumeIDs caches the platform-specific volume ID looked up for
	// a given mount point, keyed by that mount point, so directory
	// transfers don't need the (slow, platform-specific) lookup
	// every run.
	VolumeIDs map[string]string `json:"volume_ids,omitempty"`

	// CustomerNumber is the Jeppesen account identifier used for
	// catalog refresh and download requests.
	CustomerNumber string `json:"customer_number,omitempty"`
}

// Dir returns the OS config directory this package reads and writes
// under, creating it if it doesn't already exist.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving user config directory")
	}
	dir := filepath.Join(base, AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating config directory")
	}
	return dir, nil
}

// Path returns the full path to the settings file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads settings from disk, returning a zero-value Settings (not
// an error) if the file doesn't exist yet — the first-access case
// creates it lazily on the next Save, not on Load.
func Load() (*Settings, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	return &s, nil
}

// Save writes settings to disk as indented JSON, overwriting any
// existing file.
func (s *Settings) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding config file")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// SetVolumeID records the volume ID last observed for a mount point.
func (s *Settings) SetVolumeID(mountPoint, volumeID string) {
	if s.VolumeIDs == nil {
		s.VolumeIDs = make(map[string]string)
	}
	s.VolumeIDs[mountPoint] = volumeID
}
