package cmd

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/catalog"
	"github.com/dimaryaz/jdmtool/internal/config"
	"github.com/dimaryaz/jdmtool/internal/orchestrator"
)

var transferVolumeID string

var transferCmd = &cobra.Command{
	Use:                   "transfer UNIQUE_SERVICE_ID TARGET_DIR",
	Short:                 "Transfer a downloaded service to a mounted SD card or directory",
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		uniqueServiceID, destDir := args[0], args[1]

		servicesPath, err := resolveServicesXML()
		if err != nil {
			return err
		}
		dlDir, err := resolveDownloadsDir()
		if err != nil {
			return err
		}

		f, err := os.Open(servicesPath)
		if err != nil {
			return err
		}
		defer f.Close()

		groups, err := catalog.LoadServices(f)
		if err != nil {
			return err
		}

		var target *catalog.ServiceGroup
		for i := range groups {
			uid, _, _, err := groups[i].Fingerprint()
			if err != nil {
				continue
			}
			if uid == uniqueServiceID {
				target = &groups[i]
				break
			}
		}
		if target == nil {
			return errors.Errorf("service %q not found in catalog", uniqueServiceID)
		}

		volumeID, err := resolveVolumeID(destDir)
		if err != nil {
			return err
		}

		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		_, _, version, err := target.Fingerprint()
		if err != nil {
			return err
		}

		return orchestrator.DirectoryTransfer(log, *target, dlDir, destDir, volumeID, nil, version, sidecarPath(destDir))
	},
}

// resolveVolumeID returns the --volume-id value when one is given,
// recording it for the mount point in the user config; otherwise it
// returns the volume ID previously recorded for the mount point, or
// errors asking the user to provide one via --volume-id, since
// discovering it is platform specific and out of scope here.
func resolveVolumeID(destDir string) (uint32, error) {
	settings, err := config.Load()
	if err != nil {
		return 0, err
	}
	if transferVolumeID != "" {
		v, err := parseVolumeIDHex(transferVolumeID)
		if err != nil {
			return 0, errors.Wrap(err, "parsing --volume-id")
		}
		settings.SetVolumeID(destDir, transferVolumeID)
		_ = settings.Save()
		return v, nil
	}
	if id, ok := settings.VolumeIDs[destDir]; ok {
		v, err := parseVolumeIDHex(id)
		if err != nil {
			return 0, errors.Wrap(err, "parsing cached volume id")
		}
		return v, nil
	}
	return 0, errors.Errorf("no volume id known for %s; pass --volume-id", destDir)
}

// parseVolumeIDHex parses an 8-hex-digit volume ID, as printed by
// Windows' vol command or macOS' diskutil info.
func parseVolumeIDHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func init() {
	transferCmd.Flags().StringVar(&transferVolumeID, "volume-id", "", "target card's volume id, 8 hex digits")
	rootCmd.AddCommand(transferCmd)
}
