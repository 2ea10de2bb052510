// Package discovery enumerates USB devices, classifies them by
// vendor/product ID, drives uninitialized Garmin programmers through
// the firmware bootstrap sequence, and hands back a ready-to-use
// cardproto.ProgrammingDevice.
package discovery

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dimaryaz/jdmtool/internal/cardproto"
	"github.com/dimaryaz/jdmtool/internal/firmware"
	"github.com/dimaryaz/jdmtool/internal/usbtransport"
)

// FirmwareDir is where the bootstrap firmware blobs are read from. It
// defaults to a relative "firmware" directory; no command in cmd/
// changes it.
var FirmwareDir = "firmware"

func openFirmwareAsset(name string) (*os.File, error) {
	f, err := os.Open(filepath.Join(FirmwareDir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "opening firmware asset %q", name)
	}
	return f, nil
}

func loadEarlyFirmwareBlobs() (part1, part2 *os.File, err error) {
	part1, err = openFirmwareAsset("grmn0300-part1.dat")
	if err != nil {
		return nil, nil, err
	}
	part2, err = openFirmwareAsset("grmn0300-part2.dat")
	if err != nil {
		part1.Close()
		return nil, nil, err
	}
	return part1, part2, nil
}

func loadStage1FirmwareBlob() (*os.File, error) {
	return openFirmwareAsset("grmn0500.dat")
}

func loadStage2FirmwareBlob() (*os.File, error) {
	return openFirmwareAsset("grmn1300.dat")
}

type vidPid struct {
	vendor, product gousb.ID
}

var (
	skyboundID         = vidPid{0x0E39, 0x1250}
	garminEarlyID      = vidPid{0x091E, 0x0300}
	garminCurrentID    = vidPid{0x091E, 0x0500}
	garminCurrentAltID = vidPid{0x04B4, 0x8613} // Cypress FX2 bootloader fallback
	garminOperationalID = vidPid{0x091E, 0x1300}
)

// kind tags which bootstrap path a detected device needs.
type kind int

const (
	kindSkybound kind = iota
	kindGarminEarly
	kindGarminCurrent
	kindGarminOperational
)

// DeviceNotFound is returned when no recognized programmer is present,
// or a rescan after a firmware write times out.
type DeviceNotFound struct {
	Detail string
}

func (e DeviceNotFound) Error() string { return "device not found: " + e.Detail }

const (
	rescanAttempts = 20
	rescanInterval = 200 * time.Millisecond
)

// Open enumerates USB devices, bootstraps firmware if needed, and
// returns a ready ProgrammingDevice plus a close function. The caller
// must call close when done to release the USB handle and the gousb
// context.
func Open() (cardproto.ProgrammingDevice, func() error, error) {
	ctx := gousb.NewContext()

	dev, k, err := findDevice(ctx)
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}

	switch k {
	case kindGarminEarly:
		dev, err = bootstrapGarminEarly(ctx, dev)
	case kindGarminCurrent:
		dev, err = bootstrapGarminCurrent(ctx, dev)
	case kindGarminOperational:
		dev, err = bootstrapGarminStage2IfNeeded(ctx, dev)
	}
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}

	transport, err := usbtransport.Open(ctx, dev)
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}
	if err := transport.DiscoverEndpoints(); err != nil {
		transport.Close()
		ctx.Close()
		return nil, nil, err
	}

	var pd cardproto.ProgrammingDevice
	if k == kindSkybound {
		pd = cardproto.NewSkybound(transport)
	} else {
		pd = cardproto.NewGarmin(transport)
	}

	type initer interface {
		Init() error
	}
	if i, ok := pd.(initer); ok {
		if err := i.Init(); err != nil {
			transport.Close()
			ctx.Close()
			return nil, nil, err
		}
	}

	closeFn := func() error {
		var closeErr error
		if c, ok := pd.(interface{ Close() error }); ok {
			closeErr = c.Close()
		}
		transport.Close()
		ctx.Close()
		return closeErr
	}
	return pd, closeFn, nil
}

func classify(desc *gousb.DeviceDesc) (kind, bool) {
	vp := vidPid{desc.Vendor, desc.Product}
	switch vp {
	case skyboundID:
		return kindSkybound, true
	case garminEarlyID:
		return kindGarminEarly, true
	case garminCurrentID, garminCurrentAltID:
		return kindGarminCurrent, true
	case garminOperationalID:
		return kindGarminOperational, true
	default:
		return 0, false
	}
}

func findDevice(ctx *gousb.Context) (*gousb.Device, kind, error) {
	var found *gousb.Device
	var foundKind kind

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		k, ok := classify(desc)
		if ok && found == nil {
			foundKind = k
			return true
		}
		return false
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "enumerating USB devices")
	}
	for _, d := range devs {
		if found == nil {
			found = d
		} else {
			d.Close()
		}
	}
	if found == nil {
		return nil, 0, DeviceNotFound{Detail: "no Skybound or Garmin programmer present"}
	}
	return found, foundKind, nil
}

// rescanFor polls for a device matching target until it reappears
// (e.g. after a firmware write causes it to re-enumerate) or the
// attempt budget is exhausted.
func rescanFor(ctx *gousb.Context, target vidPid) (*gousb.Device, error) {
	for attempt := 0; attempt < rescanAttempts; attempt++ {
		time.Sleep(rescanInterval)
		devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return desc.Vendor == target.vendor && desc.Product == target.product
		})
		if err != nil {
			return nil, errors.Wrap(err, "rescanning USB devices")
		}
		if len(devs) > 0 {
			for _, extra := range devs[1:] {
				extra.Close()
			}
			log.Debug().Int("attempt", attempt+1).Msg("found re-enumerated device")
			return devs[0], nil
		}
	}
	return nil, DeviceNotFound{Detail: "device did not re-enumerate after firmware write"}
}

func bootstrapGarminEarly(ctx *gousb.Context, dev *gousb.Device) (*gousb.Device, error) {
	log.Info().Msg("found uninitialized early-generation Garmin programmer")

	transport, err := usbtransport.Open(ctx, dev)
	if err != nil {
		return nil, err
	}
	w := firmware.NewWriter(transport)
	part1, part2, err := loadEarlyFirmwareBlobs()
	if err != nil {
		transport.Close()
		return nil, err
	}
	err = w.LoadEarly(part1, part2)
	part1.Close()
	part2.Close()
	transport.Close()
	if err != nil {
		return nil, err
	}

	return rescanFor(ctx, garminOperationalID)
}

func bootstrapGarminCurrent(ctx *gousb.Context, dev *gousb.Device) (*gousb.Device, error) {
	log.Info().Msg("found uninitialized current-generation Garmin programmer")

	transport, err := usbtransport.Open(ctx, dev)
	if err != nil {
		return nil, err
	}
	w := firmware.NewWriter(transport)
	stage1, err := loadStage1FirmwareBlob()
	if err != nil {
		transport.Close()
		return nil, err
	}
	err = w.LoadCurrentStage1(stage1)
	stage1.Close()
	transport.Close()
	if err != nil {
		return nil, err
	}

	operational, err := rescanFor(ctx, garminOperationalID)
	if err != nil {
		return nil, err
	}
	return bootstrapGarminStage2IfNeeded(ctx, operational)
}

func bootstrapGarminStage2IfNeeded(ctx *gousb.Context, dev *gousb.Device) (*gousb.Device, error) {
	transport, err := usbtransport.Open(ctx, dev)
	if err != nil {
		return nil, err
	}
	w := firmware.NewWriter(transport)

	err = w.CheckStage2Required()
	if _, already := err.(firmware.AlreadyUpdated); already {
		transport.Close()
		log.Debug().Msg("stage 2 firmware already applied")
		// transport.Close also closed dev's handle, so open the
		// operational device again.
		return rescanFor(ctx, garminOperationalID)
	}
	if err != nil {
		transport.Close()
		return nil, err
	}

	stage2, loadErr := loadStage2FirmwareBlob()
	if loadErr != nil {
		transport.Close()
		return nil, loadErr
	}
	log.Info().Msg("writing stage 2 firmware")
	err = w.LoadCurrentStage2(stage2)
	stage2.Close()
	transport.Close()
	if err != nil {
		return nil, err
	}

	return rescanFor(ctx, garminOperationalID)
}
