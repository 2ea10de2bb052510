// Package firmware loads the two-stage bootstrap firmware onto a
// freshly-enumerated, uninitialized Garmin USB card programmer.
package firmware

import (
	"encoding/binary"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dimaryaz/jdmtool/internal/usbtransport"
)

// controlDevice is the sliver of *usbtransport.Device this package
// needs; a narrow interface so the retry/record-parsing logic can be
// exercised against a fake in tests.
type controlDevice interface {
	ControlRead(reqType, request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error)
	ControlWrite(reqType, request uint8, value, index uint16, buf []byte, timeout time.Duration) error
}

// AlreadyUpdated signals that a programmer already running stage-2
// firmware was asked to load stage-2 again; the caller should proceed
// straight to normal operation.
type AlreadyUpdated struct{}

func (AlreadyUpdated) Error() string { return "firmware is already up to date" }

// stage2ExpectedVersion is the exact version string a stage-1-only
// programmer reports; any other string means stage 2 already ran.
const stage2ExpectedVersion = "Aviation Card Programmer Ver 3.02 Aug 10 2015 13:21:51\x00"

const (
	writeRetries = 3
	writeRetryGap = 100 * time.Millisecond

	interStageDelay = 2 * time.Second
)

// Writer drives the firmware control-write protocol against a
// just-opened, not-yet-claimed-for-data-transfer device.
type Writer struct {
	dev controlDevice
}

func NewWriter(dev *usbtransport.Device) *Writer {
	return &Writer{dev: dev}
}

// LoadEarly writes the two-part 0x300 bootstrap blob to an
// uninitialized early-generation reader, pausing between parts to let
// the device settle.
func (w *Writer) LoadEarly(part1, part2 io.Reader) error {
	log.Info().Msg("writing stage 1 of 2 firmware blob")
	if err := w.writeRecords(part1); err != nil {
		return err
	}
	time.Sleep(interStageDelay)

	log.Info().Msg("writing stage 2 of 2 firmware blob")
	if err := w.writeRecords(part2); err != nil {
		return err
	}
	time.Sleep(interStageDelay)
	return nil
}

// LoadCurrentStage1 writes the stage-1 blob to a current-generation
// reader. The device re-enumerates under the operational VID/PID
// afterward; the caller is responsible for rediscovering it.
func (w *Writer) LoadCurrentStage1(stage1 io.Reader) error {
	log.Info().Msg("writing stage 1 firmware blob")
	return w.writeRecords(stage1)
}

// CheckStage2Required reads the operational device's version string
// and returns AlreadyUpdated if stage 2 has already been applied.
func (w *Writer) CheckStage2Required() error {
	buf, err := w.dev.ControlRead(0xC0, 0x8A, 0x0000, 0x0000, 512, usbtransport.DefaultTimeout)
	if err != nil {
		return err
	}
	if string(buf) != stage2ExpectedVersion {
		return AlreadyUpdated{}
	}
	return nil
}

// LoadCurrentStage2 writes the stage-2 blob. Call CheckStage2Required
// first; this does not re-check.
func (w *Writer) LoadCurrentStage2(stage2 io.Reader) error {
	log.Info().Msg("writing stage 2 firmware blob")
	return w.writeRecords(stage2)
}

// writeRecords streams <u16 LE addr><u16 LE len><len bytes> records
// from r, issuing each as a 0xA0 control write. A device that
// disappears mid-stream (LIBUSB_ERROR_NO_DEVICE, recognized from the
// error text by isDeviceGone) is treated as success: the device is
// re-enumerating under its next firmware stage.
func (w *Writer) writeRecords(r io.Reader) error {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "reading firmware record header")
		}
		addr := binary.LittleEndian.Uint16(header[0:2])
		length := binary.LittleEndian.Uint16(header[2:4])

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return errors.Wrap(err, "reading firmware record body")
		}

		if err := w.writeRecordWithRetry(addr, data); err != nil {
			if errors.Is(err, errDeviceGone) {
				return nil
			}
			return err
		}
	}
}

// errDeviceGone marks a control-write failure that indicates the
// device vanished mid-transfer rather than a transient I/O glitch.
var errDeviceGone = errors.New("device disappeared during firmware write")

func (w *Writer) writeRecordWithRetry(addr uint16, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		err := w.dev.ControlWrite(0x40, 0xA0, addr, 0x0000, data, usbtransport.DefaultTimeout)
		if err == nil {
			return nil
		}
		if isDeviceGone(err) {
			return errDeviceGone
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Uint16("addr", addr).Msg("firmware record write failed, retrying")
		time.Sleep(writeRetryGap)
	}
	return errors.Wrap(lastErr, "writing firmware record")
}

// isDeviceGone reports whether err looks like the device was
// physically removed mid-transfer, as opposed to a transient I/O
// error worth retrying. gousb surfaces libusb's LIBUSB_ERROR_NO_DEVICE
// as a *gousb.TransferStatus/error whose string names "no device";
// matching on that text is the most portable signal available without
// importing libusb's numeric error constants directly.
func isDeviceGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no device") || strings.Contains(msg, "disconnected")
}
