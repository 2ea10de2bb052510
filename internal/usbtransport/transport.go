// Package usbtransport wraps a gousb device handle with the bulk and
// control transfer primitives the programmer drivers need, plus the
// open/retry contract shared by Skybound and Garmin devices.
package usbtransport

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is used by callers that don't need a tighter bound.
const DefaultTimeout = 5 * time.Second

const (
	openRetries  = 3
	openRetryGap = 500 * time.Millisecond
)

// OpenFailed is returned when a device could not be opened and
// readied after openRetries attempts.
type OpenFailed struct {
	Cause error
}

func (e *OpenFailed) Error() string { return "failed to open USB device: " + e.Cause.Error() }
func (e *OpenFailed) Unwrap() error { return e.Cause }

// Device wraps a claimed gousb interface and its endpoints. Usage is
// single-threaded and cooperative within one transfer; a Device must
// not be shared between goroutines.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	read  *gousb.InEndpoint
	write *gousb.OutEndpoint
}

// Open claims interface 0 on the already-located *gousb.Device,
// enabling auto-detach (best-effort) and resetting the device,
// retrying transient failures up to openRetries times.
func Open(ctx *gousb.Context, dev *gousb.Device) (*Device, error) {
	var lastErr error
	for attempt := 0; attempt < openRetries; attempt++ {
		d, err := tryOpen(ctx, dev)
		if err == nil {
			return d, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("usb open attempt failed")
		time.Sleep(openRetryGap)
	}
	return nil, &OpenFailed{Cause: lastErr}
}

func tryOpen(ctx *gousb.Context, dev *gousb.Device) (*Device, error) {
	// Best-effort: not all platforms support detaching the kernel
	// driver, and we don't want that to abort the open.
	_ = dev.SetAutoDetach(true)

	if err := dev.Reset(); err != nil {
		return nil, errors.Wrap(err, "resetting device")
	}

	config, err := dev.Config(1)
	if err != nil {
		return nil, errors.Wrap(err, "setting configuration")
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		return nil, errors.Wrap(err, "claiming interface 0")
	}

	return &Device{ctx: ctx, dev: dev, config: config, intf: intf}, nil
}

// Close releases the interface, configuration, and device handle, in
// that order, unconditionally.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.dev != nil {
		return d.dev.Close()
	}
	return nil
}

// NoSuitableEndpoints is returned by DiscoverEndpoints when the
// configuration exposes no IN or no OUT endpoint.
type NoSuitableEndpoints struct{}

func (NoSuitableEndpoints) Error() string { return "no suitable USB endpoints found" }

// DiscoverEndpoints opens the first IN endpoint (address & 0xF0 ==
// 0x80) as the read endpoint and the first OUT endpoint (address &
// 0xF0 == 0x00) as the write endpoint.
func (d *Device) DiscoverEndpoints() error {
	cfgDesc := d.dev.Desc.Configs[1]
	var inAddr, outAddr gousb.EndpointAddress
	var inFound, outFound bool

	for _, ifDesc := range cfgDesc.Interfaces {
		for _, alt := range ifDesc.AltSettings {
			for _, ep := range alt.Endpoints {
				if !inFound && byte(ep.Address)&0xF0 == 0x80 {
					inAddr = ep.Address
					inFound = true
				}
				if !outFound && byte(ep.Address)&0xF0 == 0x00 {
					outAddr = ep.Address
					outFound = true
				}
			}
		}
	}
	if !inFound || !outFound {
		return NoSuitableEndpoints{}
	}

	in, err := d.intf.InEndpoint(int(inAddr))
	if err != nil {
		return errors.Wrap(err, "opening IN endpoint")
	}
	out, err := d.intf.OutEndpoint(int(outAddr))
	if err != nil {
		return errors.Wrap(err, "opening OUT endpoint")
	}
	d.read = in
	d.write = out
	return nil
}

// BulkRead reads up to n bytes from the discovered IN endpoint.
func (d *Device) BulkRead(n int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, n)
	read, err := d.read.ReadContext(ctx, buf)
	if err != nil {
		return nil, errors.Wrap(err, "bulk read")
	}
	return buf[:read], nil
}

// BulkWrite writes buf to the discovered OUT endpoint.
func (d *Device) BulkWrite(buf []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := d.write.WriteContext(ctx, buf)
	return errors.Wrap(err, "bulk write")
}

// ControlRead issues an IN control transfer. timeout is applied via
// the device's ControlTimeout for the duration of the call.
func (d *Device) ControlRead(reqType, request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	d.dev.ControlTimeout = timeout
	buf := make([]byte, length)
	n, err := d.dev.Control(reqType, request, value, index, buf)
	if err != nil {
		return nil, errors.Wrap(err, "control read")
	}
	return buf[:n], nil
}

// ControlWrite issues an OUT control transfer.
func (d *Device) ControlWrite(reqType, request uint8, value, index uint16, buf []byte, timeout time.Duration) error {
	d.dev.ControlTimeout = timeout
	_, err := d.dev.Control(reqType, request, value, index, buf)
	return errors.Wrap(err, "control write")
}
