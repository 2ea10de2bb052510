package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWrite struct {
	addr uint16
	data []byte
}

type fakeDevice struct {
	writes      []recordedWrite
	failUntil   int // fail the first N ControlWrite calls with errs[call]
	errs        []error
	versionResp []byte
}

func (f *fakeDevice) ControlRead(reqType, request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	return f.versionResp, nil
}

func (f *fakeDevice) ControlWrite(reqType, request uint8, value, index uint16, buf []byte, timeout time.Duration) error {
	call := len(f.writes)
	f.writes = append(f.writes, recordedWrite{addr: value, data: append([]byte(nil), buf...)})
	if call < f.failUntil {
		return f.errs[call]
	}
	return nil
}

func record(addr, length uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], addr)
	binary.LittleEndian.PutUint16(buf[2:4], length)
	copy(buf[4:], data)
	return buf
}

func TestWriteRecordsParsesAndWritesEachRecord(t *testing.T) {
	dev := &fakeDevice{}
	w := &Writer{dev: dev}

	var blob bytes.Buffer
	blob.Write(record(0x0100, 3, []byte{0x01, 0x02, 0x03}))
	blob.Write(record(0x0200, 2, []byte{0xAA, 0xBB}))

	require.NoError(t, w.writeRecords(&blob))
	require.Len(t, dev.writes, 2)
	assert.Equal(t, uint16(0x0100), dev.writes[0].addr)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, dev.writes[0].data)
	assert.Equal(t, uint16(0x0200), dev.writes[1].addr)
	assert.Equal(t, []byte{0xAA, 0xBB}, dev.writes[1].data)
}

func TestWriteRecordsRetriesTransientErrors(t *testing.T) {
	dev := &fakeDevice{
		failUntil: 2,
		errs:      []error{errors.New("timeout"), errors.New("timeout")},
	}
	w := &Writer{dev: dev}

	var blob bytes.Buffer
	blob.Write(record(0x0000, 1, []byte{0x7f}))

	require.NoError(t, w.writeRecords(&blob))
	assert.Len(t, dev.writes, 3)
}

func TestWriteRecordsGivesUpAfterMaxRetries(t *testing.T) {
	dev := &fakeDevice{
		failUntil: writeRetries,
		errs:      []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
	}
	w := &Writer{dev: dev}

	var blob bytes.Buffer
	blob.Write(record(0x0000, 1, []byte{0x7f}))

	err := w.writeRecords(&blob)
	assert.Error(t, err)
}

func TestWriteRecordsTreatsDeviceGoneAsSuccess(t *testing.T) {
	dev := &fakeDevice{
		failUntil: 1,
		errs:      []error{errors.New("libusb: no device [code -4]")},
	}
	w := &Writer{dev: dev}

	var blob bytes.Buffer
	blob.Write(record(0x0000, 1, []byte{0x7f}))
	blob.Write(record(0x1000, 1, []byte{0x00})) // should never be sent

	require.NoError(t, w.writeRecords(&blob))
	assert.Len(t, dev.writes, 1)
}

func TestCheckStage2RequiredDetectsAlreadyUpdated(t *testing.T) {
	dev := &fakeDevice{versionResp: []byte("Aviation Card Programmer Ver 3.05 Jan 1 2020 00:00:00\x00")}
	w := &Writer{dev: dev}

	err := w.CheckStage2Required()
	var already AlreadyUpdated
	assert.ErrorAs(t, err, &already)
}

func TestCheckStage2RequiredNeedsUpdate(t *testing.T) {
	dev := &fakeDevice{versionResp: []byte(stage2ExpectedVersion)}
	w := &Writer{dev: dev}

	assert.NoError(t, w.CheckStage2Required())
}

func TestWriteRecordsEmptyBlobIsNoOp(t *testing.T) {
	dev := &fakeDevice{}
	w := &Writer{dev: dev}
	require.NoError(t, w.writeRecords(&bytes.Buffer{}))
	assert.Empty(t, dev.writes)
}
