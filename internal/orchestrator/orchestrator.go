// Package orchestrator implements the transfer dispatch: given a
// catalog service and a target (a mounted directory or a data-card
// programmer), it picks the right codec, runs it, and — for
// directory targets — updates the .jdm sidecar afterward.
package orchestrator

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dimaryaz/jdmtool/internal/aviutil"
	"github.com/dimaryaz/jdmtool/internal/cardproto"
	"github.com/dimaryaz/jdmtool/internal/catalog"
	"github.com/dimaryaz/jdmtool/internal/chartview"
	"github.com/dimaryaz/jdmtool/internal/featunlk"
	"github.com/dimaryaz/jdmtool/internal/jdm"
	"github.com/dimaryaz/jdmtool/internal/sfx"
)

// Card type codes as they appear in services.xml's media/card_type
// field.
const (
	CardTypeSD     = "2"
	CardTypeGarmin = "7"
)

// Target is which family of transfer a service's media entry needs.
type Target int

const (
	TargetUnknown Target = iota
	TargetAvidyneSFX
	TargetAvidyneRaw
	TargetGarminSimple
	TargetGarminChartView
	TargetDataCard
)

// UnsupportedMedia means a service's media/OEM flags didn't match any
// entry in the dispatch table.
type UnsupportedMedia struct {
	CardType string
}

func (e UnsupportedMedia) Error() string {
	return fmt.Sprintf("orchestrator: unsupported media (card_type=%q)", e.CardType)
}

// VerifyFailed is raised when a data-card read-back doesn't match what
// was written.
type VerifyFailed struct {
	Sector, Block int
}

func (e VerifyFailed) Error() string {
	return fmt.Sprintf("verification failed at sector %d, block %d", e.Sector, e.Block)
}

// CardSizeOutOfRange means the target card's total size falls outside
// a service's declared [card_size_min, card_size_max].
type CardSizeOutOfRange struct {
	Size, Min, Max int64
}

func (e CardSizeOutOfRange) Error() string {
	return fmt.Sprintf("card size %d out of range [%d, %d]", e.Size, e.Min, e.Max)
}

// DispatchTarget picks the transfer family for one media element,
// following spec §4.11's table: SD card_type plus an OEM flag selects
// the directory-mode codec; Garmin data-card card_type always goes to
// the programmer driver.
func DispatchTarget(media catalog.Service, isChartView bool) (Target, error) {
	cardType, _ := media.Property("card_type")

	switch cardType {
	case CardTypeSD:
		if v, _ := media.Property("oem_avidyne_e2"); v == "1" {
			return TargetAvidyneSFX, nil
		}
		if v, _ := media.Property("oem_avidyne"); v == "1" {
			return TargetAvidyneRaw, nil
		}
		if v, _ := media.Property("oem_garmin"); v == "1" {
			if isChartView {
				return TargetGarminChartView, nil
			}
			return TargetGarminSimple, nil
		}
		return TargetUnknown, UnsupportedMedia{CardType: cardType}
	case CardTypeGarmin:
		return TargetDataCard, nil
	default:
		return TargetUnknown, UnsupportedMedia{CardType: cardType}
	}
}

// zipArchive adapts a *zip.Reader to sfx.Archive, reading exactly one
// member at a time — ChartView and SFX both require this (spec's
// "ZIP containers accessed one member at a time").
type zipArchive struct {
	r *zip.Reader
}

func (a zipArchive) open(name string) (*zip.File, error) {
	for _, f := range a.r.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, errors.Errorf("member %q not found in archive", name)
}

func (a zipArchive) ReadFile(name string) ([]byte, error) {
	f, err := a.open(name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (a zipArchive) FileSize(name string) (int64, error) {
	f, err := a.open(name)
	if err != nil {
		return 0, err
	}
	return int64(f.UncompressedSize64), nil
}

// TransferAvidyneSFX builds a .dsf from a downloaded zip containing a
// human-readable script (conventionally "dsf.txt") and the files its
// Copy sections reference, applying the service's security context
// and fleet-id substitution, and writes the binary result to destPath.
func TransferAvidyneSFX(zipPath, scriptMember, destPath string, sec sfx.SecurityContext, fleetIDs []string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return errors.Wrap(err, "opening SFX source archive")
	}
	defer zr.Close()

	archive := zipArchive{r: &zr.Reader}
	scriptBytes, err := archive.ReadFile(scriptMember)
	if err != nil {
		return err
	}

	file, err := sfx.ParseScript(bytes.NewReader(scriptBytes))
	if err != nil {
		return errors.Wrap(err, "parsing SFX script")
	}
	file.ApplyFleetSubstitution(fleetIDs)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrap(err, "creating destination directory")
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating .dsf output")
	}
	defer out.Close()

	if err := file.WriteBinary(out, archive, sec, nil); err != nil {
		return errors.Wrap(err, "emitting .dsf")
	}
	return nil
}

// TransferAvidyneRaw extracts a non-secured Avidyne database zip
// directly onto the target directory.
func TransferAvidyneRaw(zipPath, destDir string) ([]string, error) {
	return aviutil.ExtractDatabase(zipPath, destDir)
}

// TransferGarminSimple writes a Garmin NavData file into its
// feature-unlock-wrapped slot on the target.
func TransferGarminSimple(src io.Reader, destDir, filename string, volumeID uint32, securityID uint16, systemID uint64) error {
	return featunlk.WriteSlot(src, destDir, filename, volumeID, securityID, systemID)
}

// TransferGarminChartView merges one charts.bin per ChartView region
// into a single output, matching the dispatch table's "chart-view
// service" row.
func TransferGarminChartView(dest io.WriteSeeker, sources []chartview.Source) (*chartview.MergeResult, error) {
	return chartview.MergeChartsBin(dest, sources)
}

// DirectoryTransfer runs one service group's directory-mode transfer
// end to end: codec, adjacent .sff copy, feature-key placement, and
// finally the .jdm sidecar update, per spec §4.11's directory-mode
// step list.
func DirectoryTransfer(log zerolog.Logger, group catalog.ServiceGroup, downloadsDir, destDir string, volumeID uint32, fleetIDs []string, cycle string, sidecarPath string) error {
	media := group.Media()
	if len(media) == 0 {
		return errors.New("service has no media entries")
	}
	target, err := DispatchTarget(media[0], group.IsChartView())
	if err != nil {
		return err
	}

	uid, code, version, err := group.Fingerprint()
	if err != nil {
		return err
	}

	var writtenPaths []string

	switch target {
	case TargetAvidyneSFX:
		log.Info().Str("service_code", code).Msg("transferring Avidyne SFX database")
		dbs, err := group.Databases(downloadsDir)
		if err != nil {
			return err
		}
		destPath := filepath.Join(destDir, filepath.Base(dbs[0].DestPath))
		sec := sfx.SecurityContext{Cycle: cycle, VolumeID: volumeID, RemainingTransfers: 0xffffffff}
		if err := TransferAvidyneSFX(dbs[0].DestPath, "dsf.txt", destPath, sec, fleetIDs); err != nil {
			return err
		}
		writtenPaths = append(writtenPaths, destPath)

	case TargetAvidyneRaw:
		log.Info().Str("service_code", code).Msg("extracting Avidyne database")
		dbs, err := group.Databases(downloadsDir)
		if err != nil {
			return err
		}
		written, err := TransferAvidyneRaw(dbs[0].DestPath, destDir)
		if err != nil {
			return err
		}
		for _, name := range written {
			writtenPaths = append(writtenPaths, filepath.Join(destDir, filepath.FromSlash(name)))
		}

	case TargetGarminSimple:
		log.Info().Str("service_code", code).Msg("writing Garmin feature-unlock database")
		dbs, err := group.Databases(downloadsDir)
		if err != nil {
			return err
		}
		src, err := os.Open(dbs[0].DestPath)
		if err != nil {
			return errors.Wrap(err, "opening downloaded database")
		}
		defer src.Close()
		filename := filepath.Base(dbs[0].DestPath)
		if err := TransferGarminSimple(src, destDir, filename, volumeID, 0, 0); err != nil {
			return err
		}
		writtenPaths = append(writtenPaths, filepath.Join(destDir, filename))

	case TargetGarminChartView:
		log.Info().Str("service_code", code).Msg("merging ChartView databases")
		dbs, err := group.Databases(downloadsDir)
		if err != nil {
			return err
		}
		var sources []chartview.Source
		for _, db := range dbs {
			zr, err := zip.OpenReader(db.DestPath)
			if err != nil {
				return errors.Wrap(err, "opening ChartView archive")
			}
			defer zr.Close()
			sources = append(sources, chartview.OpenZipSource(filepath.Base(db.DestPath), &zr.Reader))
		}
		destPath := filepath.Join(destDir, "charts.bin")
		out, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return errors.Wrap(err, "creating charts.bin")
		}
		defer out.Close()
		if _, err := TransferGarminChartView(out, sources); err != nil {
			return err
		}
		writtenPaths = append(writtenPaths, destPath)

	default:
		return UnsupportedMedia{}
	}

	sffs, err := group.SFFs(downloadsDir)
	if err != nil {
		return err
	}
	var sffSrcPaths []string
	for _, s := range sffs {
		sffSrcPaths = append(sffSrcPaths, s.DestPath)
	}
	if len(sffSrcPaths) > 0 {
		copied, err := aviutil.CopySFFs(sffSrcPaths, destDir)
		if err != nil {
			return err
		}
		writtenPaths = append(writtenPaths, copied...)
	}

	dbFilename, _ := media[0].Property("filename")
	if aviutil.NeedsFeatureKey(dbFilename) {
		keyPath := filepath.Join(downloadsDir, aviutil.FeatureKeyName)
		target, err := aviutil.PlaceFeatureKey(keyPath, destDir)
		if err != nil {
			return err
		}
		writtenPaths = append(writtenPaths, target)
	}

	return updateSidecar(sidecarPath, uid, code, version, writtenPaths)
}

func updateSidecar(sidecarPath, uid, code, version string, paths []string) error {
	doc, err := jdm.Load(sidecarPath)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		doc = jdm.Document{Ver: jdm.DocumentVersion}
	}

	var entries []jdm.FileEntry
	for _, p := range paths {
		entry, err := jdm.HashFile(p, filepath.Base(p), jdm.HashPrefixSizeGarmin)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	snapshot := jdm.ServiceSnapshot{
		F:               entries,
		ServiceCode:     code,
		UniqueServiceID: uid,
		Version:         version,
	}

	replaced := false
	for i, s := range doc.Ss {
		if s.UniqueServiceID == uid {
			doc.Ss[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Ss = append(doc.Ss, snapshot)
	}

	return jdm.Save(sidecarPath, doc)
}

// DataCardTransfer runs the data-card steps from spec §4.11: validate
// the card's size against the service's bounds, blank-check each
// sector, erase only non-blank sectors (or everything, if fullErase),
// write the payload in the driver's own chunk sizes, then read back
// and byte-compare.
func DataCardTransfer(log zerolog.Logger, dev cardproto.ProgrammingDevice, payload []byte, cardSizeMin, cardSizeMax int64, fullErase bool, progress func(done, total int)) error {
	cardSize := int64(dev.TotalSize())
	if cardSize < cardSizeMin || (cardSizeMax > 0 && cardSize > cardSizeMax) {
		return CardSizeOutOfRange{Size: cardSize, Min: cardSizeMin, Max: cardSizeMax}
	}

	sectorSize := dev.CardType().SectorSize
	numSectors := dev.TotalSectors()

	blank := make([]bool, numSectors)
	reader := dev.ReadBlocks(0, numSectors)
	sectorBuf := make([]byte, 0, sectorSize)
	sector := 0
	for {
		block, done, err := reader.Next()
		if err != nil {
			return errors.Wrap(err, "scanning card for blank sectors")
		}
		if done {
			break
		}
		sectorBuf = append(sectorBuf, block...)
		if len(sectorBuf) >= sectorSize {
			blank[sector] = allBytes(sectorBuf[:sectorSize], 0xff)
			sectorBuf = sectorBuf[sectorSize:]
			sector++
		}
	}

	eraseCount := 0
	for i := 0; i < numSectors; i++ {
		if fullErase || !blank[i] {
			eraseCount++
		}
	}
	log.Info().Int("sectors", eraseCount).Msg("erasing data card")
	if fullErase {
		eraser := dev.EraseSectors(0, numSectors)
		if err := drainEraser(eraser); err != nil {
			return errors.Wrap(err, "erasing card")
		}
	} else {
		for i := 0; i < numSectors; i++ {
			if blank[i] {
				continue
			}
			eraser := dev.EraseSectors(i, 1)
			if err := drainEraser(eraser); err != nil {
				return errors.Wrapf(err, "erasing sector %d", i)
			}
		}
	}

	offset := 0
	source := func(n int) ([]byte, error) {
		if offset >= len(payload) {
			return make([]byte, n), nil
		}
		end := offset + n
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, n)
		copy(chunk, payload[offset:end])
		offset = end
		return chunk, nil
	}

	totalSectors := (len(payload) + sectorSize - 1) / sectorSize
	writer := dev.WriteBlocks(0, totalSectors, source)
	done := 0
	for {
		finished, err := writer.Next()
		if err != nil {
			return errors.Wrap(err, "writing card")
		}
		if finished {
			break
		}
		done++
		if progress != nil {
			progress(done, totalSectors)
		}
	}

	return verifyReadBack(dev, payload, sectorSize)
}

func verifyReadBack(dev cardproto.ProgrammingDevice, payload []byte, sectorSize int) error {
	totalSectors := (len(payload) + sectorSize - 1) / sectorSize
	reader := dev.ReadBlocks(0, totalSectors)

	offset := 0
	block := 0
	for {
		data, done, err := reader.Next()
		if err != nil {
			return errors.Wrap(err, "reading card back for verification")
		}
		if done {
			break
		}
		end := offset + len(data)
		if end > len(payload) {
			end = len(payload)
		}
		if !bytes.Equal(data[:end-offset], payload[offset:end]) {
			return VerifyFailed{Sector: offset / sectorSize, Block: block}
		}
		offset = end
		block++
	}
	return nil
}

func drainEraser(e cardproto.SectorEraser) error {
	for {
		done, err := e.Next()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func allBytes(data []byte, v byte) bool {
	for _, b := range data {
		if b != v {
			return false
		}
	}
	return true
}
