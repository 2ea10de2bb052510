package chartview

import (
	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/dbf"
	"github.com/dimaryaz/jdmtool/internal/storage"
)

// AirportField and friends name the field this package reads out of
// each table to decide whether a record survives the merge. The exact
// Jeppesen schema is proprietary and isn't part of this codebase's
// reference material; these names match the convention the rest of
// the table uses (upper-case, underscore-separated) and are confirmed by
// the "preserve order stable by airport code" and "renumber ... index"
// invariants, which only make sense if these are the fields involved.
const (
	AirportCodeField = "ARPT_ID"
	ChartIndexField  = "CHART_IDX"
	ChrtlinkAirIDX   = "ARPT_IDX"
	ChrtlinkChartIDX = "CHART_IDX"
)

// FilterByAirport reads a DBF whose records carry an airport-code
// field, keeping only those whose code is in airports (case-sensitive
// on the stored value, which is already upper-case in these tables),
// and writes the filtered table back out. Record order is preserved.
// It returns the kept record values and the table's field
// descriptors, so the cross-reference renumbering pass can inspect
// them before they're written.
func FilterByAirport(r *storage.Reader, w writerAt, airportField string, airports map[string]bool) ([]dbf.Record, []dbf.Field, error) {
	header, fields, err := dbf.ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	colIdx := fieldIndex(fields, airportField)
	if colIdx < 0 {
		return nil, nil, errors.Errorf("table has no %q field", airportField)
	}

	var kept []dbf.Record
	for i := uint32(0); i < header.NumRecords; i++ {
		rec, err := dbf.ReadRecord(r, fields)
		if err != nil {
			if errors.Is(err, dbf.DeletedRecord{}) {
				continue
			}
			return nil, nil, errors.Wrapf(err, "record #%d", i)
		}
		code, _ := rec[colIdx].(string)
		if airports[code] {
			kept = append(kept, rec)
		}
	}

	newHeader := dbf.Header{LastUpdate: header.LastUpdate, NumRecords: uint32(len(kept))}
	if err := dbf.WriteHeader(w, newHeader, fields); err != nil {
		return nil, nil, err
	}
	for _, rec := range kept {
		if err := dbf.WriteRecord(w, fields, rec); err != nil {
			return nil, nil, err
		}
	}

	return kept, fields, nil
}

// RenumberIndices rebuilds a 1-based old-index -> new-index mapping
// for the records kept from a chart table (keyed by their original
// value in indexField), then rewrites that field on each record.
// chrtlink.dbf's cross-reference field is remapped through the same
// table via RemapField.
func RenumberIndices(records []dbf.Record, fields []dbf.Field, indexField string) (map[int64]int64, error) {
	colIdx := fieldIndex(fields, indexField)
	if colIdx < 0 {
		return nil, errors.Errorf("table has no %q field", indexField)
	}
	remap := make(map[int64]int64, len(records))
	for i, rec := range records {
		old, ok := rec[colIdx].(int64)
		if !ok {
			return nil, errors.Errorf("record #%d: %q is not numeric", i, indexField)
		}
		newIdx := int64(i + 1)
		remap[old] = newIdx
		records[i][colIdx] = newIdx
	}
	return remap, nil
}

// RemapField rewrites one numeric field on every record through
// remap, dropping any record whose value has no entry (it referenced
// a chart that didn't survive filtering).
func RemapField(records []dbf.Record, fields []dbf.Field, field string, remap map[int64]int64) ([]dbf.Record, error) {
	colIdx := fieldIndex(fields, field)
	if colIdx < 0 {
		return nil, errors.Errorf("table has no %q field", field)
	}
	kept := records[:0]
	for _, rec := range records {
		old, ok := rec[colIdx].(int64)
		if !ok {
			return nil, errors.New("remap field is not numeric")
		}
		newIdx, ok := remap[old]
		if !ok {
			continue
		}
		rec[colIdx] = newIdx
		kept = append(kept, rec)
	}
	return kept, nil
}

// MergeIFRBeforeVFR combines an IFR-filtered and VFR-filtered pass
// over the same table, keeping a single record per airport code and
// preferring the IFR entry when both sets cover the same airport.
// This is the "IFR wins over VFR for the same airport" bug-compat
// rule — not a behavior to "fix" by merging the two entries.
func MergeIFRBeforeVFR(ifrRecords, vfrRecords []dbf.Record, fields []dbf.Field, airportField string) []dbf.Record {
	colIdx := fieldIndex(fields, airportField)
	if colIdx < 0 {
		return ifrRecords
	}

	seen := make(map[string]bool, len(ifrRecords))
	merged := make([]dbf.Record, 0, len(ifrRecords)+len(vfrRecords))
	for _, rec := range ifrRecords {
		code, _ := rec[colIdx].(string)
		seen[code] = true
		merged = append(merged, rec)
	}
	for _, rec := range vfrRecords {
		code, _ := rec[colIdx].(string)
		if seen[code] {
			continue
		}
		seen[code] = true
		merged = append(merged, rec)
	}
	return merged
}

func fieldIndex(fields []dbf.Field, name string) int {
	for i, f := range fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// writerAt matches dbf's unexported writer interface, spelled out
// here since the two packages don't share it.
type writerAt interface {
	Write(p []byte) (int, error)
}
