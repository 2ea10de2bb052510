package chartview

import (
	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/dbf"
	"github.com/dimaryaz/jdmtool/internal/storage"
)

// Field names notams.dbf carries. Like the table field names in
// tables.go, these follow the only layout consistent with the
// filtering/renumbering rules the format description gives; the raw
// Jeppesen schema isn't part of this codebase's reference material.
const (
	NotamsAirportField = "ARPT_ID"
	NotamsCountryField = "COUNTRY"
	NotamsMemoField    = "NOTAM_IDX"
)

// notamsDbtTrailer is the vendor-quirk trailing byte appended after
// the last memo block in a regenerated notams.dbt.
const notamsDbtTrailer = 0x1A

// MergeNotams filters one region's notams.dbf/.dbt pair down to
// records whose airport is in airports, or — for records that carry
// no airport at all — whose country is in countries, renumbering each
// surviving record's memo index to match its new position in the
// output .dbt. Per the concurrency model, dbfR and dbtR must be read
// sequentially and never interleaved with another archive member's
// read, so this takes already-open readers rather than an archive
// handle.
//
// Deleted dbf records still consume one dbt block (the two files are
// kept in lockstep by position, not by an explicit link), so this
// reads one memo per raw dbf row regardless of whether that row
// survives filtering.
func MergeNotams(
	dbfR *storage.Reader, dbtR *storage.Reader,
	dbfW writerAt, dbtW writerAt,
	airports, countries map[string]bool,
) (int, error) {
	header, fields, err := dbf.ReadHeader(dbfR)
	if err != nil {
		return 0, err
	}
	dbtHeader, err := dbf.ReadDbtHeader(dbtR)
	if err != nil {
		return 0, err
	}

	airportIdx := fieldIndex(fields, NotamsAirportField)
	countryIdx := fieldIndex(fields, NotamsCountryField)
	if airportIdx < 0 || countryIdx < 0 {
		return 0, errors.New("notams.dbf is missing the airport or country field")
	}

	var keptRecords []dbf.Record
	var keptMemos [][]byte

	for i := uint32(0); i < header.NumRecords; i++ {
		rec, recErr := dbf.ReadRecord(dbfR, fields)
		deleted := errors.Is(recErr, dbf.DeletedRecord{})
		if recErr != nil && !deleted {
			return 0, errors.Wrapf(recErr, "notams.dbf record #%d", i)
		}

		memo, err := dbf.ReadDbtIIIMemo(dbtR)
		if err != nil {
			return 0, errors.Wrapf(err, "notams.dbt memo #%d", i)
		}
		if deleted {
			continue
		}

		airport, _ := rec[airportIdx].(string)
		country, _ := rec[countryIdx].(string)

		keep := false
		if airport != "" {
			keep = airports[airport]
		} else {
			keep = countries[country]
		}
		if !keep {
			continue
		}
		keptRecords = append(keptRecords, rec)
		keptMemos = append(keptMemos, memo)
	}

	memoIdx := fieldIndex(fields, NotamsMemoField)
	if memoIdx < 0 {
		return 0, errors.New("notams.dbf is missing the memo index field")
	}

	nextBlock := uint32(1)
	for i, memo := range keptMemos {
		keptRecords[i][memoIdx] = int64(nextBlock)
		nextBlock += uint32(dbtBlockCount(memo))
	}

	if err := dbf.WriteDbtHeader(dbtW, dbf.DbtHeader{
		NextFreeBlock: nextBlock,
		DbfName:       dbtHeader.DbfName,
	}); err != nil {
		return 0, err
	}
	for _, memo := range keptMemos {
		if _, err := dbf.WriteDbtIIIMemo(dbtW, memo); err != nil {
			return 0, err
		}
	}
	if _, err := dbtW.Write([]byte{notamsDbtTrailer}); err != nil {
		return 0, errors.Wrap(err, "writing notams.dbt trailer")
	}

	// Deliberate vendor-compat: the info byte is written as plain
	// dBase-III (0x03) by dbf.WriteHeader even though this table has
	// a companion .dbt. Do not "fix" this to set the memo bit.
	newHeader := dbf.Header{LastUpdate: header.LastUpdate, NumRecords: uint32(len(keptRecords))}
	if err := dbf.WriteHeader(dbfW, newHeader, fields); err != nil {
		return 0, err
	}
	for _, rec := range keptRecords {
		if err := dbf.WriteRecord(dbfW, fields, rec); err != nil {
			return 0, err
		}
	}

	return len(keptRecords), nil
}

// dbtBlockCount mirrors dbf.WriteDbtIIIMemo's block-count formula
// (payload plus the 2-byte 0x1A 0x1A terminator, rounded up to a
// 512-byte block) without writing, so the new .dbt header's
// NextFreeBlock can be computed before any memo is emitted.
func dbtBlockCount(data []byte) int {
	return (len(data) + 2 + dbf.DbtBlockSize - 1) / dbf.DbtBlockSize
}
