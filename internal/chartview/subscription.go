package chartview

import (
	"strings"

	"github.com/pkg/errors"
)

// CoverageTable maps a subscription coverage key (e.g. "US1", "US_SW")
// to the set of airport codes that key covers. The real table is
// vendor-published reference data shipped with the catalog, not code
// — callers (the orchestrator, typically) supply it from wherever
// they source it; this package only does the set arithmetic.
type CoverageTable map[string][]string

// Guess is one region's resolved subscription: the smallest coverage
// key whose airport set is a superset of that region's chart names,
// plus whether the region was IFR or VFR charts.
type Guess struct {
	SourceName string
	IsVFR      bool
	Key        string
	Airports   map[string]bool
}

// sourceNameParts splits a ChartView archive filename of the form
// "<code>_charts.bin" or "<code>_vfrcharts.bin" into its region code
// and VFR flag.
func sourceNameParts(name string) (code string, isVFR bool, err error) {
	base := strings.TrimSuffix(name, ".bin")
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, "_vfrcharts"):
		return base[:len(base)-len("_vfrcharts")], true, nil
	case strings.HasSuffix(lower, "_charts"):
		return base[:len(base)-len("_charts")], false, nil
	default:
		return "", false, errors.Errorf("unrecognized chart source name: %q", name)
	}
}

// GuessSubscription intersects each source's chart names (stripped of
// extension, uppercased) against table, picking the smallest airport
// set that's still a superset of the source's names — the same
// "best guess" the ground tool makes since the archive itself doesn't
// carry its own subscription identity.
func GuessSubscription(table CoverageTable, sources []Source, sourceRecordNames [][]string) ([]Guess, error) {
	guesses := make([]Guess, 0, len(sources))

	for i, src := range sources {
		_, isVFR, err := sourceNameParts(src.Name())
		if err != nil {
			return nil, err
		}

		names := make(map[string]bool, len(sourceRecordNames[i]))
		for _, n := range sourceRecordNames[i] {
			names[chartNameWithoutExt(n)] = true
		}

		bestKey := ""
		var bestAirports map[string]bool
		for key, airports := range table {
			set := make(map[string]bool, len(airports))
			for _, a := range airports {
				set[strings.ToUpper(a)] = true
			}
			if !isSuperset(set, names) {
				continue
			}
			if bestAirports == nil || len(set) < len(bestAirports) {
				bestKey = key
				bestAirports = set
			}
		}
		if bestAirports == nil {
			return nil, errors.Errorf("%s: no coverage key covers its chart names", src.Name())
		}

		guesses = append(guesses, Guess{
			SourceName: src.Name(),
			IsVFR:      isVFR,
			Key:        bestKey,
			Airports:   bestAirports,
		})
	}

	return guesses, nil
}

// IFRAndVFRAirports unions guesses into the two airport sets the DBF
// filtering stage needs.
func IFRAndVFRAirports(guesses []Guess) (ifrAirports, vfrAirports map[string]bool) {
	ifrAirports = map[string]bool{}
	vfrAirports = map[string]bool{}
	for _, g := range guesses {
		dest := ifrAirports
		if g.IsVFR {
			dest = vfrAirports
		}
		for a := range g.Airports {
			dest[a] = true
		}
	}
	return ifrAirports, vfrAirports
}

func isSuperset(set, subset map[string]bool) bool {
	for k := range subset {
		if !set[k] {
			return false
		}
	}
	return true
}
