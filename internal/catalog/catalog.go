// Package catalog models the vendor-defined services.xml document the
// Orchestrator reads to decide what to download and how to write it.
// Per the purpose/scope boundary, the actual HTTP/XML catalog client
// (credential exchange, service listing, file download) is an
// external collaborator and stays out of this package: Fetcher is the
// narrow interface the Orchestrator needs from it, and everything
// else here is read-only parsing of an already-downloaded
// services.xml plus the typed property access the dispatch table
// relies on.
package catalog

import (
	"context"
	"encoding/xml"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CatalogInvalid reports a service missing a field the specification
// assumes exists.
type CatalogInvalid struct {
	Field string
}

func (e CatalogInvalid) Error() string { return "catalog: missing required field " + strconv.Quote(e.Field) }

// DownloadConfig names one file a service needs downloaded: its
// destination, expected size/CRC if known up front, and the query
// parameters the (external) download client should send.
type DownloadConfig struct {
	DestPath string
	Size     *int64
	CRC32    *uint32
	Params   map[string]string
}

func optionalHexCRC32(v string) *uint32 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return nil
	}
	c := uint32(n)
	return &c
}

// Fetcher is the external collaborator that actually talks to
// Jeppesen's distribution service: refreshing services.xml and
// downloading a DownloadConfig's file. It is not implemented in this
// package — callers inject their own.
type Fetcher interface {
	RefreshCatalog(ctx context.Context) (io.ReadCloser, error)
	Download(ctx context.Context, cfg DownloadConfig, progress func(int)) error
}

// element is a generic XML node: encoding/xml's analogue of Python's
// xml.etree.ElementTree.Element, used because services.xml's schema
// isn't fixed ahead of time (property sets differ by service
// category) so a rigid struct-per-element mapping would need to name
// every possible field.
type element struct {
	XMLName  xml.Name
	Content  string    `xml:",chardata"`
	Children []element `xml:",any"`
}

// findtext mirrors ET.Element.findtext: the text content of the
// first direct child named tag, or ("", false) if there is none.
func (e element) findtext(tag string) (string, bool) {
	for _, c := range e.Children {
		if c.XMLName.Local == tag {
			return c.Content, true
		}
	}
	return "", false
}

func (e element) findall(tag string) []element {
	var out []element
	for _, c := range e.Children {
		if c.XMLName.Local == tag {
			out = append(out, c)
		}
	}
	return out
}

// Service is one catalog entry: a single downloadable product
// (NavData database, ChartView subscription region, OEM package) and
// the typed properties the Orchestrator's dispatch table keys on.
type Service struct {
	elem element
}

// Property returns a top-level property's text value, or ("", false)
// if absent.
func (s Service) Property(name string) (string, bool) {
	return s.elem.findtext(name)
}

// RequireProperty returns a required property or CatalogInvalid if
// it's missing, per spec.md §6.3's "missing required fields yields
// CatalogInvalid".
func (s Service) RequireProperty(name string) (string, error) {
	v, ok := s.Property(name)
	if !ok || v == "" {
		return "", CatalogInvalid{Field: name}
	}
	return v, nil
}

// Media returns the service's <media> child elements, each describing
// one target (card type, size bounds, OEM flags).
func (s Service) Media() []Service {
	var out []Service
	for _, m := range s.elem.findall("media") {
		out = append(out, Service{elem: m})
	}
	return out
}

// Fingerprint returns the (unique_service_id, service_code, version)
// triple that identifies a specific service version, matching
// service.py's get_fingerprint.
func (s Service) Fingerprint() (uniqueServiceID, serviceCode, version string, err error) {
	uniqueServiceID, err = s.RequireProperty("unique_service_id")
	if err != nil {
		return "", "", "", err
	}
	serviceCode, err = s.RequireProperty("service_code")
	if err != nil {
		return "", "", "", err
	}
	version, err = s.RequireProperty("version")
	if err != nil {
		return "", "", "", err
	}
	return uniqueServiceID, serviceCode, version, nil
}

const dateLayout = "2006-01-02 15:04:05"

// StartDate and EndDate parse the service's validity window.
func (s Service) StartDate() (time.Time, error) {
	return s.parseDate("version_start_date")
}

func (s Service) EndDate() (time.Time, error) {
	return s.parseDate("version_end_date")
}

func (s Service) parseDate(field string) (time.Time, error) {
	v, err := s.RequireProperty(field)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing %s", field)
	}
	return t, nil
}

// Category is the raw <category> discriminator services.xml uses to
// distinguish simple (NavData) services, ChartView subservices, and
// JDM-self-update entries that are ignored.
func (s Service) Category() string {
	v, _ := s.Property("category")
	return v
}

func (s Service) checkFilename(filename string) error {
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return errors.Errorf("bad filename %q", filename)
	}
	return nil
}

// Database is the main downloadable product file: a NavData database
// or ChartView region, one per <service> element.
func (s Service) Database(downloadsDir string) (DownloadConfig, error) {
	filename, err := s.RequireProperty("filename")
	if err != nil {
		return DownloadConfig{}, err
	}
	if err := s.checkFilename(filename); err != nil {
		return DownloadConfig{}, err
	}

	size, err := s.RequireProperty("file_size")
	if err != nil {
		return DownloadConfig{}, err
	}
	sizeVal, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return DownloadConfig{}, errors.Wrap(err, "parsing file_size")
	}

	crcStr, _ := s.Property("file_crc")

	uid, _ := s.Property("unique_service_id")
	code, _ := s.Property("service_code")
	version, _ := s.Property("version")

	return DownloadConfig{
		DestPath: filepath.Join(downloadsDir, filename),
		Size:     &sizeVal,
		CRC32:    optionalHexCRC32(crcStr),
		Params: map[string]string{
			"unique_service_id": uid,
			"service_code":      code,
			"version":           version,
		},
	}, nil
}

// SFFs lists the OEM-specific database sidecar files
// (oem_garmin_sff_filenames is a comma-separated list) a Garmin
// service needs placed next to its database, or nil if the service
// doesn't name any.
func (s Service) SFFs(downloadsDir string) ([]DownloadConfig, error) {
	sffFilenames, ok := s.Property("oem_garmin_sff_filenames")
	if !ok || sffFilenames == "" {
		return nil, nil
	}

	uid, err := s.RequireProperty("unique_service_id")
	if err != nil {
		return nil, err
	}
	version, err := s.RequireProperty("version")
	if err != nil {
		return nil, err
	}
	code, _ := s.Property("service_code")
	dbType, _ := s.Property("oem_garmin_sff_db_type")
	secID, _ := s.Property("garmin_sec_id")
	avionicsID, _ := s.Property("avionics_id")

	sffDir := filepath.Join(downloadsDir, "sff", uid+"_"+version)

	var cfgs []DownloadConfig
	for _, filename := range strings.Split(sffFilenames, ",") {
		if err := s.checkFilename(filename); err != nil {
			return nil, err
		}
		cfgs = append(cfgs, DownloadConfig{
			DestPath: filepath.Join(sffDir, filename),
			Params: map[string]string{
				"unique_service_id": uid,
				"service_code":      code,
				"version":           version,
				"type":              dbType,
				"garmin_sec_id":     secID,
				"avionics_id":       avionicsID,
				"filename":          filename,
			},
		})
	}
	return cfgs, nil
}

// OEM is the optional OEM installer package (e.g. an Avidyne firmware
// bundle) a service may require alongside its database.
func (s Service) OEM(downloadsDir string) (DownloadConfig, bool, error) {
	sizeStr, _ := s.Property("oem_package_filesize")
	if sizeStr == "" {
		return DownloadConfig{}, false, nil
	}
	version, err := s.RequireProperty("version")
	if err != nil {
		return DownloadConfig{}, false, err
	}
	oemName, ok := s.Property("oem_package_name")
	if !ok || oemName == "" {
		oemName = "Garmin"
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return DownloadConfig{}, false, errors.Wrap(err, "parsing oem_package_filesize")
	}

	return DownloadConfig{
		DestPath: filepath.Join(downloadsDir, "oem", oemName+"_"+version+".zip"),
		Size:     &size,
		Params: map[string]string{
			"oem":     oemName,
			"version": version,
		},
	}, true, nil
}

// Parse decodes a services.xml document into its top-level <service>
// entries, without interpreting category-specific grouping (that's
// GroupChartView's job).
func Parse(r io.Reader) ([]Service, error) {
	var root element
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, errors.Wrap(err, "parsing services.xml")
	}

	var services []Service
	for _, e := range root.findall("service") {
		services = append(services, Service{elem: e})
	}
	return services, nil
}

// GroupChartView merges ChartView subservices that share a serial
// number and version into their natural unit (the Orchestrator treats
// a ChartView subscription's regions as one service, not N), per
// service.py's load_services. Category "1"/"10" passes through
// unchanged; category "2" (JDM self-update) is dropped; category "8"
// is grouped by (serial_number, version) into one *group* of
// subservices, preserving discovery order.
func GroupChartView(services []Service) ([]Service, [][]Service, error) {
	var simple []Service
	groups := map[[2]string][]Service{}
	var order [][2]string

	for _, svc := range services {
		switch svc.Category() {
		case "1", "10":
			simple = append(simple, svc)
		case "2":
			continue
		case "8":
			serial, _ := svc.Property("serial_number")
			version, _ := svc.Property("version")
			key := [2]string{serial, version}
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], svc)
		default:
			cat := svc.Category()
			return nil, nil, errors.Errorf("unsupported service category %q", cat)
		}
	}

	chartViewGroups := make([][]Service, 0, len(order))
	for _, key := range order {
		chartViewGroups = append(chartViewGroups, groups[key])
	}
	return simple, chartViewGroups, nil
}

// ServiceGroup is one entry the Orchestrator actually acts on: either
// a single simple service, or a ChartView subscription's subservices
// (one per covered region) treated as a unit, mirroring
// SimpleService/ChartViewService's shared interface in service.py.
type ServiceGroup struct {
	subservices []Service
	chartView   bool
}

// IsChartView reports whether this group is a ChartView subscription
// (category "8") rather than a simple service (category "1"/"10").
func (g ServiceGroup) IsChartView() bool { return g.chartView }

// Property returns a property value. ChartView groups take it from
// their first subservice, except coverage_desc, which is a
// comma-joined union across the whole group (service.py's
// ChartViewService.get_optional_property special case).
func (g ServiceGroup) Property(name string) (string, bool) {
	if name == "coverage_desc" && len(g.subservices) > 1 {
		var parts []string
		for _, s := range g.subservices {
			v, ok := s.Property(name)
			if !ok {
				return "", false
			}
			parts = append(parts, v)
		}
		return strings.Join(parts, ", "), true
	}
	return g.subservices[0].Property(name)
}

func (g ServiceGroup) RequireProperty(name string) (string, error) {
	v, ok := g.Property(name)
	if !ok || v == "" {
		return "", CatalogInvalid{Field: name}
	}
	return v, nil
}

func (g ServiceGroup) Fingerprint() (uniqueServiceID, serviceCode, version string, err error) {
	return g.subservices[0].Fingerprint()
}

func (g ServiceGroup) Media() []Service { return g.subservices[0].Media() }

// Databases returns one DownloadConfig per subservice: a simple
// service has exactly one, a ChartView group has one per region.
func (g ServiceGroup) Databases(downloadsDir string) ([]DownloadConfig, error) {
	cfgs := make([]DownloadConfig, 0, len(g.subservices))
	for _, s := range g.subservices {
		cfg, err := s.Database(downloadsDir)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// SFFs and OEM delegate to the first subservice, matching
// ChartViewService's get_sffs/get_oems.
func (g ServiceGroup) SFFs(downloadsDir string) ([]DownloadConfig, error) {
	return g.subservices[0].SFFs(downloadsDir)
}

func (g ServiceGroup) OEM(downloadsDir string) (DownloadConfig, bool, error) {
	return g.subservices[0].OEM(downloadsDir)
}

// DownloadPaths lists every file this group needs fetched, for the
// "is this already downloaded" completeness check.
func (g ServiceGroup) DownloadPaths(downloadsDir string) ([]string, error) {
	var paths []string
	dbs, err := g.Databases(downloadsDir)
	if err != nil {
		return nil, err
	}
	for _, d := range dbs {
		paths = append(paths, d.DestPath)
	}
	sffs, err := g.SFFs(downloadsDir)
	if err != nil {
		return nil, err
	}
	for _, d := range sffs {
		paths = append(paths, d.DestPath)
	}
	if oem, ok, err := g.OEM(downloadsDir); err != nil {
		return nil, err
	} else if ok {
		paths = append(paths, oem.DestPath)
	}
	return paths, nil
}

// LoadServices parses services.xml and groups its entries the way
// load_services does: simple services pass through as singleton
// groups, ChartView subservices merge by (serial_number, version),
// and JDM self-update entries are dropped.
func LoadServices(r io.Reader) ([]ServiceGroup, error) {
	services, err := Parse(r)
	if err != nil {
		return nil, err
	}
	simple, chartViewGroups, err := GroupChartView(services)
	if err != nil {
		return nil, err
	}

	groups := make([]ServiceGroup, 0, len(simple)+len(chartViewGroups))
	for _, s := range simple {
		groups = append(groups, ServiceGroup{subservices: []Service{s}})
	}
	for _, cv := range chartViewGroups {
		groups = append(groups, ServiceGroup{subservices: cv, chartView: true})
	}
	return groups, nil
}
