package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleServicesXML = `<?xml version="1.0"?>
<services>
  <service>
    <category>1</category>
    <unique_service_id>100</unique_service_id>
    <service_code>NAVDATA</service_code>
    <version>2501</version>
    <filename>navdata_2501.zip</filename>
    <file_size>1024</file_size>
    <file_crc>DEADBEEF</file_crc>
    <oem_garmin_sff_filenames>a.sff,b.sff</oem_garmin_sff_filenames>
    <oem_garmin_sff_db_type>28</oem_garmin_sff_db_type>
    <garmin_sec_id>1</garmin_sec_id>
    <avionics_id>2</avionics_id>
    <version_start_date>2025-01-01 00:00:00</version_start_date>
    <version_end_date>2025-02-01 00:00:00</version_end_date>
    <media>
      <card_type>datacard</card_type>
      <card_size_min>16777216</card_size_min>
    </media>
  </service>
  <service>
    <category>8</category>
    <serial_number>SN1</serial_number>
    <version>10</version>
    <unique_service_id>200</unique_service_id>
    <service_code>CHARTVIEW</service_code>
    <filename>chartview_west.zip</filename>
    <file_size>2048</file_size>
  </service>
  <service>
    <category>8</category>
    <serial_number>SN1</serial_number>
    <version>10</version>
    <unique_service_id>201</unique_service_id>
    <service_code>CHARTVIEW</service_code>
    <filename>chartview_east.zip</filename>
    <file_size>4096</file_size>
  </service>
  <service>
    <category>2</category>
    <unique_service_id>999</unique_service_id>
  </service>
</services>
`

func TestParseReturnsAllServices(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)
	require.Len(t, services, 4)
	assert.Equal(t, "1", services[0].Category())
	assert.Equal(t, "8", services[1].Category())
	assert.Equal(t, "2", services[3].Category())
}

func TestRequirePropertyMissing(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	_, err = services[3].RequireProperty("service_code")
	assert.ErrorAs(t, err, &CatalogInvalid{})
}

func TestFingerprint(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	uid, code, version, err := services[0].Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, "100", uid)
	assert.Equal(t, "NAVDATA", code)
	assert.Equal(t, "2501", version)
}

func TestStartEndDate(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	start, err := services[0].StartDate()
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	end, err := services[0].EndDate()
	require.NoError(t, err)
	assert.True(t, end.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMedia(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	media := services[0].Media()
	require.Len(t, media, 1)
	cardType, ok := media[0].Property("card_type")
	require.True(t, ok)
	assert.Equal(t, "datacard", cardType)
}

func TestGroupChartView(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	simple, groups, err := GroupChartView(services)
	require.NoError(t, err)

	require.Len(t, simple, 1)
	assert.Equal(t, "1", simple[0].Category())

	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
	uid0, _ := groups[0][0].Property("unique_service_id")
	uid1, _ := groups[0][1].Property("unique_service_id")
	assert.Equal(t, "200", uid0)
	assert.Equal(t, "201", uid1)
}

func TestGroupChartViewRejectsUnknownCategory(t *testing.T) {
	services, err := Parse(strings.NewReader(`<services><service><category>99</category></service></services>`))
	require.NoError(t, err)

	_, _, err = GroupChartView(services)
	assert.Error(t, err)
}

func TestServiceDatabase(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	cfg, err := services[0].Database("/downloads")
	require.NoError(t, err)
	assert.Equal(t, "/downloads/navdata_2501.zip", cfg.DestPath)
	require.NotNil(t, cfg.Size)
	assert.Equal(t, int64(1024), *cfg.Size)
	require.NotNil(t, cfg.CRC32)
	assert.Equal(t, uint32(0xDEADBEEF), *cfg.CRC32)
	assert.Equal(t, "NAVDATA", cfg.Params["service_code"])
}

func TestServiceSFFs(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	sffs, err := services[0].SFFs("/downloads")
	require.NoError(t, err)
	require.Len(t, sffs, 2)
	assert.Equal(t, "/downloads/sff/100_2501/a.sff", sffs[0].DestPath)
	assert.Equal(t, "/downloads/sff/100_2501/b.sff", sffs[1].DestPath)
	assert.Equal(t, "28", sffs[0].Params["type"])
}

func TestServiceSFFsEmptyWhenUnset(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	sffs, err := services[1].SFFs("/downloads")
	require.NoError(t, err)
	assert.Empty(t, sffs)
}

func TestServiceOEMAbsentWhenNoPackage(t *testing.T) {
	services, err := Parse(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)

	_, ok, err := services[0].OEM("/downloads")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadServicesGroupsChartView(t *testing.T) {
	groups, err := LoadServices(strings.NewReader(sampleServicesXML))
	require.NoError(t, err)
	require.Len(t, groups, 2)

	var simple, chartview *ServiceGroup
	for i := range groups {
		code, _ := groups[i].Property("service_code")
		if code == "NAVDATA" {
			simple = &groups[i]
		} else {
			chartview = &groups[i]
		}
	}
	require.NotNil(t, simple)
	require.NotNil(t, chartview)

	dbs, err := chartview.Databases("/downloads")
	require.NoError(t, err)
	require.Len(t, dbs, 2)
	assert.Equal(t, "/downloads/chartview_west.zip", dbs[0].DestPath)
	assert.Equal(t, "/downloads/chartview_east.zip", dbs[1].DestPath)

	paths, err := simple.DownloadPaths("/downloads")
	require.NoError(t, err)
	assert.Contains(t, paths, "/downloads/navdata_2501.zip")
	assert.Contains(t, paths, "/downloads/sff/100_2501/a.sff")
}
