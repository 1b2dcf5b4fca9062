package geodata

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedFormats(t *testing.T) {
	cases := map[DataType][]Format{
		FirePointData: {CSV},
		ProvinceData:  {JSON, SHP},
		DistrictData:  {JSON, SHP},
	}
	for dt, want := range cases {
		got, err := AllowedFormats(dt)
		require.NoError(t, err)
		assert.Equal(t, want, got, dt)
	}

	_, err := AllowedFormats("lake")
	assert.True(t, errors.Is(err, ErrUnknownDataType))
}

func TestAllowedFormatsReturnsCopy(t *testing.T) {
	got, err := AllowedFormats(ProvinceData)
	require.NoError(t, err)
	got[0] = CSV

	again, err := AllowedFormats(ProvinceData)
	require.NoError(t, err)
	assert.Equal(t, []Format{JSON, SHP}, again)
}

func TestEveryDataTypeIsMapped(t *testing.T) {
	for _, dt := range DataTypes {
		_, err := AllowedFormats(dt)
		assert.NoError(t, err, dt)
	}
}

func TestParse(t *testing.T) {
	dt, err := ParseDataType(" district ")
	require.NoError(t, err)
	assert.Equal(t, DistrictData, dt)

	_, err = ParseDataType("")
	assert.ErrorIs(t, err, ErrUnknownDataType)

	f, err := ParseFormat("shp")
	require.NoError(t, err)
	assert.Equal(t, SHP, f)
	assert.Equal(t, "SHP", f.Label())

	_, err = ParseFormat("kml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFirePointValidate(t *testing.T) {
	ten, seven := 10, 7
	ok := FirePoint{Latitude: -13.5, Longitude: 33.7, AcquiredAt: time.Now(), Confidence: &ten}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Latitude = 91
	var verr *ValidationError
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Equal(t, "latitude", verr.Field)

	bad = ok
	bad.Longitude = -180.5
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Equal(t, "longitude", verr.Field)

	bad = ok
	bad.Confidence = &seven
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Equal(t, "confidence", verr.Field)
}

func TestUploadValidate(t *testing.T) {
	tests := []struct {
		name  string
		up    Upload
		field string
	}{
		{"csv firepoints", Upload{Title: "t", DataType: FirePointData, Format: CSV, FileName: "fires.csv"}, ""},
		{"geojson provinces", Upload{Title: "t", DataType: ProvinceData, Format: JSON, FileName: "p.geojson"}, ""},
		{"zip districts", Upload{Title: "t", DataType: DistrictData, Format: SHP, FileName: "d.ZIP"}, ""},
		{"shp with aux", Upload{Title: "t", DataType: DistrictData, Format: SHP, FileName: "d.shp", AuxiliaryFiles: []string{"d.shx", "d.dbf", "d.prj"}}, ""},
		{"shp without dbf", Upload{Title: "t", DataType: DistrictData, Format: SHP, FileName: "d.shp", AuxiliaryFiles: []string{"d.shx"}}, "auxiliary_files"},
		{"missing title", Upload{DataType: FirePointData, Format: CSV, FileName: "f.csv"}, "title"},
		{"bad extension", Upload{Title: "t", DataType: FirePointData, Format: CSV, FileName: "f.xlsx"}, "data_file"},
		{"csv wrong ext", Upload{Title: "t", DataType: FirePointData, Format: CSV, FileName: "f.json"}, "data_file"},
		{"json wrong ext", Upload{Title: "t", DataType: ProvinceData, Format: JSON, FileName: "p.zip"}, "data_file"},
		{"shp wrong ext", Upload{Title: "t", DataType: ProvinceData, Format: SHP, FileName: "p.json"}, "data_file"},
		{"firepoint shapefile", Upload{Title: "t", DataType: FirePointData, Format: SHP, FileName: "f.zip"}, "upload_format"},
		{"province csv", Upload{Title: "t", DataType: ProvinceData, Format: CSV, FileName: "p.csv"}, "upload_format"},
		{"unknown data type", Upload{Title: "t", DataType: "lake", Format: CSV, FileName: "p.csv"}, "data_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.up.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUploadDisplay(t *testing.T) {
	u := Upload{Title: "Fires July", DataType: FirePointData}
	assert.Equal(t, "Fires July (Fire Points)", u.String())
	assert.Equal(t, "pending", u.Status())

	u.ProcessingErrors = strings.Repeat("x", 120)
	assert.Len(t, u.ShortErrors(), 103)
	assert.True(t, strings.HasSuffix(u.ShortErrors(), "..."))

	u.ProcessingErrors = strings.Repeat("é", 99) + "ñandú"
	short := u.ShortErrors()
	assert.True(t, utf8.ValidString(short))
	assert.Equal(t, strings.Repeat("é", 99)+"ñ...", short)

	u.ProcessingErrors = strings.Repeat("é", 100)
	assert.Equal(t, u.ProcessingErrors, u.ShortErrors())
}
