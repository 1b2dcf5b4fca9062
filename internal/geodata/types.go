// Package geodata holds the domain model of the fire tracker: administrative
// boundaries, fire detections and the uploads that feed them.
package geodata

import (
	"errors"
	"fmt"
	"strings"
)

// DataType is the category of geographic data carried by an upload.
type DataType string

const (
	FirePointData DataType = "firepoint"
	ProvinceData  DataType = "province"
	DistrictData  DataType = "district"
)

// Format is the file format code of an upload.
type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
	SHP  Format = "shp"
)

var (
	ErrUnknownDataType = errors.New("unknown data type")
	ErrUnknownFormat   = errors.New("unknown upload format")
)

// DataTypes lists the selectable data types in display order.
var DataTypes = []DataType{FirePointData, ProvinceData, DistrictData}

// allowedFormats is the data type -> format table shared by the upload form
// and server-side validation. Every value in DataTypes must have an entry.
var allowedFormats = map[DataType][]Format{
	FirePointData: {CSV},
	ProvinceData:  {JSON, SHP},
	DistrictData:  {JSON, SHP},
}

// AllowedFormats returns the formats accepted for dt, in presentation order.
// The returned slice is a copy.
func AllowedFormats(dt DataType) ([]Format, error) {
	formats, ok := allowedFormats[dt]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no format mapping", ErrUnknownDataType, string(dt))
	}
	out := make([]Format, len(formats))
	copy(out, formats)
	return out, nil
}

// ParseDataType validates a raw data type value.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.TrimSpace(s))
	if _, ok := allowedFormats[dt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
	}
	return dt, nil
}

// ParseFormat validates a raw format code.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimSpace(s)); f {
	case CSV, JSON, SHP:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Display returns the human readable name of the data type.
func (dt DataType) Display() string {
	switch dt {
	case FirePointData:
		return "Fire Points"
	case ProvinceData:
		return "Provinces"
	case DistrictData:
		return "Districts"
	}
	return string(dt)
}

// Label is the option label shown for a format.
func (f Format) Label() string {
	return strings.ToUpper(string(f))
}

// Allows reports whether f is accepted for dt.
func (dt DataType) Allows(f Format) bool {
	for _, allowed := range allowedFormats[dt] {
		if allowed == f {
			return true
		}
	}
	return false
}
