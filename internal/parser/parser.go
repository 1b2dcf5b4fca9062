// Package parser reads uploaded geodata files (CSV, GeoJSON, shapefiles) into
// domain records. Malformed rows and features are skipped and reported, they
// never fail the whole file.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/firetracker/geodata/internal/geodata"
)

// Skipped describes a row or feature that was not turned into a record.
type Skipped struct {
	Index  int
	Reason string
}

func (s Skipped) String() string {
	return fmt.Sprintf("#%d: %s", s.Index, s.Reason)
}

// Result is the outcome of parsing one file.
type Result[T any] struct {
	Records []T
	Skipped []Skipped
	Total   int
}

func (r *Result[T]) skip(index int, format string, args ...any) {
	r.Skipped = append(r.Skipped, Skipped{Index: index, Reason: fmt.Sprintf(format, args...)})
}

// DistrictRecord is a parsed district plus the parent province reference found
// in the source, which is resolved against stored provinces later.
type DistrictRecord struct {
	District    geodata.District
	ParentPCode string
	ParentName  string
}

// attributes maps lower-cased attribute names to their values.
type attributes map[string]string

func newAttributes(raw map[string]any) attributes {
	attrs := make(attributes, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		key := strings.ToLower(k)
		if _, exists := attrs[key]; !exists || attrs[key] == "" {
			attrs[key] = strings.TrimSpace(s)
		}
	}
	return attrs
}

// first returns the first non-empty value among candidate names.
func (a attributes) first(candidates []string) string {
	for _, c := range candidates {
		if v := a[strings.ToLower(c)]; v != "" {
			return v
		}
	}
	return ""
}

func (a attributes) keys() []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	return out
}

// Attribute name candidates, in priority order. GeoJSON exports use the
// OCHA COD names and the legacy admin1/admin2 names; shapefile DBF columns are
// limited to ten characters and vary more.
var (
	geoJSONProvincePCode = []string{"ADM1_PCODE", "admin1Pcod", "PCODE_1"}
	geoJSONProvinceName  = []string{"ADM1_EN", "admin1Name", "NAME_1"}

	geoJSONDistrictPCode = []string{"admin2Pcod", "ADM2_PCODE", "PCODE_2", "pcode"}
	geoJSONDistrictName  = []string{"admin2Name", "ADM2_EN", "NAME_2", "name"}
	geoJSONParentPCode   = []string{"admin1Pcod", "ADM1_PCODE"}
	geoJSONParentName    = []string{"admin1Name", "ADM1_EN", "NAME_1"}

	shpProvincePCode = []string{"admin1pcod", "pcod", "adm1_pcode", "pcode", "adm1_pcod"}
	shpProvinceName  = []string{"admin1name", "name", "adm1_en", "adm1name", "adm1name_en"}

	shpDistrictPCode = []string{"admin2pcod", "pcod", "adm2_pcode", "pcode", "adm2_pcod"}
	shpDistrictName  = []string{"admin2name", "name", "adm2_en", "adm2name", "adm2name_en"}
	shpParentPCode   = []string{"admin1pcod", "parentpcod", "adm1_pcode", "adm1_pcod"}
	shpParentName    = []string{"admin1name", "parentname", "adm1_en", "adm1name", "adm1name_en"}
)
