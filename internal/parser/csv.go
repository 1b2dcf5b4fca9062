package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/firetracker/geodata/internal/geodata"
)

var requiredFirePointColumns = []string{"latitude", "longitude", "acq_date"}

// CSVParser parses fire detection exports.
type CSVParser struct {
	delimiter rune
	location  *time.Location
}

// NewCSVParser creates a comma-delimited parser that reads naive timestamps in loc.
func NewCSVParser(loc *time.Location) *CSVParser {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVParser{
		delimiter: ',',
		location:  loc,
	}
}

// ParseFile parses the CSV file at filePath.
func (p *CSVParser) ParseFile(filePath string) (*Result[geodata.FirePoint], error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer file.Close()
	return p.Parse(file)
}

// Parse reads fire points from r. The header row must contain latitude,
// longitude and acq_date.
func (p *CSVParser) Parse(r io.Reader) (*Result[geodata.FirePoint], error) {
	reader := csv.NewReader(r)
	reader.Comma = p.delimiter
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading CSV file: read headers: %w", err)
	}

	headerMap := make(map[string]int, len(headers))
	for i, header := range headers {
		headerMap[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header, "\ufeff")))] = i
	}

	var missing []string
	for _, col := range requiredFirePointColumns {
		if _, ok := headerMap[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("CSV missing required columns: %s", strings.Join(missing, ", "))
	}

	result := &Result[geodata.FirePoint]{}
	for index := 0; ; index++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV row %d: %w", index, err)
		}
		result.Total++

		fp, err := p.firePoint(row, headerMap)
		if err != nil {
			result.skip(index, "%v", err)
			continue
		}
		if err := fp.Validate(); err != nil {
			result.skip(index, "%v", err)
			continue
		}
		result.Records = append(result.Records, fp)
	}
	return result, nil
}

func (p *CSVParser) firePoint(row []string, headerMap map[string]int) (geodata.FirePoint, error) {
	var fp geodata.FirePoint

	lat, err := strconv.ParseFloat(p.getField(row, headerMap, "latitude"), 64)
	if err != nil {
		return fp, fmt.Errorf("invalid latitude %q", p.getField(row, headerMap, "latitude"))
	}
	lon, err := strconv.ParseFloat(p.getField(row, headerMap, "longitude"), 64)
	if err != nil {
		return fp, fmt.Errorf("invalid longitude %q", p.getField(row, headerMap, "longitude"))
	}
	acq, err := ParseAcquisitionTime(p.getField(row, headerMap, "acq_date"), p.getField(row, headerMap, "acq_time"), p.location)
	if err != nil {
		return fp, err
	}
	brightness, err := p.optionalFloat(row, headerMap, "brightness")
	if err != nil {
		return fp, err
	}
	frp, err := p.optionalFloat(row, headerMap, "frp")
	if err != nil {
		return fp, err
	}

	fp = geodata.FirePoint{
		Latitude:   lat,
		Longitude:  lon,
		AcquiredAt: acq,
		Brightness: &brightness,
		FRP:        &frp,
		Confidence: parseConfidence(p.getField(row, headerMap, "confidence")),
	}
	return fp, nil
}

// optionalFloat reads a numeric column that defaults to 0 when absent or empty.
func (p *CSVParser) optionalFloat(row []string, headerMap map[string]int, name string) (float64, error) {
	raw := p.getField(row, headerMap, name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// getField returns the trimmed value of a column, or "" if the row is short
// or the column is absent.
func (p *CSVParser) getField(row []string, headerMap map[string]int, fieldName string) string {
	if i, ok := headerMap[fieldName]; ok && i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func parseConfidence(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return nil
		}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
	}
)

// ParseAcquisitionTime parses an acquisition date. Timestamps without a zone
// are read in loc. A FIRMS-style HHMM acq_time, if given, is added to a
// date-only value.
func ParseAcquisitionTime(date, hhmm string, loc *time.Location) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, fmt.Errorf("missing acq_date")
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, date, loc)
		if err != nil {
			continue
		}
		if len(layout) <= len("2006-01-02") {
			t = withClock(t, hhmm)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date format: %s", date)
}

func withClock(t time.Time, hhmm string) time.Time {
	hhmm = strings.TrimSpace(hhmm)
	if len(hhmm) < 3 || len(hhmm) > 4 {
		return t
	}
	v, err := strconv.Atoi(hhmm)
	if err != nil || v%100 > 59 || v/100 > 23 {
		return t
	}
	return t.Add(time.Duration(v/100)*time.Hour + time.Duration(v%100)*time.Minute)
}
