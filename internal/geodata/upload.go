package geodata

import (
	"path/filepath"
	"strings"
	"time"
)

// AcceptedExtensions are the file extensions an upload may carry at all.
var AcceptedExtensions = []string{".csv", ".json", ".geojson", ".zip", ".shp"}

// RequiredAuxiliary are the companion files a bare .shp upload needs.
var RequiredAuxiliary = []string{".shx", ".dbf"}

// Upload is an administrator-submitted data file and its processing outcome.
type Upload struct {
	ID               string
	Title            string
	DataType         DataType
	Format           Format
	FilePath         string
	FileName         string
	AuxiliaryFiles   []string
	Processed        bool
	ProcessingErrors string
	RecordsProcessed int
	ProcessingTime   time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (u Upload) String() string {
	return u.Title + " (" + u.DataType.Display() + ")"
}

// Status is the processing state shown in listings.
func (u Upload) Status() string {
	if u.Processed {
		return "completed"
	}
	return "pending"
}

// ShortErrors truncates the processing errors to 100 characters for list
// views.
func (u Upload) ShortErrors() string {
	runes := []rune(u.ProcessingErrors)
	if len(runes) <= 100 {
		return u.ProcessingErrors
	}
	return string(runes[:100]) + "..."
}

// Validate checks the title, the file extension against the format and the
// format against the data type.
func (u Upload) Validate() error {
	if strings.TrimSpace(u.Title) == "" {
		return &ValidationError{Field: "title", Message: "This field is required"}
	}
	if len(u.Title) > 255 {
		return &ValidationError{Field: "title", Message: "Ensure this value has at most 255 characters"}
	}
	if u.FileName == "" {
		return &ValidationError{Field: "data_file", Message: "This field is required"}
	}

	ext := strings.ToLower(filepath.Ext(u.FileName))
	if !contains(AcceptedExtensions, ext) {
		return &ValidationError{
			Field:   "data_file",
			Message: "Unsupported file extension. Supported formats: " + strings.Join(AcceptedExtensions, ", "),
		}
	}

	switch u.Format {
	case SHP:
		switch ext {
		case ".zip":
		case ".shp":
			if missing := missingAuxiliary(u.AuxiliaryFiles); len(missing) > 0 {
				return &ValidationError{
					Field:   "auxiliary_files",
					Message: "Shapefile upload requires auxiliary files: " + strings.Join(missing, ", "),
				}
			}
		default:
			return &ValidationError{Field: "data_file", Message: "Shapefile upload requires a ZIP archive or a .shp file with auxiliary files"}
		}
	case JSON:
		if ext != ".json" && ext != ".geojson" {
			return &ValidationError{Field: "data_file", Message: "GeoJSON upload requires a .json or .geojson file"}
		}
	case CSV:
		if ext != ".csv" {
			return &ValidationError{Field: "data_file", Message: "CSV upload requires a .csv file"}
		}
	default:
		return &ValidationError{Field: "upload_format", Message: "Select a valid upload format"}
	}

	formats, err := AllowedFormats(u.DataType)
	if err != nil {
		return &ValidationError{Field: "data_type", Message: "Select a valid data type"}
	}
	if !u.DataType.Allows(u.Format) {
		labels := make([]string, len(formats))
		for i, f := range formats {
			labels[i] = f.Label()
		}
		return &ValidationError{
			Field:   "upload_format",
			Message: u.DataType.Display() + " only support " + strings.Join(labels, " or ") + " format",
		}
	}
	return nil
}

func missingAuxiliary(files []string) []string {
	have := make(map[string]bool, len(files))
	for _, f := range files {
		have[strings.ToLower(filepath.Ext(f))] = true
	}
	var missing []string
	for _, ext := range RequiredAuxiliary {
		if !have[ext] {
			missing = append(missing, ext)
		}
	}
	return missing
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
