package geodata

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// SRID of every stored geometry (WGS 84).
const SRID = 4326

// Province is a first-level administrative boundary.
type Province struct {
	ID        int64
	Name      string // admin1Name
	PCode     string // admin1Pcod
	Geometry  orb.MultiPolygon
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Province) String() string {
	return p.Name
}

// District is a second-level administrative boundary.
type District struct {
	ID           int64
	Name         string // admin2Name
	PCode        string // admin2Pcod
	ProvinceName string // admin1Name
	ProvinceID   *int64
	Geometry     orb.MultiPolygon
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d District) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ProvinceName)
}

// FirePoint is a single satellite fire detection.
type FirePoint struct {
	ID         int64
	Latitude   float64
	Longitude  float64
	Brightness *float64
	AcquiredAt time.Time
	FRP        *float64
	Confidence *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Point returns the detection as a lon/lat point.
func (f FirePoint) Point() orb.Point {
	return orb.Point{f.Longitude, f.Latitude}
}

func (f FirePoint) String() string {
	return fmt.Sprintf("FirePoint at %.4f,%.4f on %s", f.Latitude, f.Longitude, f.AcquiredAt.Format("2006-01-02"))
}

// Validate checks coordinate ranges and the confidence scale.
func (f FirePoint) Validate() error {
	if f.Latitude < -90 || f.Latitude > 90 {
		return &ValidationError{Field: "latitude", Message: "Latitude must be between -90 and 90"}
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return &ValidationError{Field: "longitude", Message: "Longitude must be between -180 and 180"}
	}
	if f.Confidence != nil {
		c := *f.Confidence
		if c < 0 || c > 100 || c%10 != 0 {
			return &ValidationError{Field: "confidence", Message: fmt.Sprintf("Value %d is not a valid choice", c)}
		}
	}
	return nil
}

// ValidationError reports an invalid field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
