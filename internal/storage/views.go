package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ProvinceView is a province row as served by the map API. GeoJSON holds the
// geometry serialized by the database.
type ProvinceView struct {
	ID      int64  `json:"id"`
	Name    string `json:"admin1Name"`
	PCode   string `json:"admin1Pcod"`
	GeoJSON string `json:"geojson"`
}

// DistrictView is a district row as served by the map API.
type DistrictView struct {
	ID           int64  `json:"id"`
	Name         string `json:"admin2Name"`
	PCode        string `json:"admin2Pcod"`
	ProvinceName string `json:"admin1Name"`
	GeoJSON      string `json:"geojson"`
}

// FirePointView is a fire detection as served by the map API.
type FirePointView struct {
	ID         int64     `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Brightness *float64  `json:"brightness"`
	AcquiredAt time.Time `json:"acq_date"`
	FRP        *float64  `json:"frp"`
	Confidence *int      `json:"confidence"`
	GeoJSON    string    `json:"geojson"`
}

// FirePointFilter narrows ListFirePoints. Nil fields are not applied.
type FirePointFilter struct {
	From          *time.Time
	To            *time.Time
	MinConfidence *int
}

// DataStatus holds the latest id of each table, 0 when empty.
type DataStatus struct {
	Provinces  int64 `json:"provinces"`
	Districts  int64 `json:"districts"`
	FirePoints int64 `json:"firepoints"`
}

// Overview holds row counts and the newest acquisition time.
type Overview struct {
	ProvinceCount       int64      `json:"province_count"`
	DistrictCount       int64      `json:"district_count"`
	FirePointCount      int64      `json:"firepoint_count"`
	LatestFirePointDate *time.Time `json:"latest_firepoint_date"`
}

func (s *Store) query(ctx context.Context, q sq.SelectBuilder) (*sql.Rows, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	return s.DB.QueryContext(ctx, sqlStr, args...)
}

func (s *Store) ListProvinces(ctx context.Context) ([]ProvinceView, error) {
	rows, err := s.query(ctx, s.SQ.Select("id", "name", "pcode", "ST_AsGeoJSON(geom)").From("provinces").OrderBy("name"))
	if err != nil {
		return nil, fmt.Errorf("list provinces: %w", err)
	}
	defer rows.Close()

	out := []ProvinceView{}
	for rows.Next() {
		var v ProvinceView
		var geom sql.NullString
		if err := rows.Scan(&v.ID, &v.Name, &v.PCode, &geom); err != nil {
			return nil, err
		}
		v.GeoJSON = geom.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListDistricts(ctx context.Context) ([]DistrictView, error) {
	rows, err := s.query(ctx, s.SQ.Select("id", "name", "pcode", "province_name", "ST_AsGeoJSON(geom)").From("districts").OrderBy("name"))
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	defer rows.Close()

	out := []DistrictView{}
	for rows.Next() {
		var v DistrictView
		var geom sql.NullString
		if err := rows.Scan(&v.ID, &v.Name, &v.PCode, &v.ProvinceName, &geom); err != nil {
			return nil, err
		}
		v.GeoJSON = geom.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListFirePoints returns detections matching f, newest first.
func (s *Store) ListFirePoints(ctx context.Context, f FirePointFilter) ([]FirePointView, error) {
	q := s.SQ.Select("id", "latitude", "longitude", "brightness", "acq_date", "frp", "confidence", "ST_AsGeoJSON(geom)").
		From("fire_points")
	if f.From != nil {
		q = q.Where(sq.GtOrEq{"acq_date": f.From.UTC()})
	}
	if f.To != nil {
		q = q.Where(sq.LtOrEq{"acq_date": f.To.UTC()})
	}
	if f.MinConfidence != nil {
		q = q.Where(sq.GtOrEq{"confidence": *f.MinConfidence})
	}
	rows, err := s.query(ctx, q.OrderBy("acq_date DESC"))
	if err != nil {
		return nil, fmt.Errorf("list fire points: %w", err)
	}
	defer rows.Close()

	out := []FirePointView{}
	for rows.Next() {
		var v FirePointView
		var brightness, frp sql.NullFloat64
		var confidence sql.NullInt64
		var geom sql.NullString
		if err := rows.Scan(&v.ID, &v.Latitude, &v.Longitude, &brightness, &v.AcquiredAt, &frp, &confidence, &geom); err != nil {
			return nil, err
		}
		if brightness.Valid {
			b := brightness.Float64
			v.Brightness = &b
		}
		if frp.Valid {
			f := frp.Float64
			v.FRP = &f
		}
		if confidence.Valid {
			c := int(confidence.Int64)
			v.Confidence = &c
		}
		v.GeoJSON = geom.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) scalar(ctx context.Context, q sq.SelectBuilder, dest any) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	return s.DB.QueryRowContext(ctx, sqlStr, args...).Scan(dest)
}

// DataStatus reports the newest id per table.
func (s *Store) DataStatus(ctx context.Context) (DataStatus, error) {
	var st DataStatus
	targets := []struct {
		table string
		dest  *int64
	}{
		{"provinces", &st.Provinces},
		{"districts", &st.Districts},
		{"fire_points", &st.FirePoints},
	}
	for _, t := range targets {
		if err := s.scalar(ctx, s.SQ.Select("COALESCE(MAX(id), 0)").From(t.table), t.dest); err != nil {
			return DataStatus{}, fmt.Errorf("latest %s id: %w", t.table, err)
		}
	}
	return st, nil
}

// Overview reports row counts and the latest acquisition time.
func (s *Store) Overview(ctx context.Context) (Overview, error) {
	var ov Overview
	targets := []struct {
		table string
		dest  *int64
	}{
		{"provinces", &ov.ProvinceCount},
		{"districts", &ov.DistrictCount},
		{"fire_points", &ov.FirePointCount},
	}
	for _, t := range targets {
		if err := s.scalar(ctx, s.SQ.Select("COUNT(*)").From(t.table), t.dest); err != nil {
			return Overview{}, fmt.Errorf("count %s: %w", t.table, err)
		}
	}

	var latest sql.NullTime
	if err := s.scalar(ctx, s.SQ.Select("MAX(acq_date)").From("fire_points"), &latest); err != nil {
		return Overview{}, fmt.Errorf("latest acquisition: %w", err)
	}
	if latest.Valid {
		ov.LatestFirePointDate = &latest.Time
	}
	return ov, nil
}
