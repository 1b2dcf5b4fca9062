package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/firetracker/geodata/internal/geodata"
)

// Writer is the set of geodata writes available inside a transaction.
type Writer interface {
	// UpsertProvince inserts or updates a province by pcode and reports
	// whether a new row was created. p.ID is set either way.
	UpsertProvince(ctx context.Context, p *geodata.Province) (bool, error)
	// UpsertDistrict inserts or updates a district by pcode.
	UpsertDistrict(ctx context.Context, d *geodata.District) (bool, error)
	// FindProvince looks a province up by pcode, then by name.
	FindProvince(ctx context.Context, pcode, name string) (*geodata.Province, error)
	// CreateFirePoints inserts points in batches and returns the row count.
	CreateFirePoints(ctx context.Context, points []geodata.FirePoint) (int, error)
	// ClearGeodata deletes all fire points, districts and provinces.
	ClearGeodata(ctx context.Context) error
}

// Tx implements Writer on an open transaction.
type Tx struct {
	tx        *sql.Tx
	sq        sq.StatementBuilderType
	batchSize int
}

var _ Writer = (*Tx)(nil)

// geomFromText converts g to the SQL expression storing it with SRID 4326.
// WKT is lon/lat, so the axis order is stated explicitly.
func geomFromText(g orb.Geometry) sq.Sqlizer {
	return sq.Expr(fmt.Sprintf("ST_GeomFromText(?, %d, 'axis-order=long-lat')", geodata.SRID), wkt.MarshalString(g))
}

const upsertBoundary = "ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), name = VALUES(name), geom = VALUES(geom), updated_at = VALUES(updated_at)"

func (t *Tx) UpsertProvince(ctx context.Context, p *geodata.Province) (bool, error) {
	now := time.Now().UTC()
	q := t.sq.Insert("provinces").
		Columns("name", "pcode", "geom", "created_at", "updated_at").
		Values(p.Name, p.PCode, geomFromText(p.Geometry), now, now).
		Suffix(upsertBoundary)
	created, id, err := t.upsert(ctx, q)
	if err != nil {
		return false, fmt.Errorf("upsert province %s: %w", p.PCode, err)
	}
	p.ID = id
	p.UpdatedAt = now
	if created {
		p.CreatedAt = now
	}
	return created, nil
}

func (t *Tx) UpsertDistrict(ctx context.Context, d *geodata.District) (bool, error) {
	now := time.Now().UTC()
	q := t.sq.Insert("districts").
		Columns("name", "pcode", "province_name", "province_id", "geom", "created_at", "updated_at").
		Values(d.Name, d.PCode, d.ProvinceName, d.ProvinceID, geomFromText(d.Geometry), now, now).
		Suffix(upsertBoundary + ", province_name = VALUES(province_name), province_id = VALUES(province_id)")
	created, id, err := t.upsert(ctx, q)
	if err != nil {
		return false, fmt.Errorf("upsert district %s: %w", d.PCode, err)
	}
	d.ID = id
	d.UpdatedAt = now
	if created {
		d.CreatedAt = now
	}
	return created, nil
}

// upsert runs an INSERT ... ON DUPLICATE KEY UPDATE. MySQL reports one
// affected row for an insert and two for an update.
func (t *Tx) upsert(ctx context.Context, q sq.InsertBuilder) (bool, int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, 0, err
	}
	res, err := t.tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, 0, err
	}
	return n == 1, id, nil
}

func (t *Tx) FindProvince(ctx context.Context, pcode, name string) (*geodata.Province, error) {
	if pcode != "" {
		p, err := t.findProvince(ctx, sq.Eq{"pcode": pcode})
		if err == nil || err != ErrNotFound {
			return p, err
		}
	}
	if name != "" {
		return t.findProvince(ctx, sq.Eq{"name": name})
	}
	return nil, ErrNotFound
}

func (t *Tx) findProvince(ctx context.Context, where sq.Eq) (*geodata.Province, error) {
	q := t.sq.Select("id", "name", "pcode").From("provinces").Where(where).OrderBy("id").Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var p geodata.Province
	err = t.tx.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.Name, &p.PCode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find province: %w", err)
	}
	return &p, nil
}

func (t *Tx) CreateFirePoints(ctx context.Context, points []geodata.FirePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	inserted := 0
	for _, b := range batches(len(points), t.batchSize) {
		q := t.sq.Insert("fire_points").
			Columns("latitude", "longitude", "brightness", "acq_date", "frp", "confidence", "geom", "created_at", "updated_at")
		for _, fp := range points[b[0]:b[1]] {
			q = q.Values(fp.Latitude, fp.Longitude, fp.Brightness, fp.AcquiredAt.UTC(), fp.FRP, fp.Confidence, geomFromText(fp.Point()), now, now)
		}
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return inserted, err
		}
		res, err := t.tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert fire points %d-%d: %w", b[0], b[1], err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (t *Tx) ClearGeodata(ctx context.Context) error {
	for _, table := range []string{"fire_points", "districts", "provinces"} {
		sqlStr, args, err := t.sq.Delete(table).ToSql()
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// deleteFirePoints removes the given ids in batches.
func (t *Tx) deleteFirePoints(ctx context.Context, ids []int64) (int64, error) {
	var deleted int64
	for _, b := range batches(len(ids), t.batchSize) {
		sqlStr, args, err := t.sq.Delete("fire_points").Where(sq.Eq{"id": ids[b[0]:b[1]]}).ToSql()
		if err != nil {
			return deleted, err
		}
		res, err := t.tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return deleted, fmt.Errorf("delete fire points: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// DeleteFirePoints removes fire points by id and returns how many were deleted.
func (s *Store) DeleteFirePoints(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.retry(ctx, func() error {
		return withTx(ctx, s.DB, func(tx *sql.Tx) error {
			t := &Tx{tx: tx, sq: s.SQ, batchSize: s.batchSize}
			n, err := t.deleteFirePoints(ctx, ids)
			deleted = n
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
