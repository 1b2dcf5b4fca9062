package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/config"
	"github.com/firetracker/geodata/internal/geodata"
)

func newMockStore(t *testing.T, batchSize int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, zap.NewNop(), batchSize)
	s.backoff = time.Millisecond
	return s, mock
}

var square = orb.MultiPolygon{{{{28, -15}, {29, -15}, {29, -14}, {28, -15}}}}

func TestDSN(t *testing.T) {
	dsn := DSN(&config.Config{DBHost: "db", DBPort: 3307, DBName: "fires", DBUser: "u", DBPassword: "p"})
	assert.Contains(t, dsn, "u:p@tcp(db:3307)/fires?")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "multiStatements=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestMigrateSkipsAppliedFiles(t *testing.T) {
	s, mock := newMockStore(t, 0)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM schema_migrations").WithArgs("0001_geodata.sql").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM schema_migrations").WithArgs("0002_uploads.sql").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS geodata_uploads").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0002_uploads.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, Migrate(context.Background(), s.DB))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProvince(t *testing.T) {
	s, mock := newMockStore(t, 0)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO provinces .*ST_GeomFromText.*ON DUPLICATE KEY UPDATE").
		WithArgs("Central", "ZM10", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO provinces").
		WithArgs("Central", "ZM10", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 2))
	mock.ExpectCommit()

	var first, second bool
	err := s.WithTx(ctx, func(w Writer) error {
		p := &geodata.Province{Name: "Central", PCode: "ZM10", Geometry: square}
		var err error
		if first, err = w.UpsertProvince(ctx, p); err != nil {
			return err
		}
		assert.Equal(t, int64(7), p.ID)
		second, err = w.UpsertProvince(ctx, p)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first, "first upsert creates")
	assert.False(t, second, "second upsert updates")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeomFromTextWritesLonLatWKT(t *testing.T) {
	sqlStr, args, err := geomFromText(orb.Point{28.3, -15.4}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "ST_GeomFromText(?, 4326, 'axis-order=long-lat')", sqlStr)
	require.Len(t, args, 1)
	assert.Equal(t, "POINT(28.3 -15.4)", args[0])
}

func TestUpsertDistrict(t *testing.T) {
	s, mock := newMockStore(t, 0)
	ctx := context.Background()
	provinceID := int64(3)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO districts .*province_id = VALUES\\(province_id\\)").
		WithArgs("Chibombo", "ZM1001", "Central", provinceID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(w Writer) error {
		d := &geodata.District{Name: "Chibombo", PCode: "ZM1001", ProvinceName: "Central", ProvinceID: &provinceID, Geometry: square}
		created, err := w.UpsertDistrict(ctx, d)
		assert.True(t, created)
		assert.Equal(t, int64(11), d.ID)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesDeadlock(t *testing.T) {
	s, mock := newMockStore(t, 0)
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM fire_points").WillReturnError(deadlock)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM fire_points").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM districts").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM provinces").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := s.WithTx(context.Background(), func(w Writer) error {
		calls++
		return w.ClearGeodata(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxGivesUpAfterAttempts(t *testing.T) {
	s, mock := newMockStore(t, 0)
	s.attempts = 2
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM fire_points").WillReturnError(deadlock)
		mock.ExpectRollback()
	}

	err := s.WithTx(context.Background(), func(w Writer) error {
		return w.ClearGeodata(context.Background())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry limit exceeded")
	var myErr *mysql.MySQLError
	assert.True(t, errors.As(err, &myErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	s, mock := newMockStore(t, 0)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := s.WithTx(context.Background(), func(Writer) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, IsDeadlock(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDeadlock(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsDeadlock(errors.New("Error 1213: Deadlock found")))
	assert.False(t, IsDeadlock(errors.New("duplicate entry")))
	assert.False(t, IsDeadlock(nil))
}

func TestFindProvinceFallsBackToName(t *testing.T) {
	s, mock := newMockStore(t, 0)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, pcode FROM provinces WHERE pcode = ?")).
		WithArgs("ZM99").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "pcode"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, pcode FROM provinces WHERE name = ?")).
		WithArgs("Central").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "pcode"}).AddRow(3, "Central", "ZM10"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, pcode FROM provinces WHERE name = ?")).
		WithArgs("Nowhere").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "pcode"}))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(w Writer) error {
		p, err := w.FindProvince(ctx, "ZM99", "Central")
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.ID)
		assert.Equal(t, "ZM10", p.PCode)

		_, err = w.FindProvince(ctx, "", "Nowhere")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = w.FindProvince(ctx, "", "")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFirePointsBatches(t *testing.T) {
	s, mock := newMockStore(t, 2)
	ctx := context.Background()
	acq := time.Date(2024, 7, 1, 13, 42, 0, 0, time.UTC)

	points := make([]geodata.FirePoint, 3)
	for i := range points {
		points[i] = geodata.FirePoint{Latitude: -15, Longitude: 28 + float64(i), AcquiredAt: acq}
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO fire_points").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO fire_points").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var inserted int
	err := s.WithTx(ctx, func(w Writer) error {
		var err error
		inserted, err = w.CreateFirePoints(ctx, points)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFirePoints(t *testing.T) {
	s, mock := newMockStore(t, 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM fire_points WHERE id IN (?,?)")).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM fire_points WHERE id IN (?)")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.DeleteFirePoints(context.Background(), []int64{1, 2, 9})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err = s.DeleteFirePoints(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

var uploadRowColumns = []string{
	"id", "title", "data_type", "upload_format", "file_path", "file_name", "auxiliary_files",
	"processed", "processing_errors", "records_processed", "processing_time_ms", "created_at", "updated_at",
}

func TestCreateAndGetUpload(t *testing.T) {
	s, mock := newMockStore(t, 0)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO geodata_uploads").WillReturnResult(sqlmock.NewResult(0, 1))
	u := &geodata.Upload{Title: "Provinces 2024", DataType: geodata.ProvinceData, Format: geodata.SHP,
		FilePath: "/data/p.shp", FileName: "p.shp", AuxiliaryFiles: []string{"/data/p.shx", "/data/p.dbf"}}
	require.NoError(t, s.CreateUpload(ctx, u))
	assert.Len(t, u.ID, 36)
	assert.False(t, u.CreatedAt.IsZero())

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM geodata_uploads WHERE id = ?")).
		WithArgs(u.ID).
		WillReturnRows(sqlmock.NewRows(uploadRowColumns).AddRow(
			u.ID, u.Title, "province", "shp", u.FilePath, u.FileName, `["/data/p.shx","/data/p.dbf"]`,
			true, nil, int64(12), int64(1500), now, now))

	got, err := s.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, geodata.ProvinceData, got.DataType)
	assert.Equal(t, geodata.SHP, got.Format)
	assert.Equal(t, u.AuxiliaryFiles, got.AuxiliaryFiles)
	assert.True(t, got.Processed)
	assert.Equal(t, 12, got.RecordsProcessed)
	assert.Equal(t, 1500*time.Millisecond, got.ProcessingTime)
	assert.Empty(t, got.ProcessingErrors)

	mock.ExpectQuery("FROM geodata_uploads").WithArgs("missing").WillReturnRows(sqlmock.NewRows(uploadRowColumns))
	_, err = s.GetUpload(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUploadsFilters(t *testing.T) {
	s, mock := newMockStore(t, 0)
	processed := false
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM geodata_uploads WHERE data_type = ? AND processed = ? ORDER BY created_at DESC")).
		WithArgs("firepoint", false).
		WillReturnRows(sqlmock.NewRows(uploadRowColumns).
			AddRow("a", "July fires", "firepoint", "csv", "/d/a.csv", "a.csv", nil, false, "Error processing July fires: boom", int64(0), nil, now, now))

	uploads, err := s.ListUploads(context.Background(), UploadFilter{DataType: geodata.FirePointData, Processed: &processed})
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "pending", uploads[0].Status())
	assert.Zero(t, uploads[0].ProcessingTime)
	assert.Nil(t, uploads[0].AuxiliaryFiles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUploadResult(t *testing.T) {
	s, mock := newMockStore(t, 0)
	u := &geodata.Upload{ID: "a", Processed: true, RecordsProcessed: 4, ProcessingTime: 2 * time.Second}

	mock.ExpectExec("UPDATE geodata_uploads SET").
		WithArgs(true, "", 4, int64(2000), sqlmock.AnyArg(), "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveUploadResult(context.Background(), u))

	mock.ExpectExec("UPDATE geodata_uploads SET").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.SaveUploadResult(context.Background(), &geodata.Upload{ID: "gone"}), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFirePointsFilters(t *testing.T) {
	s, mock := newMockStore(t, 0)
	from := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 7, 31, 23, 59, 59, 0, time.UTC)
	minConfidence := 50
	acq := time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fire_points WHERE acq_date >= ? AND acq_date <= ? AND confidence >= ? ORDER BY acq_date DESC")).
		WithArgs(from, to, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "latitude", "longitude", "brightness", "acq_date", "frp", "confidence", "geojson"}).
			AddRow(int64(1), -15.4, 28.3, 320.5, acq, nil, int64(80), `{"type":"Point","coordinates":[28.3,-15.4]}`))

	points, err := s.ListFirePoints(context.Background(), FirePointFilter{From: &from, To: &to, MinConfidence: &minConfidence})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 320.5, *points[0].Brightness)
	assert.Nil(t, points[0].FRP)
	assert.Equal(t, 80, *points[0].Confidence)
	assert.Contains(t, points[0].GeoJSON, "Point")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBoundaries(t *testing.T) {
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, pcode, ST_AsGeoJSON(geom) FROM provinces ORDER BY name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "pcode", "geojson"}).AddRow(int64(1), "Central", "ZM10", `{"type":"MultiPolygon"}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, pcode, province_name, ST_AsGeoJSON(geom) FROM districts ORDER BY name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "pcode", "province_name", "geojson"}))

	provinces, err := s.ListProvinces(context.Background())
	require.NoError(t, err)
	require.Len(t, provinces, 1)
	assert.Equal(t, "ZM10", provinces[0].PCode)

	districts, err := s.ListDistricts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, districts, "empty list, not null")
	assert.Empty(t, districts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDataStatusAndOverview(t *testing.T) {
	s, mock := newMockStore(t, 0)
	latest := time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC)

	for _, table := range []string{"provinces", "districts", "fire_points"} {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id), 0) FROM " + table)).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(len(table))))
	}
	st, err := s.DataStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DataStatus{Provinces: 9, Districts: 9, FirePoints: 11}, st)

	for _, n := range []int64{10, 116, 0} {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM")).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(acq_date) FROM fire_points")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(latest))

	ov, err := s.Overview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(116), ov.DistrictCount)
	require.NotNil(t, ov.LatestFirePointDate)
	assert.True(t, latest.Equal(*ov.LatestFirePointDate))
	assert.NoError(t, mock.ExpectationsWereMet())
}
