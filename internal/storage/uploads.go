package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/firetracker/geodata/internal/geodata"
)

var uploadColumns = []string{
	"id", "title", "data_type", "upload_format", "file_path", "file_name", "auxiliary_files",
	"processed", "processing_errors", "records_processed", "processing_time_ms", "created_at", "updated_at",
}

// UploadFilter narrows ListUploads. Zero-valued fields are not applied.
type UploadFilter struct {
	DataType  geodata.DataType
	Format    geodata.Format
	Processed *bool
	IDs       []string
	Limit     uint64
}

// CreateUpload inserts u, assigning an id and timestamps.
func (s *Store) CreateUpload(ctx context.Context, u *geodata.Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	aux, err := json.Marshal(u.AuxiliaryFiles)
	if err != nil {
		return err
	}
	q := s.SQ.Insert("geodata_uploads").Columns(uploadColumns...).
		Values(u.ID, u.Title, string(u.DataType), string(u.Format), u.FilePath, u.FileName, string(aux),
			u.Processed, u.ProcessingErrors, u.RecordsProcessed, durationMillis(u.ProcessingTime), now, now)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

// GetUpload returns the upload with the given id or ErrNotFound.
func (s *Store) GetUpload(ctx context.Context, id string) (*geodata.Upload, error) {
	sqlStr, args, err := s.SQ.Select(uploadColumns...).From("geodata_uploads").Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	u, err := scanUpload(s.DB.QueryRowContext(ctx, sqlStr, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	return u, nil
}

// ListUploads returns uploads matching f, newest first.
func (s *Store) ListUploads(ctx context.Context, f UploadFilter) ([]*geodata.Upload, error) {
	q := s.SQ.Select(uploadColumns...).From("geodata_uploads")
	if f.DataType != "" {
		q = q.Where(sq.Eq{"data_type": string(f.DataType)})
	}
	if f.Format != "" {
		q = q.Where(sq.Eq{"upload_format": string(f.Format)})
	}
	if f.Processed != nil {
		q = q.Where(sq.Eq{"processed": *f.Processed})
	}
	if len(f.IDs) > 0 {
		q = q.Where(sq.Eq{"id": f.IDs})
	}
	q = q.OrderBy("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []*geodata.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveUploadResult stores the processing outcome fields of u.
func (s *Store) SaveUploadResult(ctx context.Context, u *geodata.Upload) error {
	u.UpdatedAt = time.Now().UTC()
	q := s.SQ.Update("geodata_uploads").
		Set("processed", u.Processed).
		Set("processing_errors", u.ProcessingErrors).
		Set("records_processed", u.RecordsProcessed).
		Set("processing_time_ms", durationMillis(u.ProcessingTime)).
		Set("updated_at", u.UpdatedAt).
		Where(sq.Eq{"id": u.ID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("save upload %s: %w", u.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save upload %s: %w", u.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*geodata.Upload, error) {
	var u geodata.Upload
	var dataType, format string
	var aux, errs sql.NullString
	var millis sql.NullInt64
	if err := row.Scan(&u.ID, &u.Title, &dataType, &format, &u.FilePath, &u.FileName, &aux,
		&u.Processed, &errs, &u.RecordsProcessed, &millis, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.DataType = geodata.DataType(dataType)
	u.Format = geodata.Format(format)
	u.ProcessingErrors = errs.String
	if millis.Valid {
		u.ProcessingTime = time.Duration(millis.Int64) * time.Millisecond
	}
	if aux.Valid && aux.String != "" {
		if err := json.Unmarshal([]byte(aux.String), &u.AuxiliaryFiles); err != nil {
			return nil, fmt.Errorf("decode auxiliary files of upload %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func durationMillis(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return d.Milliseconds()
}
