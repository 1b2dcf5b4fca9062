// Package processor turns a stored upload into database records.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/parser"
	"github.com/firetracker/geodata/internal/storage"
)

// Store runs geodata writes in a transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(storage.Writer) error) error
}

// Result is the outcome of processing one upload.
type Result struct {
	Records  int
	Skipped  int
	Duration time.Duration
	Err      error
}

// Processor dispatches uploads to the parser for their data type and format
// and writes the parsed records in one transaction.
type Processor struct {
	store   Store
	csv     *parser.CSVParser
	geojson *parser.GeoJSONParser
	shp     *parser.ShapefileParser
	logger  *zap.Logger
}

// New creates a processor reading naive timestamps in loc.
func New(store Store, loc *time.Location, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		csv:     parser.NewCSVParser(loc),
		geojson: parser.NewGeoJSONParser(loc),
		shp:     parser.NewShapefileParser(logger),
		logger:  logger,
	}
}

// Process imports u and records the outcome on u: Processed,
// RecordsProcessed, ProcessingErrors and ProcessingTime.
func (p *Processor) Process(ctx context.Context, u *geodata.Upload) Result {
	start := time.Now()
	logger := p.logger.With(zap.String("upload_id", u.ID), zap.String("title", u.Title),
		zap.String("data_type", string(u.DataType)), zap.String("format", string(u.Format)))

	records, skipped, err := p.process(ctx, logger, u.DataType, u.Format, u.FilePath, u.AuxiliaryFiles)
	res := Result{Records: records, Skipped: skipped, Duration: time.Since(start), Err: err}

	u.ProcessingTime = res.Duration
	if err != nil {
		u.Processed = false
		u.RecordsProcessed = 0
		u.ProcessingErrors = fmt.Sprintf("Error processing %s: %v", u.Title, err)
		logger.Error("upload processing failed", zap.Error(err))
		return res
	}
	u.Processed = true
	u.RecordsProcessed = records
	u.ProcessingErrors = ""
	logger.Info("upload processed",
		zap.Int("records", records),
		zap.Int("skipped", skipped),
		zap.Duration("duration", res.Duration))
	return res
}

func (p *Processor) process(ctx context.Context, logger *zap.Logger, dt geodata.DataType, f geodata.Format, path string, aux []string) (int, int, error) {
	if _, err := geodata.AllowedFormats(dt); err != nil {
		return 0, 0, err
	}
	if _, err := os.Stat(path); err != nil {
		return 0, 0, fmt.Errorf("file not found at %s", path)
	}

	switch {
	case dt == geodata.FirePointData && f == geodata.CSV:
		result, err := p.csv.ParseFile(path)
		if err != nil {
			return 0, 0, err
		}
		return p.saveFirePoints(ctx, logger, result)
	case dt == geodata.FirePointData && f == geodata.JSON:
		result, err := p.geojson.ParseFirePointsFile(path)
		if err != nil {
			return 0, 0, err
		}
		return p.saveFirePoints(ctx, logger, result)
	case dt == geodata.ProvinceData && f == geodata.JSON:
		result, err := p.geojson.ParseProvincesFile(path)
		if err != nil {
			return 0, 0, err
		}
		return p.saveProvinces(ctx, logger, result)
	case dt == geodata.ProvinceData && f == geodata.SHP:
		result, err := p.shp.ParseProvinces(path, aux)
		if err != nil {
			return 0, 0, err
		}
		return p.saveProvinces(ctx, logger, result)
	case dt == geodata.DistrictData && f == geodata.JSON:
		result, err := p.geojson.ParseDistrictsFile(path)
		if err != nil {
			return 0, 0, err
		}
		return p.saveDistricts(ctx, logger, result)
	case dt == geodata.DistrictData && f == geodata.SHP:
		result, err := p.shp.ParseDistricts(path, aux)
		if err != nil {
			return 0, 0, err
		}
		return p.saveDistricts(ctx, logger, result)
	}
	return 0, 0, fmt.Errorf("%w: %s files are not supported for %s", geodata.ErrUnknownFormat, f.Label(), dt.Display())
}

func logSkipped(logger *zap.Logger, kind string, skipped []parser.Skipped) {
	for _, s := range skipped {
		logger.Warn("skipped "+kind, zap.Int("index", s.Index), zap.String("reason", s.Reason))
	}
}

func (p *Processor) saveFirePoints(ctx context.Context, logger *zap.Logger, result *parser.Result[geodata.FirePoint]) (int, int, error) {
	logSkipped(logger, "fire point", result.Skipped)
	var inserted int
	err := p.store.WithTx(ctx, func(w storage.Writer) error {
		n, err := w.CreateFirePoints(ctx, result.Records)
		inserted = n
		return err
	})
	if err != nil {
		return 0, len(result.Skipped), err
	}
	return inserted, len(result.Skipped), nil
}

func (p *Processor) saveProvinces(ctx context.Context, logger *zap.Logger, result *parser.Result[geodata.Province]) (int, int, error) {
	logSkipped(logger, "province", result.Skipped)
	var created int
	err := p.store.WithTx(ctx, func(w storage.Writer) error {
		created = 0
		for i := range result.Records {
			isNew, err := w.UpsertProvince(ctx, &result.Records[i])
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, len(result.Skipped), err
	}
	return created, len(result.Skipped), nil
}

func (p *Processor) saveDistricts(ctx context.Context, logger *zap.Logger, result *parser.Result[parser.DistrictRecord]) (int, int, error) {
	logSkipped(logger, "district", result.Skipped)
	var created int
	err := p.store.WithTx(ctx, func(w storage.Writer) error {
		created = 0
		for i := range result.Records {
			rec := &result.Records[i]
			d := rec.District

			province, err := w.FindProvince(ctx, rec.ParentPCode, rec.ParentName)
			switch {
			case err == nil:
				d.ProvinceID = &province.ID
				if d.ProvinceName == "" {
					d.ProvinceName = province.Name
				}
			case errors.Is(err, storage.ErrNotFound):
				logger.Warn("no parent province for district",
					zap.String("pcode", d.PCode),
					zap.String("province_pcode", rec.ParentPCode),
					zap.String("province_name", rec.ParentName))
			default:
				return err
			}

			isNew, err := w.UpsertDistrict(ctx, &d)
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, len(result.Skipped), err
	}
	return created, len(result.Skipped), nil
}

// Bootstrap file names read by ImportDirectory, in import order.
var bootstrapFiles = []struct {
	name     string
	dataType geodata.DataType
}{
	{"Province.json", geodata.ProvinceData},
	{"Districts.json", geodata.DistrictData},
	{"Firepoints.json", geodata.FirePointData},
}

// FileReport is the outcome of one file of a directory import.
type FileReport struct {
	File     string
	DataType geodata.DataType
	Found    bool
	Records  int
	Err      error
}

// ImportDirectory clears all geodata and loads the GeoJSON bootstrap files
// found in dir. A missing or failing file is reported and the import goes on.
func (p *Processor) ImportDirectory(ctx context.Context, dir string) ([]FileReport, error) {
	p.logger.Info("clearing existing geodata")
	if err := p.store.WithTx(ctx, func(w storage.Writer) error {
		return w.ClearGeodata(ctx)
	}); err != nil {
		return nil, fmt.Errorf("clear geodata: %w", err)
	}

	reports := make([]FileReport, 0, len(bootstrapFiles))
	for _, bf := range bootstrapFiles {
		path := filepath.Join(dir, bf.name)
		report := FileReport{File: path, DataType: bf.dataType}
		logger := p.logger.With(zap.String("file", path), zap.String("data_type", string(bf.dataType)))

		if _, err := os.Stat(path); err != nil {
			logger.Error("bootstrap file not found")
			reports = append(reports, report)
			continue
		}
		report.Found = true
		report.Records, _, report.Err = p.process(ctx, logger, bf.dataType, geodata.JSON, path, nil)
		if report.Err != nil {
			logger.Error("bootstrap import failed", zap.Error(report.Err))
		} else {
			logger.Info("bootstrap import done", zap.Int("records", report.Records))
		}
		reports = append(reports, report)
	}
	return reports, nil
}
