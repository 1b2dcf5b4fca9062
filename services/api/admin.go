package main

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/formsync"
	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/queue"
	"github.com/firetracker/geodata/internal/storage"
)

// dataTypeOption is one entry of the data type selector.
type dataTypeOption struct {
	Value    geodata.DataType
	Label    string
	Selected bool
}

// uploadFormView is what templates/upload.html renders.
type uploadFormView struct {
	Title            string
	DataTypes        []dataTypeOption
	Formats          []formsync.Option
	SelectedFormat   geodata.Format
	AuxiliaryVisible bool
	Error            string
}

// renderUploadForm runs the form page through the format synchronizer so the
// rendered controls match the chosen data type and format.
func (s *Server) renderUploadForm(c *gin.Context, status int, title, dataType, format, formErr string) {
	page := formsync.NewFormPage()
	page.AddSelect(formsync.DataTypeControl, dataType, nil)
	page.AddSelect(formsync.UploadFormatControl, format, nil)
	aux := page.AddField(formsync.AuxiliaryFieldMarker, false)

	sync, err := formsync.Attach(page)
	if err != nil {
		if status == http.StatusOK {
			status = http.StatusBadRequest
		}
		if formErr == "" {
			formErr = "data_type: Select a valid data type"
		}
		dataType = ""
	} else if sync != nil && format != "" && sync.State().Offers(geodata.Format(format)) {
		sync.FormatChanged(geodata.Format(format))
	}

	formatSelect := page.Selects[formsync.UploadFormatControl]
	selected := geodata.Format(formatSelect.Current)
	if sync != nil && sync.State().Selected != "" {
		selected = sync.State().Selected
	}
	view := uploadFormView{
		Title:            title,
		Formats:          formatSelect.Options,
		SelectedFormat:   selected,
		AuxiliaryVisible: aux.Visible,
		Error:            formErr,
	}
	for _, dt := range geodata.DataTypes {
		view.DataTypes = append(view.DataTypes, dataTypeOption{Value: dt, Label: dt.Display(), Selected: string(dt) == dataType})
	}
	c.HTML(status, "upload.html", view)
}

func (s *Server) uploadForm(c *gin.Context) {
	s.renderUploadForm(c, http.StatusOK, c.Query("title"), c.Query("data_type"), c.Query("upload_format"), "")
}

func (s *Server) createUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		s.renderUploadForm(c, http.StatusBadRequest, "", "", "", "data_file: "+err.Error())
		return
	}

	title := c.PostForm("title")
	dataType := c.PostForm("data_type")
	format := c.PostForm("upload_format")

	files := form.File["data_file"]
	auxFiles := form.File["auxiliary_files"]
	u := &geodata.Upload{
		ID:       uuid.NewString(),
		Title:    title,
		DataType: geodata.DataType(dataType),
		Format:   geodata.Format(format),
	}
	if len(files) > 0 {
		u.FileName = filepath.Base(files[0].Filename)
	}
	for _, fh := range auxFiles {
		u.AuxiliaryFiles = append(u.AuxiliaryFiles, filepath.Base(fh.Filename))
	}
	if err := u.Validate(); err != nil {
		s.renderUploadForm(c, http.StatusBadRequest, title, dataType, format, err.Error())
		return
	}

	dir := filepath.Join(s.storagePath, "geodata_uploads", time.Now().Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.fail(c, http.StatusInternalServerError, fmt.Errorf("create upload dir: %w", err))
		return
	}
	u.FilePath, err = s.saveFile(c, files[0], dir, u.ID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	u.AuxiliaryFiles = u.AuxiliaryFiles[:0]
	for _, fh := range auxFiles {
		path, err := s.saveFile(c, fh, dir, u.ID)
		if err != nil {
			s.removeFiles(append([]string{u.FilePath}, u.AuxiliaryFiles...))
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
		u.AuxiliaryFiles = append(u.AuxiliaryFiles, path)
	}

	ctx := c.Request.Context()
	if err := s.store.CreateUpload(ctx, u); err != nil {
		s.removeFiles(append([]string{u.FilePath}, u.AuxiliaryFiles...))
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	// Files are kept once the upload row exists.
	queueName := queue.QueueFor(files[0].Size)
	if err := s.publisher.Publish(ctx, queueName, queue.NewTask(u, files[0].Size, queueName)); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("upload queued",
		zap.String("upload_id", u.ID),
		zap.String("title", u.Title),
		zap.String("queue", queueName),
		zap.Int64("size", files[0].Size))
	c.Redirect(http.StatusSeeOther, "/admin/uploads")
}

// saveFile stores fh in dir under a name prefixed with the upload id.
func (s *Server) saveFile(c *gin.Context, fh *multipart.FileHeader, dir, id string) (string, error) {
	dst := filepath.Join(dir, id+"-"+filepath.Base(fh.Filename))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return "", fmt.Errorf("save %s: %w", fh.Filename, err)
	}
	return dst, nil
}

// removeFiles deletes files saved for an upload that was never recorded.
func (s *Server) removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove upload file", zap.String("path", p), zap.Error(err))
		}
	}
}

// uploadView is an upload as listed to administrators.
type uploadView struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	DataType         string    `json:"data_type"`
	UploadFormat     string    `json:"upload_format"`
	FileName         string    `json:"file_name"`
	Status           string    `json:"status"`
	RecordsProcessed int       `json:"records_processed"`
	ProcessingTime   *float64  `json:"processing_time"`
	Errors           string    `json:"processing_errors"`
	CreatedAt        time.Time `json:"created_at"`
}

func newUploadView(u *geodata.Upload) uploadView {
	v := uploadView{
		ID:               u.ID,
		Title:            u.Title,
		DataType:         u.DataType.Display(),
		UploadFormat:     u.Format.Label(),
		FileName:         u.FileName,
		Status:           u.Status(),
		RecordsProcessed: u.RecordsProcessed,
		Errors:           u.ShortErrors(),
		CreatedAt:        u.CreatedAt,
	}
	if u.ProcessingTime > 0 {
		secs := u.ProcessingTime.Seconds()
		v.ProcessingTime = &secs
	}
	return v
}

func (s *Server) listUploads(c *gin.Context) {
	filter := storage.UploadFilter{
		DataType: geodata.DataType(c.Query("data_type")),
		Format:   geodata.Format(c.Query("upload_format")),
	}
	if v := c.Query("processed"); v != "" {
		processed, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid processed %q", v))
			return
		}
		filter.Processed = &processed
	}
	uploads, err := s.store.ListUploads(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]uploadView, 0, len(uploads))
	for _, u := range uploads {
		views = append(views, newUploadView(u))
	}
	s.success(c, http.StatusOK, views)
}

type uploadIDsRequest struct {
	IDs []string `json:"ids" form:"ids" binding:"required,min=1"`
}

func (s *Server) processUploads(c *gin.Context) {
	s.requeueUploads(c, false)
}

func (s *Server) retryFailedUploads(c *gin.Context) {
	s.requeueUploads(c, true)
}

// requeueUploads publishes the selected uploads to the high priority queue.
// With onlyFailed, uploads that were processed successfully are skipped.
func (s *Server) requeueUploads(c *gin.Context, onlyFailed bool) {
	var req uploadIDsRequest
	if err := c.ShouldBind(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	filter := storage.UploadFilter{IDs: req.IDs}
	if onlyFailed {
		unprocessed := false
		filter.Processed = &unprocessed
	}
	uploads, err := s.store.ListUploads(ctx, filter)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	queued := 0
	var failed []string
	for _, u := range uploads {
		var size int64
		if info, err := os.Stat(u.FilePath); err == nil {
			size = info.Size()
		}
		if err := s.publisher.Publish(ctx, queue.HighQueue, queue.NewTask(u, size, queue.HighQueue)); err != nil {
			s.logger.Error("requeue failed", zap.String("upload_id", u.ID), zap.Error(err))
			failed = append(failed, u.ID)
			continue
		}
		queued++
	}
	if queued == 0 && len(failed) > 0 {
		s.fail(c, http.StatusInternalServerError, errors.New("no uploads could be queued"))
		return
	}
	s.success(c, http.StatusOK, gin.H{
		"queued":  queued,
		"skipped": len(req.IDs) - len(uploads),
		"failed":  failed,
	})
}

type firePointIDsRequest struct {
	IDs []int64 `json:"ids" form:"ids" binding:"required,min=1"`
}

func (s *Server) deleteFirePoints(c *gin.Context) {
	var req firePointIDsRequest
	if err := c.ShouldBind(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.DeleteFirePoints(c.Request.Context(), req.IDs)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("fire points deleted", zap.Int64("count", n))
	s.success(c, http.StatusOK, gin.H{"deleted": n})
}
