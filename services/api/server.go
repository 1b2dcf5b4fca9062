package main

import (
	"context"
	"embed"
	"html/template"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/queue"
	"github.com/firetracker/geodata/internal/storage"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Store is the persistence used by the API.
type Store interface {
	ListProvinces(ctx context.Context) ([]storage.ProvinceView, error)
	ListDistricts(ctx context.Context) ([]storage.DistrictView, error)
	ListFirePoints(ctx context.Context, f storage.FirePointFilter) ([]storage.FirePointView, error)
	DataStatus(ctx context.Context) (storage.DataStatus, error)
	Overview(ctx context.Context) (storage.Overview, error)
	DeleteFirePoints(ctx context.Context, ids []int64) (int64, error)
	CreateUpload(ctx context.Context, u *geodata.Upload) error
	ListUploads(ctx context.Context, f storage.UploadFilter) ([]*geodata.Upload, error)
}

// TaskPublisher queues import tasks.
type TaskPublisher interface {
	Publish(ctx context.Context, queueName string, task queue.ImportTask) error
}

// Server holds the HTTP handlers.
type Server struct {
	store         Store
	publisher     TaskPublisher
	storagePath   string
	maxUpload     int64
	adminUser     string
	adminPassword string
	tmpl          *template.Template
	logger        *zap.Logger
}

// ServerConfig carries the settings the handlers need.
type ServerConfig struct {
	StoragePath   string
	MaxUploadMB   int
	AdminUsername string
	AdminPassword string
}

// NewServer parses the embedded templates.
func NewServer(cfg ServerConfig, store Store, publisher TaskPublisher, logger *zap.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		store:         store,
		publisher:     publisher,
		storagePath:   cfg.StoragePath,
		maxUpload:     int64(cfg.MaxUploadMB) << 20,
		adminUser:     cfg.AdminUsername,
		adminPassword: cfg.AdminPassword,
		tmpl:          tmpl,
		logger:        logger,
	}, nil
}

// Router builds the gin engine. Admin routes are only mounted when admin
// credentials are configured.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.SetHTMLTemplate(s.tmpl)
	r.MaxMultipartMemory = 32 << 20

	api := r.Group("/api", noCache())
	api.GET("/provinces/", s.provinces)
	api.GET("/districts/", s.districts)
	api.GET("/firepoints/", s.firePoints)
	api.GET("/overview/", s.overview)
	api.GET("/upload-formats", s.uploadFormats)

	if s.adminUser == "" || s.adminPassword == "" {
		s.logger.Warn("admin credentials not configured, admin routes disabled")
		return r
	}
	auth := gin.BasicAuth(gin.Accounts{s.adminUser: s.adminPassword})
	api.GET("/data-status/", auth, s.dataStatus)

	admin := r.Group("/admin", auth)
	admin.GET("/upload", s.uploadForm)
	admin.POST("/upload", s.createUpload)
	admin.GET("/uploads", s.listUploads)
	admin.POST("/uploads/process", s.processUploads)
	admin.POST("/uploads/retry-failed", s.retryFailedUploads)
	admin.POST("/firepoints/delete", s.deleteFirePoints)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func noCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}

func (s *Server) success(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"status":    "success",
		"data":      data,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	s.logger.Error("API error", zap.String("path", c.Request.URL.Path), zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{
		"status":    "error",
		"message":   err.Error(),
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
}
