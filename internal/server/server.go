package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/pipeline"
	"github.com/aevon-lab/tally/internal/report"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
)

type Server struct {
	Engine *gin.Engine
	Addr   string

	store      HealthChecker
	reportsDir string
	latest     func() *pipeline.Summary
	reads      singleflight.Group
}

// HealthChecker is an interface for components that can report their health status.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Config wires the status API to the pipeline outputs.
type Config struct {
	Addr       string
	Mode       string
	Store      HealthChecker
	ReportsDir string

	// Latest returns the in-process summary of the last scheduled run, if any.
	// When it returns nil the persisted run_summary.json is served instead.
	Latest func() *pipeline.Summary
}

func New(cfg Config) *Server {
	// Set Gin mode based on configuration
	switch cfg.Mode {
	case gin.DebugMode:
		gin.SetMode(gin.DebugMode)
	case gin.TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Engine:     r,
		Addr:       cfg.Addr,
		store:      cfg.Store,
		reportsDir: cfg.ReportsDir,
		latest:     cfg.Latest,
	}

	// Health check endpoint with store connectivity verification
	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/runs/latest", s.latestRunHandler)
	v1.GET("/anomalies", s.anomaliesHandler)
	v1.GET("/validation", s.fileHandler(pipeline.ValidationFile))
	v1.GET("/reports/:name", s.reportHandler)

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			slog.Error("Health check failed: store unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, coreerrors.ErrorResponse{
				ErrorType: coreerrors.HttpUnavailableError,
				Message:   "store unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  "connected",
	})
}

// latestRunHandler serves GET /v1/runs/latest.
func (s *Server) latestRunHandler(c *gin.Context) {
	if s.latest != nil {
		if summary := s.latest(); summary != nil {
			c.JSON(http.StatusOK, summary)
			return
		}
	}
	s.fileHandler(pipeline.SummaryFile)(c)
}

// anomaliesHandler serves GET /v1/anomalies, optionally filtered by ?severity=.
func (s *Server) anomaliesHandler(c *gin.Context) {
	body, ok := s.readOutput(c, pipeline.AnomaliesFile)
	if !ok {
		return
	}

	severity := c.Query("severity")
	if severity == "" {
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return
	}

	var out pipeline.AnomalyFile
	if err := json.Unmarshal(body, &out); err != nil {
		slog.Error("Failed to decode anomalies", "error", err)
		c.JSON(http.StatusInternalServerError, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpInternalError,
			Message:   "anomalies output is corrupt",
		})
		return
	}
	kept := out.Flags[:0]
	for _, f := range out.Flags {
		if f.Severity == severity {
			kept = append(kept, f)
		}
	}
	out.Flags = kept
	c.JSON(http.StatusOK, out)
}

// reportHandler serves GET /v1/reports/:name as CSV.
func (s *Server) reportHandler(c *gin.Context) {
	name := c.Param("name")
	known := false
	for _, def := range report.Definitions() {
		if def.Name == name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpNotFoundError,
			Message:   "unknown report",
			Details:   gin.H{"name": name},
		})
		return
	}

	body, ok := s.readOutput(c, name+".csv")
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/csv; charset=utf-8", body)
}

func (s *Server) fileHandler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readOutput(c, name)
		if !ok {
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// readOutput loads one pipeline output. Concurrent requests for the same file share one read.
func (s *Server) readOutput(c *gin.Context, name string) ([]byte, bool) {
	v, err, _ := s.reads.Do(name, func() (interface{}, error) {
		return os.ReadFile(filepath.Join(s.reportsDir, name))
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, coreerrors.ErrorResponse{
				ErrorType: coreerrors.HttpNotFoundError,
				Message:   "no run has produced " + name + " yet",
			})
			return nil, false
		}
		slog.Error("Failed to read pipeline output", "file", name, "error", err)
		c.JSON(http.StatusInternalServerError, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpInternalError,
			Message:   "failed to read " + name,
		})
		return nil, false
	}
	return v.([]byte), true
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
