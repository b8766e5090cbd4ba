// Package server exposes the inpainting generator over HTTP for the painter
// web page.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/menta2k/defect-forge/internal/config"
	"github.com/menta2k/defect-forge/pkg/inpaint"
)

// Inpainter is the generator surface the handlers need
type Inpainter interface {
	Loaded() bool
	OutputDir() string
	Release(ctx context.Context) error
	LoadModels(ctx context.Context, spec inpaint.ModelSpec) (inpaint.LoadInfo, error)
	MaskInfo(originalURL, maskURL string) (inpaint.MaskInfo, error)
	Generate(ctx context.Context, p inpaint.Params) (inpaint.Result, error)
}

// Server wires the routes to an Inpainter
type Server struct {
	gen     Inpainter
	cfg     config.ServerConfig
	logger  *slog.Logger
	version string
	router  *gin.Engine
	now     func() time.Time
}

// New creates a Server and sets up its routes
func New(gen Inpainter, cfg config.ServerConfig, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gen:     gen,
		cfg:     cfg,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(bodyLimit(int64(s.cfg.MaxBodyMB) << 20))

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/", s.index)
	r.GET("/debug", s.debug)

	api := r.Group("/api")
	api.POST("/load_models", s.loadModels)
	api.POST("/calculate_mask_info", s.calculateMaskInfo)
	api.POST("/generate", s.generate)
	api.GET("/check_model", s.checkModel)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
		close(serverErrors)
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := s.gen.Release(shutdownCtx); err != nil {
		s.logger.Warn("release on shutdown failed", slog.String("error", err.Error()))
	}
	s.logger.Info("server stopped gracefully")
	return nil
}
