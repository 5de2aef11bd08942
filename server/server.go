// Package server is the HTTP shell around a capture session: a JSON API, a
// live preview, and a websocket feed of session events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tuzkov/habitCam/capture"
)

// Executor runs fn on the capture loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

type Server interface {
	Handler() http.Handler
	Start(ctx context.Context) error
}

type Config struct {
	Addr string
	// StreamInterval is the delay between MJPEG frames.
	StreamInterval time.Duration
	// MediaDir, when set, is served under /media/.
	MediaDir string
	// AllowOrigins enables CORS for a UI served from another origin.
	AllowOrigins []string
	Debug        bool
}

type server struct {
	log  *slog.Logger
	cfg  *Config
	loop Executor
	sess *capture.Session

	engine *gin.Engine
}

func NewServer(log *slog.Logger, cfg *Config, loop Executor, sess *capture.Session) (Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 200 * time.Millisecond
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &server{
		log:  log.With("svc", "server"),
		cfg:  cfg,
		loop: loop,
		sess: sess,
	}
	srv.engine = srv.routes()
	return srv, nil
}

func (srv *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), srv.logRequests())
	if len(srv.cfg.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: srv.cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	api := r.Group("/api")
	{
		api.GET("/state", srv.State)
		api.POST("/session", srv.Open)
		api.DELETE("/session", srv.Close)
		api.POST("/mode", srv.SetMode)
		api.POST("/facing", srv.SwitchFacing)
		api.POST("/photo", srv.TakePhoto)
		api.POST("/recording/start", srv.StartRecording)
		api.POST("/recording/stop", srv.StopRecording)
		api.POST("/discard", srv.Discard)
		api.POST("/retake", srv.Retake)
		api.POST("/confirm", srv.Confirm)
		api.GET("/pending", srv.Pending)
	}

	r.GET("/preview", srv.Snapshot)
	r.GET("/stream", srv.Stream)
	r.GET("/events", srv.Events)
	if srv.cfg.MediaDir != "" {
		r.Static("/media", srv.cfg.MediaDir)
	}
	return r
}

func (srv *server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		srv.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (srv *server) Handler() http.Handler {
	return srv.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (srv *server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    srv.cfg.Addr,
		Handler: srv.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("listening", "addr", srv.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("fail to listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("fail to shutdown server: %w", err)
	}
	srv.log.Info("server stopped")
	return nil
}
