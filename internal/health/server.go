// Package health serves the liveness endpoint used by container platforms.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rewired-gh/kalshibot/internal/logger"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server answers GET /healthz.
type Server struct {
	storage Pinger
	started time.Time
	srv     *http.Server
}

// NewServer creates a health server listening on addr (":8080").
func NewServer(addr string, storage Pinger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{storage: storage, started: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.handleHealth)
	r.HEAD("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Health endpoint listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	// Liveness only; storage trouble is reported, not failed.
	storageStatus := "ok"
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			storageStatus = "error: " + err.Error()
		}
	} else {
		storageStatus = "disabled"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"storage": storageStatus,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}
