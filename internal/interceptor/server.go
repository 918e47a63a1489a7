package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server exposes an Interceptor over HTTP as the renderer's pseudo-origin.
type Server struct {
	ic     *Interceptor
	router *gin.Engine
	server *http.Server
}

// NewServer registers:
//
//	GET /healthz
//	GET /metrics
//	GET <prefix>/page/<entry key>?w=N
//	GET <prefix>/<encoded resource>?w=N
func NewServer(ic *Interceptor, addr string, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{ic: ic, router: router}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))
	// one catch-all so page routes and encoded keys never conflict
	router.GET(ic.Prefix()+"/*path", s.handleLocal)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleLocal(c *gin.Context) {
	path := c.Param("path")

	var (
		resp *Response
		err  error
	)
	if entryKey, ok := strings.CutPrefix(path, "/page/"); ok {
		width, _ := strconv.Atoi(c.Query("w"))
		resp, err = s.ic.ServePage(c.Request.Context(), entryKey, width)
	} else {
		resp, err = s.ic.Serve(c.Request.Context(), c.Request.URL.RequestURI())
	}

	if err != nil {
		status := failure.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			debuglog.Warnf("serve %s: %v", path, err)
		}
		c.String(status, err.Error())
		return
	}

	c.Header("X-Stow-Source", resp.Source)
	c.Header("X-Stow-Width", strconv.Itoa(resp.Width))
	c.Data(http.StatusOK, resp.ContentType, resp.Body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		debuglog.WithFields(map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debugf("request")
	}
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully. ready, when non-nil, receives the bound address.
func (s *Server) Serve(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	if ready != nil {
		ready(ln.Addr().String())
	}
	debuglog.Infof("local server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	//nolint:contextcheck // the parent context is already done
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
