// Package agent implements the guest agent that runs inside each VM. It
// serves HTTP over vsock and carries out guest control requests from the
// host: processes, file copies, directory creation and tools updates.
package agent

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/vmctl/internal/auth"
	"github.com/opensandbox/vmctl/internal/metrics"
)

// DefaultMaxOutputWait bounds how long a single output request blocks.
const DefaultMaxOutputWait = time.Second

// Config configures the agent server.
type Config struct {
	Token          string
	WorkDir        string // empty runs processes in the user's home
	StagingDir     string // tools images are staged here
	ToolsInstaller string // command run with the staged image path
	MaxOutputWait  time.Duration
	Version        string
}

// Server is the HTTP agent server that runs inside a VM.
type Server struct {
	echo      *echo.Echo
	cfg       Config
	ops       *operationTable
	procs     *processTable
	startTime time.Time
	http      *http.Server
}

// NewServer creates a new agent server.
func NewServer(cfg Config) *Server {
	if cfg.MaxOutputWait <= 0 {
		cfg.MaxOutputWait = DefaultMaxOutputWait
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		cfg:       cfg,
		ops:       newOperationTable(),
		procs:     newProcessTable(),
		startTime: time.Now(),
		http:      &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("", auth.TokenMiddleware(cfg.Token))
	g.POST("/processes", s.execProcess)
	g.GET("/processes/:pid/output", s.processOutput)
	g.GET("/processes/:pid/status", s.processStatus)
	g.PUT("/files", s.putFile)
	g.POST("/dirs", s.makeDir)
	g.POST("/tools", s.updateTools)
	g.GET("/operations/:id", s.getOperation)
	g.POST("/operations/:id/cancel", s.cancelOperation)

	return s
}

// Handler returns the agent's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts host connections on lis until Close is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("agent: serving on %s", lis.Addr())
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting requests and waits briefly for in-flight ones.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
