// Package server exposes command execution and job control as MCP tools
// over stdio.
package server

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/async"
	"github.com/teranos/handoff/version"
)

// Server wraps the scheduler and job control surface as an MCP server
type Server struct {
	sched   *async.Scheduler
	control *async.Control
	cfg     am.ServerConfig
	mcp     *server.MCPServer
	logger  *zap.SugaredLogger
}

// New creates the MCP server and registers its tools
func New(sched *async.Scheduler, control *async.Control, cfg am.ServerConfig, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	name := cfg.Name
	if name == "" {
		name = "handoff"
	}

	s := &Server{
		sched:   sched,
		control: control,
		cfg:     cfg,
		logger:  log,
	}
	s.mcp = server.NewMCPServer(
		name,
		version.Get().Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCP returns the underlying MCP server
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger.Desugar()))

	s.logger.Infow("MCP server listening on stdio", logger.FieldComponent, "server")
	err := stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
