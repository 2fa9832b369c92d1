// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
	"github.com/sustainable-computing-io/pmcmon/internal/version"
)

type (
	Initializer         = service.Initializer
	Runner              = service.Runner
	CounterDataProvider = monitor.CounterDataProvider
	APIRegistry         = interface {
		Register(endpoint, summary, description string, handler http.Handler) error
	}
)

// Transports served over HTTP
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
	TransportStdio      = "stdio"
)

// Transports returns the transports a Server can be configured with
func Transports() []string {
	return []string{TransportStreamable, TransportSSE, TransportStdio}
}

// Server answers Model Context Protocol tool calls with counter data
type Server struct {
	logger      *slog.Logger
	monitor     CounterDataProvider
	server      *mcp.Server
	apiRegistry APIRegistry

	httpPath  string
	transport string
}

var (
	_ Initializer = (*Server)(nil)
	_ Runner      = (*Server)(nil)
)

// Option defines functional options for MCP server configuration
type Option func(*Server)

// WithStreamableHTTP serves the streamable HTTP transport at path of the API server
func WithStreamableHTTP(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = TransportStreamable
	}
}

// WithSSETransport serves the Server-Sent Events transport at path of the API server
func WithSSETransport(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = TransportSSE
	}
}

// WithLogger sets the logger of the server
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an MCP server over the data of pm. Without an HTTP
// option the server speaks stdio.
func NewServer(pm CounterDataProvider, options ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		monitor:   pm,
		httpPath:  "/mcp",
		transport: TransportStdio,
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.With("service", "mcp")

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "pmcmon",
		Version: version.Info().Version,
	}, nil)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_core_types",
		Description: "List the discovered core types with their processors and counter layout",
	}, s.handleListCoreTypes)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_top_threads",
		Description: "List the logical processors with the highest value of a client metric",
	}, s.handleListTopThreads)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_thread_counters",
		Description: "Get the normalized counters and client values of one logical processor",
	}, s.handleGetThreadCounters)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_power",
		Description: "Get the package and domain power of the last power interval",
	}, s.handleGetPower)
}

// Init registers the HTTP handler of the configured transport
func (s *Server) Init() error {
	s.logger.Info("Initializing MCP server", "transport", s.transport, "path", s.httpPath)

	var handler http.Handler
	switch s.transport {
	case TransportStdio:
		return nil
	case TransportSSE:
		handler = mcp.NewSSEHandler(func(*http.Request) *mcp.Server {
			return s.server
		})
	case TransportStreamable:
		handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return s.server
		}, nil)
	default:
		return fmt.Errorf("unknown MCP transport %q", s.transport)
	}

	if s.apiRegistry == nil {
		return fmt.Errorf("no API registry for MCP transport %q", s.transport)
	}

	if err := s.apiRegistry.Register(s.httpPath, "MCP Server",
		"Model Context Protocol server for querying counter data", handler); err != nil {
		return err
	}
	s.logger.Info("Registered MCP HTTP handler", "path", s.httpPath)
	return nil
}

// Name implements the Service interface
func (s *Server) Name() string {
	return "mcp"
}

// Run serves stdio until ctx is done; HTTP transports are served by the API
// server so Run only waits
func (s *Server) Run(ctx context.Context) error {
	if s.transport != TransportStdio {
		<-ctx.Done()
		return nil
	}

	s.logger.Info("MCP server starting with stdio transport")
	return s.server.Run(ctx, mcp.NewStdioTransport())
}
