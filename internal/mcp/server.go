// ABOUTME: MCP stdio server that exposes the secrets broker as agent tools
// ABOUTME: Wraps every handler with metrics, logging and the broker's actionable error messages

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/2389/coven-vault/internal/broker"
)

// ServerName is advertised to MCP clients during initialize.
const ServerName = "coven-vault"

// Broker is the tool backend. *broker.Broker implements it.
type Broker interface {
	Status(ctx context.Context) *broker.StatusResult
	List(ctx context.Context, service string) (*broker.ListResult, error)
	Get(ctx context.Context, service, key string) (*broker.GetResult, error)
	Set(ctx context.Context, req broker.SetRequest) (*broker.SetResult, error)
	ScanEnv(ctx context.Context, req broker.ScanRequest) (*broker.ScanResult, error)
	ScanCompose(ctx context.Context, req broker.ScanRequest) (*broker.ScanResult, error)
	Inject(ctx context.Context, req broker.InjectRequest) (*broker.InjectResult, error)
	TokenStats() *broker.TokenStatsResult
}

// Recorder counts tool calls.
type Recorder interface {
	ToolCall(tool string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) ToolCall(string, bool) {}

// Config holds configuration for the MCP server.
type Config struct {
	Broker   Broker
	Recorder Recorder
	Logger   *slog.Logger
	Version  string
}

// Server is the MCP tool surface of the broker.
type Server struct {
	broker   Broker
	recorder Recorder
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// NewServer creates a server with every vault tool registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		broker:   cfg.Broker,
		recorder: recorder,
		logger:   logger,
		mcp: server.NewMCPServer(ServerName, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP on in and out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("MCP server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type toolFunc func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// handle adapts a broker call to an MCP handler. Broker failures become tool
// errors rather than protocol errors so the agent reads the guidance.
func (s *Server) handle(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		out, err := fn(ctx, req)
		s.recorder.ToolCall(name, err == nil)
		if err != nil {
			s.logger.Warn("tool execution failed",
				"tool", name,
				"error", err,
				"duration", time.Since(start),
			)
			return mcp.NewToolResultError(broker.Explain(err)), nil
		}

		text, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			s.logger.Error("failed to encode tool result", "tool", name, "error", err)
			return mcp.NewToolResultError("Error: could not encode result"), nil
		}
		s.logger.Debug("tool call complete", "tool", name, "duration", time.Since(start))
		return mcp.NewToolResultText(string(text)), nil
	}
}
