package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"tripload/internal/domain"
	"tripload/internal/etl"
	"tripload/internal/service"
)

// Server is the MCP server for tripload.
// It exposes ingestion runs, job history and the schema presets as tools,
// resources and prompts so AI agents can drive loads.
type Server struct {
	mcp    *server.MCPServer
	ingest *service.IngestService
	log    *zap.Logger

	// Defaults for ad-hoc runs, taken from configuration.
	conn    domain.DatabaseConnection
	options etl.RunOptions
}

// Deps holds all dependencies passed from the CLI layer to the MCP server.
type Deps struct {
	Ingest     *service.IngestService
	Connection domain.DatabaseConnection
	Options    etl.RunOptions
	Logger     *zap.Logger
	Version    string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		ingest:  deps.Ingest,
		log:     logger.Named("mcp"),
		conn:    deps.Connection,
		options: deps.Options,
	}

	s.mcp = server.NewMCPServer(
		"tripload-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerIngestTools()
	s.registerSinkTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// Emit forwards a service event to every connected client as a
// notification, so the server can be used as a service.EventEmitter.
func (s *Server) Emit(_ context.Context, event string, data any) {
	params, err := toParams(data)
	if err != nil {
		s.log.Warn("encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	s.mcp.SendNotificationToAllClients(event, params)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := marshalIndent(v)
	if err != nil {
		return nil, err
	}
	return textResult(string(data)), nil
}
