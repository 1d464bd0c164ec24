package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"tripload/internal/domain"
)

func (s *Server) registerSinkTools() {
	s.mcp.AddTool(mcp.NewTool("test_connection",
		mcp.WithDescription("Check that the configured destination database is reachable"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleTestConnection)

	s.mcp.AddTool(mcp.NewTool("describe_target",
		mcp.WithDescription("Show the row count and columns of a destination table"),
		mcp.WithString("table", mcp.Description("Table name"), mcp.Required()),
		mcp.WithString("namespace", mcp.Description("Schema or database (optional)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleDescribeTarget)
}

func (s *Server) handleTestConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.ingest.TestConnection(ctx, s.conn); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Connected to %s at %s", s.conn.Driver, s.conn.Host)), nil
}

func (s *Server) handleDescribeTarget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := req.RequireString("table")
	if err != nil {
		return nil, err
	}
	info, err := s.ingest.DescribeTarget(ctx, s.conn, domain.SinkTarget{
		Namespace: req.GetString("namespace", ""),
		Table:     table,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(info)
}
