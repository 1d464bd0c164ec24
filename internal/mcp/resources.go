package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"tripload/internal/domain"
)

func (s *Server) registerResources() {
	// ── tripload://jobs ────────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"tripload://jobs",
		"Ingestion Jobs",
		mcp.WithMIMEType("application/json"),
	), s.handleJobsResource)

	// ── tripload://schemas ─────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"tripload://schemas",
		"Schema Presets",
		mcp.WithMIMEType("application/json"),
	), s.handleSchemasResource)
}

func (s *Server) handleJobsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jobs, err := s.ingest.ListJobs()
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, jobs)
}

func (s *Server) handleSchemasResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out := map[string][]domain.Column{}
	for _, name := range domain.PresetNames() {
		spec, err := domain.Preset(name)
		if err != nil {
			return nil, err
		}
		out[name] = spec.Columns()
	}
	return jsonResource(req.Params.URI, out)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := marshalIndent(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
