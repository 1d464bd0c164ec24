package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

func (s *Server) registerIngestTools() {
	s.mcp.AddTool(mcp.NewTool("list_schemas",
		mcp.WithDescription("List the built-in schema presets with their columns and semantic types"),
	), s.handleListSchemas)

	s.mcp.AddTool(mcp.NewTool("list_formats",
		mcp.WithDescription("List the source formats the loader can read (csv, parquet, ...)"),
	), s.handleListFormats)

	s.mcp.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List stored ingestion jobs with their last status"),
	), s.handleListJobs)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recent ingestion runs, newest first"),
		mcp.WithString("job", mcp.Description("Job ID or name (optional, defaults to all runs)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	), s.handleListRuns)

	s.mcp.AddTool(mcp.NewTool("run_job",
		mcp.WithDescription("🛑 DESTRUCTIVE: Run a stored ingestion job. Replaces the destination table. Requires user approval."),
		mcp.WithString("job", mcp.Description("Job ID or name"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunJob)

	s.mcp.AddTool(mcp.NewTool("run_ingestion",
		mcp.WithDescription("🛑 DESTRUCTIVE: Load a source file into a table on the configured database. Replaces the table. Requires user approval."),
		mcp.WithString("locator", mcp.Description("Local path, http(s):// or s3:// URL of the source file"), mcp.Required()),
		mcp.WithString("schema", mcp.Description("Schema preset name (use list_schemas)"), mcp.Required()),
		mcp.WithString("table", mcp.Description("Destination table name"), mcp.Required()),
		mcp.WithString("namespace", mcp.Description("Destination schema or database (optional)")),
		mcp.WithNumber("chunkSize", mcp.Description("Rows per batch (optional)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunIngestion)

	s.mcp.AddTool(mcp.NewTool("preview_source",
		mcp.WithDescription("Read and coerce the first rows of a source file without writing anything"),
		mcp.WithString("locator", mcp.Description("Local path, http(s):// or s3:// URL of the source file"), mcp.Required()),
		mcp.WithString("schema", mcp.Description("Schema preset name"), mcp.Required()),
		mcp.WithNumber("rows", mcp.Description("Number of rows to preview (default 10)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePreviewSource)
}

func (s *Server) handleListSchemas(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type schemaInfo struct {
		Name     string          `json:"name"`
		Columns  []domain.Column `json:"columns"`
		Temporal []string        `json:"temporal,omitempty"`
	}

	var out []schemaInfo
	for _, name := range domain.PresetNames() {
		spec, err := domain.Preset(name)
		if err != nil {
			return nil, err
		}
		out = append(out, schemaInfo{Name: name, Columns: spec.Columns(), Temporal: spec.Temporal()})
	}
	return jsonResult(out)
}

func (s *Server) handleListFormats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(etl.ListFormats())
}

func (s *Server) handleListJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.ingest.ListJobs()
	if err != nil {
		return nil, err
	}

	type jobSummary struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Locator     string `json:"locator"`
		Schema      string `json:"schema"`
		Target      string `json:"target"`
		TriggerType string `json:"triggerType"`
		Enabled     bool   `json:"enabled"`
		LastStatus  string `json:"lastStatus,omitempty"`
		LastError   string `json:"lastError,omitempty"`
	}

	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			ID:          j.ID,
			Name:        j.Name,
			Locator:     j.Locator,
			Schema:      j.SchemaPreset,
			Target:      j.Target.String(),
			TriggerType: j.TriggerType,
			Enabled:     j.Enabled,
			LastStatus:  j.LastStatus,
			LastError:   j.LastError,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := ""
	if ref := req.GetString("job", ""); ref != "" {
		job, err := s.ingest.FindJob(ref)
		if err != nil {
			return nil, err
		}
		jobID = job.ID
	}
	runs, err := s.ingest.ListRunLogs(jobID, req.GetInt("limit", 20))
	if err != nil {
		return nil, err
	}
	return jsonResult(runs)
}

func (s *Server) handleRunJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("job")
	if err != nil {
		return nil, err
	}
	job, err := s.ingest.FindJob(ref)
	if err != nil {
		return nil, err
	}
	return runResult(s.ingest.RunJob(ctx, job.ID))
}

func (s *Server) handleRunIngestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.specFromRequest(req)
	if err != nil {
		return nil, err
	}
	table, err := req.RequireString("table")
	if err != nil {
		return nil, err
	}
	spec.Target = domain.SinkTarget{Namespace: req.GetString("namespace", ""), Table: table}
	if n := req.GetInt("chunkSize", 0); n > 0 {
		spec.Options.ChunkSize = n
	}
	return runResult(s.ingest.RunAdHoc(ctx, spec, s.conn))
}

func (s *Server) handlePreviewSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.specFromRequest(req)
	if err != nil {
		return nil, err
	}
	// Preview never writes, but RunSpec validation wants a target.
	spec.Target = domain.SinkTarget{Table: "preview"}

	batch, dropped, err := s.ingest.Preview(ctx, spec, req.GetInt("rows", 10))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"columns": batch.ColumnNames(),
		"rows":    batch.Rows,
		"dropped": dropped,
	})
}

// specFromRequest resolves the locator and schema arguments into a RunSpec
// carrying the server's default options.
func (s *Server) specFromRequest(req mcp.CallToolRequest) (*etl.RunSpec, error) {
	locator, err := req.RequireString("locator")
	if err != nil {
		return nil, err
	}
	name, err := req.RequireString("schema")
	if err != nil {
		return nil, err
	}
	schema, err := domain.Preset(name, domain.WithUnknownColumns(s.options.UnknownColumns))
	if err != nil {
		return nil, err
	}
	return &etl.RunSpec{Locator: locator, Schema: schema, Options: s.options}, nil
}

// runResult reports a finished run. A failed run still carries its counts,
// so it is returned as an error result rather than a protocol error.
func runResult(result *etl.SyncResult, err error) (*mcp.CallToolResult, error) {
	if result == nil {
		if err == nil {
			err = fmt.Errorf("run produced no result")
		}
		return nil, err
	}
	res, jerr := jsonResult(result)
	if jerr != nil {
		return nil, jerr
	}
	res.IsError = err != nil
	return res, nil
}
