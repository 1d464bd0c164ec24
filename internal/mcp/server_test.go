package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripload/internal/domain"
	"tripload/internal/etl"
	_ "tripload/internal/etl/sources"
	"tripload/internal/secret"
	"tripload/internal/service"
	"tripload/internal/storage"
)

const zonesCSV = "LocationID,Borough,Zone,service_zone\n" +
	"1,EWR,Newark Airport,EWR\n" +
	"2,Queens,Jamaica Bay,Boro Zone\n" +
	"3,Bronx,Allerton/Pelham Gardens,Boro Zone\n"

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	csv := filepath.Join(dir, "zones.csv")
	require.NoError(t, os.WriteFile(csv, []byte(zonesCSV), 0o644))

	svc := service.NewIngestService(storage.NewIngestStore(db), secret.Static{}, nil, nil)
	t.Cleanup(svc.Stop)

	s := New(Deps{
		Ingest:     svc,
		Connection: domain.DatabaseConnection{Driver: domain.DatabaseDriverSQLite, Host: filepath.Join(dir, "warehouse.db")},
		Options:    etl.RunOptions{ChunkSize: 2},
	})
	return s, csv
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandleListSchemas(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleListSchemas(context.Background(), callRequest(nil))
	require.NoError(t, err)

	var out []struct {
		Name    string          `json:"name"`
		Columns []domain.Column `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out, len(domain.PresetNames()))
	names := make([]string, len(out))
	for i, o := range out {
		names[i] = o.Name
	}
	assert.Contains(t, names, "taxi_zone_lookup")
}

func TestHandleRunIngestion_ThenDescribe(t *testing.T) {
	s, csv := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRunIngestion(ctx, callRequest(map[string]any{
		"locator": csv,
		"schema":  "taxi_zone_lookup",
		"table":   "zones",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var result etl.SyncResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, etl.StatusCompleted, result.Status)
	assert.Equal(t, int64(3), result.RowsWritten)
	assert.Equal(t, 2, result.BatchesWritten)

	res, err = s.handleDescribeTarget(ctx, callRequest(map[string]any{"table": "zones"}))
	require.NoError(t, err)
	var info service.TargetInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &info))
	assert.Equal(t, int64(3), info.RowCount)
	assert.Len(t, info.Columns, 4)
}

func TestHandleRunIngestion_FailureIsErrorResult(t *testing.T) {
	s, _ := newTestServer(t)
	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("LocationID,Borough\n1,EWR\n"), 0o644))

	res, err := s.handleRunIngestion(context.Background(), callRequest(map[string]any{
		"locator": bad,
		"schema":  "taxi_zone_lookup",
		"table":   "zones",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var result etl.SyncResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, etl.StatusFailed, result.Status)
	assert.Equal(t, etl.KindSchemaMismatch, result.ErrorKind)
}

func TestHandleRunIngestion_MissingArgument(t *testing.T) {
	s, csv := newTestServer(t)
	_, err := s.handleRunIngestion(context.Background(), callRequest(map[string]any{
		"locator": csv,
		"schema":  "taxi_zone_lookup",
	}))
	assert.Error(t, err)
}

func TestHandleRunJob_ByName(t *testing.T) {
	s, csv := newTestServer(t)
	ctx := context.Background()
	_, err := s.ingest.CreateJob(ctx, service.CreateJobInput{
		Name:         "zones",
		Locator:      csv,
		SchemaPreset: "taxi_zone_lookup",
		Connection:   s.conn,
		Target:       domain.SinkTarget{Table: "zones"},
		Enabled:      true,
	})
	require.NoError(t, err)

	res, err := s.handleRunJob(ctx, callRequest(map[string]any{"job": "zones"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = s.handleListRuns(ctx, callRequest(map[string]any{"job": "zones"}))
	require.NoError(t, err)
	var runs []etl.SyncRunLog
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, etl.StatusCompleted, runs[0].Status)

	res, err = s.handleListJobs(ctx, callRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"lastStatus": "completed"`)

	_, err = s.handleRunJob(ctx, callRequest(map[string]any{"job": "missing"}))
	assert.Error(t, err)
}

func TestHandlePreviewSource(t *testing.T) {
	s, csv := newTestServer(t)
	res, err := s.handlePreviewSource(context.Background(), callRequest(map[string]any{
		"locator": csv,
		"schema":  "taxi_zone_lookup",
		"rows":    float64(2),
	}))
	require.NoError(t, err)

	var out struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, []string{"LocationID", "Borough", "Zone", "service_zone"}, out.Columns)
	assert.Len(t, out.Rows, 2)
}

func TestToParams(t *testing.T) {
	params, err := toParams(etl.Progress{RunID: "r1", Batch: 2, Rows: 10})
	require.NoError(t, err)
	assert.Equal(t, "r1", params["runId"])
	assert.Equal(t, float64(2), params["batch"])

	params, err = toParams([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, params["data"])
}
