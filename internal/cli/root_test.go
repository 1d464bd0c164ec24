package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripload/internal/cli"
	"tripload/internal/etl"
)

const zonesCSV = "LocationID,Borough,Zone,service_zone\n" +
	"1,EWR,Newark Airport,EWR\n" +
	"2,Queens,Jamaica Bay,Boro Zone\n" +
	"3,Bronx,Allerton/Pelham Gardens,Boro Zone\n"

// execRoot runs the root command with args and returns what it printed.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rc := cli.NewRootCommand(strings.NewReader(""), &out, &out)
	rc.SetArgs(args)
	err := rc.Execute()
	return out.String(), err
}

// workspace isolates the job store and writes a zones CSV.
func workspace(t *testing.T) (dir, csv, warehouse string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("TRIPLOAD_STORE_PATH", filepath.Join(dir, "state", "tripload.db"))
	t.Setenv("TRIPLOAD_LOG_LEVEL", "error")
	csv = filepath.Join(dir, "taxi_zone_lookup.csv")
	require.NoError(t, os.WriteFile(csv, []byte(zonesCSV), 0o644))
	return dir, csv, filepath.Join(dir, "warehouse.db")
}

func TestRootCommand(t *testing.T) {
	out, err := execRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "Available Commands:")
	for _, name := range []string{"ingest", "jobs", "serve", "mcp", "schemas"} {
		assert.Contains(t, out, name)
	}
}

func TestSchemasCommand(t *testing.T) {
	out, err := execRoot(t, "schemas")
	require.NoError(t, err)
	assert.Contains(t, out, "yellow_taxi")
	assert.Contains(t, out, "tpep_pickup_datetime")
	assert.Contains(t, out, "formats: csv, parquet, tsv")

	out, err = execRoot(t, "schemas", "taxi_zone_lookup", "-o", "json")
	require.NoError(t, err)
	var got []struct {
		Name    string `json:"name"`
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "taxi_zone_lookup", got[0].Name)
	assert.Len(t, got[0].Columns, 4)

	_, err = execRoot(t, "schemas", "purple_taxi")
	assert.Error(t, err)
}

func TestIngestCommand_JSON(t *testing.T) {
	_, csv, warehouse := workspace(t)

	// Running twice replaces the table rather than appending to it.
	for i := 0; i < 2; i++ {
		out, err := execRoot(t, "ingest", csv,
			"--preset", "taxi_zone_lookup",
			"--driver", "sqlite", "--host", warehouse,
			"--table", "zones", "--chunk-size", "2", "-o", "json")
		require.NoError(t, err)

		var res etl.SyncResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, etl.StatusCompleted, res.Status)
		assert.Equal(t, int64(3), res.RowsWritten)
		assert.Equal(t, 2, res.BatchesWritten)
	}
}

func TestIngestCommand_Failure(t *testing.T) {
	dir, _, warehouse := workspace(t)
	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("LocationID,Borough\n1,EWR\n"), 0o644))

	out, err := execRoot(t, "ingest", bad,
		"--preset", "taxi_zone_lookup",
		"--driver", "sqlite", "--host", warehouse, "--table", "zones")
	require.Error(t, err)
	assert.Equal(t, etl.KindSchemaMismatch, etl.KindOf(err))
	assert.Contains(t, out, "failed (SchemaMismatch)")
}

func TestIngestCommand_ConfigFile(t *testing.T) {
	dir, csv, warehouse := workspace(t)
	file := filepath.Join(dir, "tripload.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"source:\n  url: "+csv+"\n"+
			"schema:\n  preset: taxi_zone_lookup\n"+
			"sink:\n  driver: sqlite\n  host: "+warehouse+"\n  table: zones\n"+
			"run:\n  chunk-size: 1\n"), 0o644))

	out, err := execRoot(t, "ingest", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 3 rows in 3 batches (0 skipped)")
}

func TestIngestCommand_BadOutput(t *testing.T) {
	_, csv, _ := workspace(t)
	_, err := execRoot(t, "ingest", csv, "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestIngestCommand_InvalidConfig(t *testing.T) {
	_, csv, _ := workspace(t)
	_, err := execRoot(t, "ingest", csv, "--chunk-size", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk-size")
}

func TestJobsCommands(t *testing.T) {
	_, csv, warehouse := workspace(t)
	sink := []string{"--driver", "sqlite", "--host", warehouse}

	out, err := execRoot(t, append([]string{"jobs", "add", "zones",
		"--locator", csv, "--preset", "taxi_zone_lookup", "--table", "zones", "--chunk-size", "2"}, sink...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "created job zones")

	_, err = execRoot(t, append([]string{"jobs", "add", "zones",
		"--locator", csv, "--preset", "taxi_zone_lookup", "--table", "zones"}, sink...)...)
	assert.Error(t, err, "job names are unique")

	out, err = execRoot(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "zones")
	assert.Contains(t, out, "manual")

	out, err = execRoot(t, "jobs", "run", "zones")
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 3 rows in 2 batches")

	out, err = execRoot(t, "jobs", "runs", "zones", "-o", "json")
	require.NoError(t, err)
	var runs []etl.SyncRunLog
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, etl.StatusCompleted, runs[0].Status)
	assert.Equal(t, int64(3), runs[0].RowsWritten)

	out, err = execRoot(t, "jobs", "list", "-o", "json")
	require.NoError(t, err)
	var jobs []etl.IngestJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, etl.StatusCompleted, jobs[0].LastStatus)

	out, err = execRoot(t, "jobs", "delete", "zones")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted job zones")

	_, err = execRoot(t, "jobs", "run", "zones")
	assert.Error(t, err)
}

func TestJobsAdd_RequiresSchemaAndTable(t *testing.T) {
	_, csv, _ := workspace(t)
	_, err := execRoot(t, "jobs", "add", "zones", "--locator", csv, "--table", "zones")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--preset")

	_, err = execRoot(t, "jobs", "add", "zones", "--locator", csv, "--preset", "taxi_zone_lookup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--table")
}

func TestJobsAdd_InvalidSchedule(t *testing.T) {
	_, csv, warehouse := workspace(t)
	_, err := execRoot(t, "jobs", "add", "nightly", "--locator", csv,
		"--preset", "taxi_zone_lookup", "--table", "zones",
		"--driver", "sqlite", "--host", warehouse,
		"--trigger", "schedule", "--trigger-config", "every night")
	assert.Error(t, err)
}

func TestServeCommand_StopsWithContext(t *testing.T) {
	workspace(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	rc := cli.NewRootCommand(strings.NewReader(""), &out, &out)
	rc.SetArgs([]string{"serve", "--metrics.addr", "127.0.0.1:0"})
	assert.NoError(t, rc.ExecuteContext(ctx))
}
