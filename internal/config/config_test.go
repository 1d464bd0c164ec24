package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripload/internal/config"
	"tripload/internal/domain"
	"tripload/internal/etl"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load(viper.New(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/DataTalksClub/nyc-tlc-data/releases/download/yellow/yellow_tripdata_2021-01.csv.gz", c.Locator())
	assert.Equal(t, domain.SinkTarget{Table: "yellow_taxi_data_2021_1"}, c.Target())
	assert.Equal(t, "yellow_taxi", c.PresetName())

	conn := c.Connection()
	assert.Equal(t, domain.DatabaseDriverPostgres, conn.Driver)
	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, 5432, conn.Port)
	assert.Equal(t, "root", conn.Username)
	assert.Equal(t, "ny_taxi", conn.Database)
	assert.Equal(t, "root", c.Sink.Password)

	opts := c.RunOptions()
	assert.Equal(t, 10000, opts.ChunkSize)
	assert.Equal(t, etl.PolicyAbort, opts.OnMalformedRecord)
	assert.Equal(t, etl.PolicyAbort, opts.OnCoercionError)
	assert.Equal(t, 2, opts.QueueDepth)
	assert.False(t, opts.Pipelined)
	assert.Equal(t, 5*time.Minute, opts.SinkTimeout)

	schema, err := c.BuildSchema()
	require.NoError(t, err)
	assert.Equal(t, []string{"tpep_pickup_datetime", "tpep_dropoff_datetime"}, schema.Temporal())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRIPLOAD_SOURCE_COLOR", "green")
	t.Setenv("TRIPLOAD_SOURCE_MONTH", "3")
	t.Setenv("TRIPLOAD_SINK_HOST", "pgdatabase")
	t.Setenv("TRIPLOAD_RUN_CHUNK_SIZE", "500")
	t.Setenv("TRIPLOAD_RUN_ON_COERCION_ERROR", "skip")

	c, err := config.Load(viper.New(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/DataTalksClub/nyc-tlc-data/releases/download/green/green_tripdata_2021-03.csv.gz", c.Locator())
	assert.Equal(t, "green_taxi_data_2021_3", c.Target().Table)
	assert.Equal(t, "green_taxi", c.PresetName())
	assert.Equal(t, "pgdatabase", c.Sink.Host)
	assert.Equal(t, 500, c.Run.ChunkSize)
	assert.Equal(t, etl.PolicySkip, c.RunOptions().OnCoercionError)
}

func TestLoad_FlagsBeatEnv(t *testing.T) {
	t.Setenv("TRIPLOAD_SINK_TABLE", "from_env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("sink.table", "", "")
	require.NoError(t, flags.Parse([]string{"--sink.table=from_flag"}))

	c, err := config.Load(viper.New(), "", flags)
	require.NoError(t, err)
	assert.Equal(t, "from_flag", c.Target().Table)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  url: /data/zones.csv
schema:
  columns:
    - name: LocationID
      type: Int64
    - name: Borough
      type: string
    - name: updated
  temporal: [updated]
sink:
  driver: sqlite
  host: /tmp/taxi.db
  port: 5432
  table: zones
`), 0o644))

	c, err := config.Load(viper.New(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/data/zones.csv", c.Locator())
	assert.Zero(t, c.Connection().Port)

	schema, err := c.BuildSchema()
	require.NoError(t, err)
	assert.Equal(t, []domain.Column{
		{Name: "LocationID", Type: domain.TypeInt64Nullable},
		{Name: "Borough", Type: domain.TypeStringNullable},
		{Name: "updated", Type: domain.TypeTimestamp},
	}, schema.Columns())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "nope.toml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := config.Load(viper.New(), "", nil)
	require.NoError(t, err)

	for name, mutate := range map[string]func(c *config.Config){
		"chunk size":      func(c *config.Config) { c.Run.ChunkSize = 0 },
		"queue depth":     func(c *config.Config) { c.Run.QueueDepth = -1 },
		"policy":          func(c *config.Config) { c.Run.OnCoercionError = "retry" },
		"unknown columns": func(c *config.Config) { c.Schema.UnknownColumns = "keep" },
		"driver":          func(c *config.Config) { c.Sink.Driver = "oracle" },
		"month":           func(c *config.Config) { c.Source.Month = 13 },
		"log level":       func(c *config.Config) { c.Log.Level = "chatty" },
	} {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	c := *base
	c.Source.URL = "s3://bucket/key.parquet"
	c.Source.Month = 0
	assert.NoError(t, c.Validate())
}
